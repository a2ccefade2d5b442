// Command ebusd is a minimal interactive shell around an Engine, grounded
// on amken3d-gopper's gopper-host CLI: flags for the device and address,
// then a line-oriented command loop. It covers the subset of spec.md §6's
// control surface that makes sense without the (explicitly out-of-scope)
// forwarding/control-server layer: open, close, send, active, loglevel,
// stop, help.
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ebus-go/ebusgo/engine"
	"github.com/ebus-go/ebusgo/fsm"
	"github.com/ebus-go/ebusgo/telegram"
)

var (
	deviceSpec = flag.String("device", "/dev/ttyUSB0", "Serial device path or host:port TCP proxy")
	address    = flag.String("address", "FF", "Our master address (hex byte)")
	dumpFile   = flag.String("dump", "", "Raw byte dump file (disabled if empty)")
	logLevel   = flag.String("loglevel", "info", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	addr, err := strconv.ParseUint(*address, 16, 8)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -address %q: %v\n", *address, err)
		os.Exit(1)
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}

	cfg := engine.DefaultConfig()
	if *dumpFile != "" {
		cfg.Dump = true
		cfg.DumpFile = *dumpFile
	}

	identify := func(t *telegram.Telegram, resp *fsm.PendingResponse) fsm.Disposition {
		return fsm.Ignore
	}
	publish := func(t *telegram.Telegram) {
		log.WithField("telegram", t.String()).Info("observed")
	}

	e, err := engine.New(byte(addr), *deviceSpec, cfg, log, identify, publish)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ebusd: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("ebusd - eBUS participant shell (address %02X, device %s)\n", addr, *deviceSpec)
	fmt.Println("Type 'help' for available commands, 'quit' to exit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		cmd := parts[0]

		switch cmd {
		case "quit", "exit", "q":
			e.Stop()
			fmt.Println("Goodbye!")
			return

		case "help", "?":
			printHelp()

		case "open":
			if err := e.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "open: %v\n", err)
				continue
			}
			e.Open()
			fmt.Println("opened")

		case "close":
			e.Close()
			fmt.Println("close requested")

		case "stop":
			e.Stop()
			fmt.Println("stopped")

		case "send":
			if len(parts) < 2 {
				fmt.Println("usage: send <hex bytes, ZZ PB SB NN D...>")
				continue
			}
			body, err := hex.DecodeString(strings.Join(parts[1:], ""))
			if err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
				continue
			}
			h, err := e.Send(body)
			if err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
				continue
			}
			res := h.Wait()
			if res.Err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", res.Err)
				continue
			}
			if len(res.Slave) > 0 {
				fmt.Printf("response: %s\n", hex.EncodeToString(res.Slave))
			} else {
				fmt.Println("ok")
			}

		case "active":
			for _, t := range e.Active() {
				fmt.Println(t.String())
			}

		case "loglevel":
			if len(parts) < 2 {
				fmt.Println("usage: loglevel <debug|info|warn|error>")
				continue
			}
			lvl, err := logrus.ParseLevel(parts[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "loglevel: %v\n", err)
				continue
			}
			log.SetLevel(lvl)

		default:
			fmt.Printf("unknown command: %s (type 'help' for available commands)\n", cmd)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error reading input: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("\nAvailable commands:")
	fmt.Println("  open                 - start the engine and (re)open the device")
	fmt.Println("  close                - close the device, fall back to reconnect")
	fmt.Println("  send <hex>           - enqueue a master telegram body (ZZ PB SB NN D...)")
	fmt.Println("  active               - list recently observed telegrams")
	fmt.Println("  loglevel <level>     - change the log level")
	fmt.Println("  stop                 - stop the engine")
	fmt.Println("  quit/exit/q          - exit the shell")
	fmt.Println()
}
