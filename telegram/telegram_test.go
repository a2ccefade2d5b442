package telegram

import (
	"testing"

	"github.com/ebus-go/ebusgo/sequence"
)

func TestIsMaster(t *testing.T) {
	for _, addr := range []byte{0x00, 0x10, 0x31, 0x73, 0xF7, 0xFF} {
		if !IsMaster(addr) {
			t.Errorf("IsMaster(0x%02X) = false, want true", addr)
		}
	}
	for _, addr := range []byte{0x08, 0x52, 0xFE} {
		if IsMaster(addr) {
			t.Errorf("IsMaster(0x%02X) = true, want false", addr)
		}
	}
}

func TestSlaveOf(t *testing.T) {
	if got, want := SlaveOf(0x10), byte(0x15); got != want {
		t.Errorf("SlaveOf(0x10) = 0x%02X, want 0x%02X", got, want)
	}
	if got, want := SlaveOf(0xFD), byte(0x02); got != want {
		t.Errorf("SlaveOf(0xFD) = 0x%02X, want 0x%02X (mod 256)", got, want)
	}
}

func TestFromMasterBytesBroadcast(t *testing.T) {
	tg, err := FromMasterBytes(0x03, []byte{0xFE, 0x07, 0x04, 0x00})
	if err != nil {
		t.Fatalf("FromMasterBytes: %v", err)
	}
	if tg.Type() != TypeBC {
		t.Fatalf("Type() = %v, want BC", tg.Type())
	}
	if got, want := tg.MasterCRC(), byte(0x31); got != want {
		t.Errorf("MasterCRC() = 0x%02X, want 0x%02X", got, want)
	}
	wantLen := 5 + 0 + 1 // QQ ZZ PB SB NN + data(0) + CRC
	if got := tg.GetMaster().Len() + 1; got != wantLen {
		t.Errorf("wire master length = %d, want %d", got, wantLen)
	}
}

func TestFromMasterBytesBadNN(t *testing.T) {
	_, err := FromMasterBytes(0x03, []byte{0xFE, 0x07, 0x04, 0x02, 0x01})
	if err == nil {
		t.Fatal("expected error for NN/data mismatch")
	}
}

func TestFromMasterBytesBadQQ(t *testing.T) {
	_, err := FromMasterBytes(0x08, []byte{0xFE, 0x07, 0x04, 0x00})
	if err == nil {
		t.Fatal("expected error for non-master QQ")
	}
}

func TestParseWireBroadcast(t *testing.T) {
	wire := []byte{0x03, 0xFE, 0x07, 0x04, 0x00, 0x31}
	tg := ParseWire(sequence.New(wire...))
	if tg.MasterState() != StateOK {
		t.Fatalf("MasterState() = %v, want OK", tg.MasterState())
	}
	if tg.Type() != TypeBC {
		t.Fatalf("Type() = %v, want BC", tg.Type())
	}
	if !tg.IsValid() {
		t.Fatal("expected valid broadcast telegram")
	}
}

func TestParseWireMM(t *testing.T) {
	wire := []byte{0x03, 0x71, 0x05, 0x03, 0x02, 0x0A, 0x0B, 0xED, sequence.ACK}
	tg := ParseWire(sequence.New(wire...))
	if tg.Type() != TypeMM {
		t.Fatalf("Type() = %v, want MM", tg.Type())
	}
	if tg.MasterState() != StateOK {
		t.Fatalf("MasterState() = %v, want OK", tg.MasterState())
	}
	ack, ok := tg.MasterAck()
	if !ok || ack != sequence.ACK {
		t.Fatalf("MasterAck() = (0x%02X, %v), want (0x00, true)", ack, ok)
	}
	if !tg.IsValid() {
		t.Fatal("expected valid MM telegram")
	}
}

func TestParseWireMMNak(t *testing.T) {
	wire := []byte{0x03, 0x71, 0x05, 0x03, 0x02, 0x0A, 0x0B, 0xED, sequence.NAK}
	tg := ParseWire(sequence.New(wire...))
	if tg.IsValid() {
		t.Fatal("expected invalid MM telegram on NAK")
	}
}

func TestParseWireMS(t *testing.T) {
	wire := []byte{
		0x10, 0x08, 0xB5, 0x09, 0x03, 0x0D, 0x07, 0x00, 0x7A, sequence.ACK,
		0x02, 0x11, 0x22, 0xA7, sequence.ACK,
	}
	tg := ParseWire(sequence.New(wire...))
	if tg.Type() != TypeMS {
		t.Fatalf("Type() = %v, want MS", tg.Type())
	}
	if tg.MasterState() != StateOK {
		t.Fatalf("MasterState() = %v, want OK", tg.MasterState())
	}
	if tg.SlaveState() != StateOK {
		t.Fatalf("SlaveState() = %v, want OK", tg.SlaveState())
	}
	if !tg.IsValid() {
		t.Fatal("expected valid MS telegram")
	}
	if got, want := tg.GetSlave().At(1), byte(0x11); got != want {
		t.Errorf("slave data[0] = 0x%02X, want 0x%02X", got, want)
	}
}

func TestParseWireBadCRC(t *testing.T) {
	wire := []byte{0x03, 0xFE, 0x07, 0x04, 0x00, 0x00} // wrong CRC
	tg := ParseWire(sequence.New(wire...))
	if tg.MasterState() != StateBadCRC {
		t.Fatalf("MasterState() = %v, want BadCRC", tg.MasterState())
	}
	if tg.IsValid() {
		t.Fatal("expected invalid telegram on bad CRC")
	}
}

func TestParseWireBadQQ(t *testing.T) {
	wire := []byte{0x08, 0xFE, 0x07, 0x04, 0x00, 0x31}
	tg := ParseWire(sequence.New(wire...))
	if tg.MasterState() != StateBadQQ {
		t.Fatalf("MasterState() = %v, want BadQQ", tg.MasterState())
	}
}

func TestParseWireTooShort(t *testing.T) {
	tg := ParseWire(sequence.New(0x03, 0xFE))
	if tg.MasterState() != StateTooShort {
		t.Fatalf("MasterState() = %v, want TooShort", tg.MasterState())
	}
}

func TestParseWireBadNN(t *testing.T) {
	wire := []byte{0x03, 0xFE, 0x07, 0x04, 0x11} // NN=17, out of [0,16]
	tg := ParseWire(sequence.New(wire...))
	if tg.MasterState() != StateBadNN {
		t.Fatalf("MasterState() = %v, want BadNN", tg.MasterState())
	}
}

func TestWireLengthInvariant(t *testing.T) {
	for k := MinDataLen; k <= MaxDataLen; k++ {
		data := make([]byte, k)
		for i := range data {
			data[i] = byte(i + 1)
		}
		body := append([]byte{0xFE, 0x07, 0x04, byte(k)}, data...)
		tg, err := FromMasterBytes(0x03, body)
		if err != nil {
			t.Fatalf("k=%d: FromMasterBytes: %v", k, err)
		}
		wireLen := tg.GetMaster().Len() + 1 // + CRC
		if want := 5 + k + 1; wireLen != want {
			t.Errorf("k=%d: wire length = %d, want %d", k, wireLen, want)
		}
	}
}

func TestAttachSlave(t *testing.T) {
	tg, err := FromMasterBytes(0x10, []byte{0x08, 0xB5, 0x09, 0x03, 0x0D, 0x07, 0x00})
	if err != nil {
		t.Fatalf("FromMasterBytes: %v", err)
	}
	if tg.Type() != TypeMS {
		t.Fatalf("Type() = %v, want MS", tg.Type())
	}
	if err := tg.AttachSlave([]byte{0x02, 0x11, 0x22}); err != nil {
		t.Fatalf("AttachSlave: %v", err)
	}
	if got, want := tg.SlaveCRC(), byte(0xA7); got != want {
		t.Errorf("SlaveCRC() = 0x%02X, want 0x%02X", got, want)
	}
}

func TestAttachSlaveWrongType(t *testing.T) {
	tg, err := FromMasterBytes(0x03, []byte{0xFE, 0x07, 0x04, 0x00})
	if err != nil {
		t.Fatalf("FromMasterBytes: %v", err)
	}
	if err := tg.AttachSlave([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error attaching a slave part to a broadcast telegram")
	}
}
