package fsm

import "github.com/ebus-go/ebusgo/telegram"

// Disposition is the identify-callback's verdict on an inbound telegram
// addressed to us, per spec.md §4.4/§6.
type Disposition uint8

const (
	// Ignore: the telegram is not for our application logic; just
	// publish it and return to Listen.
	Ignore Disposition = iota
	// Respond: the application will supply a slave body via
	// PendingResponse.SetSlaveBody before IdentifyFunc returns.
	Respond
	// Undefined: addressed to our slave address but we have no handler;
	// logged as NotDefined.
	Undefined
)

// IdentifyFunc classifies a fully-parsed inbound telegram. It must return
// quickly and must not call back into the Engine except read-only option
// getters (spec.md §5). For Respond, the callback supplies the slave body
// via resp before returning.
type IdentifyFunc func(t *telegram.Telegram, resp *PendingResponse) Disposition

// PublishFunc is a fire-and-forget notification of any fully-parsed
// telegram, successful or not (spec.md §6).
type PublishFunc func(t *telegram.Telegram)

// PendingResponse lets an IdentifyFunc hand back the slave body to send
// for a Respond disposition.
type PendingResponse struct {
	body []byte
	set  bool
}

// SetSlaveBody records the raw "NN D…" slave body to transmit.
func (p *PendingResponse) SetSlaveBody(body []byte) {
	p.body = body
	p.set = true
}
