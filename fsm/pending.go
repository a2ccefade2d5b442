package fsm

import (
	"sync"

	"github.com/rs/xid"

	"github.com/ebus-go/ebusgo/ebuserr"
)

// Result is the outcome of a completed send, delivered through Handle.Wait.
type Result struct {
	Err   error // nil on success
	Slave []byte // the slave's "D…" data bytes, for a successful MS exchange
}

// PendingSend is a master payload plus a completion slot, per spec.md
// §3 ("Pending send item"). It lives from Enqueue until the Fsm signals
// completion.
type PendingSend struct {
	ID     xid.ID
	Master []byte // raw unescaped master body: ZZ PB SB NN D…

	done   chan struct{}
	result Result
}

func newPendingSend(master []byte) *PendingSend {
	return &PendingSend{
		ID:     xid.New(),
		Master: master,
		done:   make(chan struct{}),
	}
}

func (p *PendingSend) complete(res Result) {
	p.result = res
	close(p.done)
}

// Handle is the caller-visible side of a PendingSend.
type Handle struct {
	p *PendingSend
}

// ID returns the correlation id assigned at enqueue time.
func (h Handle) ID() xid.ID { return h.p.ID }

// Wait blocks until the send completes and returns its Result.
func (h Handle) Wait() Result {
	<-h.p.done
	return h.p.result
}

// Done returns a channel closed when the send completes, for callers that
// want to select on multiple handles or a cancellation context.
func (h Handle) Done() <-chan struct{} {
	return h.p.done
}

// sendQueue is the thread-safe FIFO of PendingSend items waiting to be
// transmitted. Any goroutine may Enqueue; only the Fsm thread calls
// Pop/Front/Drain.
type sendQueue struct {
	mu    sync.Mutex
	items []*PendingSend
}

func (q *sendQueue) Enqueue(p *PendingSend) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
}

// Front returns the oldest item without removing it, or nil if empty.
func (q *sendQueue) Front() *PendingSend {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Pop removes and returns the oldest item, or nil if empty.
func (q *sendQueue) Pop() *PendingSend {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p
}

// Len reports the number of queued (not yet popped) items.
func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain pops every remaining item and completes each with KindCancelled,
// per spec.md §5 ("Any pending sends at stop time complete with
// Cancelled").
func (q *sendQueue) Drain() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, p := range items {
		p.complete(Result{Err: ebuserr.New(ebuserr.KindCancelled, "fsm stopped")})
	}
}
