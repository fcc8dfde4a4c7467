package queue

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stormcore/stormio/internal/nvme/uapi"
)

// RequestState is a position in the AVAIL/ALLOCATED/SUBMITTED/COMPLETED
// lifecycle a request bank entry moves through.
type RequestState int32

const (
	StateAvail RequestState = iota
	StateAllocated
	StateSubmitted
	StateCompleted
)

func (s RequestState) String() string {
	switch s {
	case StateAvail:
		return "AVAIL"
	case StateAllocated:
		return "ALLOCATED"
	case StateSubmitted:
		return "SUBMITTED"
	case StateCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Request is one request-bank slot: a command/completion pair plus the
// bookkeeping a caller needs to wait for its result.
type Request struct {
	CID uint16

	mu         sync.Mutex
	state      RequestState
	Cmd        uapi.Command
	Completion uapi.Completion
	Buf        []byte
	PRP        PRPChain
	done       chan struct{}
}

// State returns the request's current lifecycle state.
func (r *Request) State() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// nilIdx marks the end of the free-list chain.
const nilIdx = -1

// RequestBank owns a fixed pool of Request slots sized to the queue
// depth and a lock-free free list threading them together. Slots are
// never deallocated for the controller's lifetime; a generation counter
// packed beside the head index keeps the CAS pops safe from ABA.
type RequestBank struct {
	depth    int
	requests []*Request
	next     []int32 // free-list links, parallel to requests
	head     atomic.Int64 // packed (generation<<32 | index), nilIdx sentinel is 0xFFFFFFFF in the low word
}

func packHead(gen uint32, idx int32) int64 {
	return int64(gen)<<32 | int64(uint32(idx))
}

func unpackHead(v int64) (gen uint32, idx int32) {
	return uint32(v >> 32), int32(uint32(v))
}

// NewRequestBank allocates `depth` request slots, all initially AVAIL and
// threaded onto the free list in order.
func NewRequestBank(depth int) *RequestBank {
	b := &RequestBank{
		depth:    depth,
		requests: make([]*Request, depth),
		next:     make([]int32, depth),
	}
	for i := 0; i < depth; i++ {
		b.requests[i] = &Request{CID: uint16(i), state: StateAvail, done: make(chan struct{}, 1)}
		if i == depth-1 {
			b.next[i] = nilIdx
		} else {
			b.next[i] = int32(i + 1)
		}
	}
	b.head.Store(packHead(0, 0))
	return b
}

// Depth returns the number of slots in the bank.
func (b *RequestBank) Depth() int { return b.depth }

// GetRequest pops a slot off the free list and transitions it
// AVAIL -> ALLOCATED. Returns an error if the bank is exhausted.
func (b *RequestBank) GetRequest() (*Request, error) {
	for {
		cur := b.head.Load()
		gen, idx := unpackHead(cur)
		if idx == nilIdx {
			return nil, fmt.Errorf("nvme: request bank exhausted (depth=%d)", b.depth)
		}
		nextIdx := b.next[idx]
		newHead := packHead(gen+1, nextIdx)
		if b.head.CompareAndSwap(cur, newHead) {
			req := b.requests[idx]
			req.mu.Lock()
			req.state = StateAllocated
			select {
			case <-req.done:
			default:
			}
			req.mu.Unlock()
			return req, nil
		}
	}
}

// PutRequest resets a COMPLETED request and pushes it back onto the free
// list, transitioning it back to AVAIL.
func (b *RequestBank) PutRequest(r *Request) error {
	r.mu.Lock()
	if r.state != StateCompleted {
		s := r.state
		r.mu.Unlock()
		return fmt.Errorf("nvme: cannot release request cid=%d in state %s (want COMPLETED)", r.CID, s)
	}
	r.state = StateAvail
	r.Buf = nil
	r.PRP = PRPChain{}
	r.mu.Unlock()

	idx := int32(r.CID)
	for {
		cur := b.head.Load()
		gen, headIdx := unpackHead(cur)
		b.next[idx] = headIdx
		newHead := packHead(gen+1, idx)
		if b.head.CompareAndSwap(cur, newHead) {
			return nil
		}
	}
}

// SubmitRequest transitions an ALLOCATED request to SUBMITTED, recording
// the command that was placed on the ring.
func (b *RequestBank) SubmitRequest(r *Request, cmd uapi.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateAllocated {
		return fmt.Errorf("nvme: cannot submit request cid=%d in state %s (want ALLOCATED)", r.CID, r.state)
	}
	r.Cmd = cmd
	r.state = StateSubmitted
	return nil
}

// CompleteRequest transitions a SUBMITTED request to COMPLETED, records
// the completion entry, and wakes any waiter. Called from the completion
// poller, after the CQ-head doorbell has already been rung
// (doorbell-before-COMPLETED, the observed firmware hazard).
func (b *RequestBank) CompleteRequest(cid uint16, comp uapi.Completion) error {
	if int(cid) >= b.depth {
		return fmt.Errorf("nvme: completion for out-of-range cid=%d (depth=%d)", cid, b.depth)
	}
	r := b.requests[cid]
	r.mu.Lock()
	if r.state != StateSubmitted {
		s := r.state
		r.mu.Unlock()
		return fmt.Errorf("nvme: completion for cid=%d in state %s (want SUBMITTED)", cid, s)
	}
	r.Completion = comp
	r.state = StateCompleted
	r.mu.Unlock()

	select {
	case r.done <- struct{}{}:
	default:
	}
	return nil
}

// Wait blocks until the request reaches COMPLETED, then returns its
// completion entry.
func (r *Request) Wait() uapi.Completion {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Completion
}
