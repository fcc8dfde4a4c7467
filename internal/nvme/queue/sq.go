package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/stormcore/stormio/internal/nvme/uapi"
)

// Doorbell is the narrow collaborator SubmissionQueue and CompletionQueue
// need from the chipset layer — just enough to ring a tail or head
// doorbell, mirroring chipset.Logger's narrow-interface split so this
// package never imports internal/nvme/chipset directly.
type Doorbell interface {
	RingSQDoorbell(qid uint16, tail uint16)
	RingCQDoorbell(qid uint16, head uint16)
}

// SubmissionQueue is a ring of fixed-size 64-byte NVMe commands backed by
// a DMA region, with a tail pointer the owner advances on each Submit and
// announces via the SQ-tail doorbell.
type SubmissionQueue struct {
	qid   uint16
	depth uint16
	db    Doorbell

	mu     sync.Mutex
	region DMARegion
	tail   uint16
}

// NewSubmissionQueue allocates a depth-entry ring of 64-byte command
// slots and zeroes it.
func NewSubmissionQueue(qid uint16, depth uint16, alloc DMAAllocator, db Doorbell) (*SubmissionQueue, error) {
	size := int(depth) * 64
	region, err := alloc.Alloc(size, 4096, 4096)
	if err != nil {
		return nil, fmt.Errorf("nvme: allocate SQ[%d] (%d entries): %w", qid, depth, err)
	}
	for i := range region.KVA {
		region.KVA[i] = 0
	}
	return &SubmissionQueue{qid: qid, depth: depth, db: db, region: region}, nil
}

// Phys returns the queue's base physical address, for programming
// CREATE_SQ's PRP1 field.
func (q *SubmissionQueue) Phys() uint64 { return q.region.Phys }

// Submit writes cmd into the next ring slot and rings the tail doorbell.
// Callers are responsible for having already marked the request SUBMITTED
// via RequestBank.SubmitRequest before the doorbell write, so nothing else
// observes the command prior to its CID being claimed.
func (q *SubmissionQueue) Submit(cmd uapi.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	slot := q.region.KVA[int(q.tail)*64 : int(q.tail)*64+64]
	uapi.MarshalCommand(&cmd, slot)

	q.tail++
	if q.tail >= q.depth {
		q.tail = 0
	}
	q.db.RingSQDoorbell(q.qid, q.tail)
	return nil
}

// Depth returns the number of entries in the ring.
func (q *SubmissionQueue) Depth() uint16 { return q.depth }

// SubmitBounded is the dump-path variant of Submit: it tries to take the
// SQ lock up to `retries` times, pausing `pause` between attempts, and on
// exhaustion rings the command through anyway without the lock — the
// caller is a crash-dump writer that must not block, and a torn ring
// slot at that point is preferable to a hung dump. Never
// use this outside the dump path.
func (q *SubmissionQueue) SubmitBounded(cmd uapi.Command, retries int, pause time.Duration) error {
	locked := false
	for i := 0; i < retries; i++ {
		if q.mu.TryLock() {
			locked = true
			break
		}
		time.Sleep(pause)
	}
	if locked {
		defer q.mu.Unlock()
	}

	slot := q.region.KVA[int(q.tail)*64 : int(q.tail)*64+64]
	uapi.MarshalCommand(&cmd, slot)

	q.tail++
	if q.tail >= q.depth {
		q.tail = 0
	}
	q.db.RingSQDoorbell(q.qid, q.tail)
	return nil
}
