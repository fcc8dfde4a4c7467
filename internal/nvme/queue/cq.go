package queue

import (
	"fmt"
	"sync"

	"github.com/stormcore/stormio/internal/nvme/uapi"
)

// CompletionQueue is a ring of fixed-size 16-byte completion entries,
// polled by phase bit rather than interrupt-driven in this implementation
//. A completion is valid once its phase bit matches the
// queue's current expected phase, which flips every time head wraps
// around the ring.
type CompletionQueue struct {
	qid   uint16
	depth uint16
	db    Doorbell
	banks map[uint16]*RequestBank // keyed by the SQ id a completion's SubqID names

	// mu is the CQ lock: only one consumer may advance head at a time,
	// and the simulated PostCompletion write cursor shares it.
	mu     sync.Mutex
	region DMARegion
	head   uint16
	phase  bool

	// writeIdx/writePhase track where a simulated hardware backend would
	// post its next completion. Real hardware owns this bookkeeping
	// itself; it exists here only for PostCompletion, the fake-hardware
	// test/demo injector.
	writeIdx   uint16
	writePhase bool
}

// NewCompletionQueue allocates a depth-entry ring of 16-byte completion
// slots, zeroed so every phase bit starts at 0 and the first poll pass
// expects phase=true per the NVMe convention. bank is registered under
// qid itself, the common case of one SQ owning its own CQ; shared-CQ
// layouts call RegisterBank for
// every additional SQ id the CQ also services.
func NewCompletionQueue(qid uint16, depth uint16, alloc DMAAllocator, db Doorbell, bank *RequestBank) (*CompletionQueue, error) {
	size := int(depth) * 16
	region, err := alloc.Alloc(size, 4096, 4096)
	if err != nil {
		return nil, fmt.Errorf("nvme: allocate CQ[%d] (%d entries): %w", qid, depth, err)
	}
	for i := range region.KVA {
		region.KVA[i] = 0
	}
	q := &CompletionQueue{qid: qid, depth: depth, db: db, banks: make(map[uint16]*RequestBank), region: region, phase: true, writePhase: true}
	q.banks[qid] = bank
	return q, nil
}

// NewSharedCompletionQueue allocates a CQ with no bank registered yet,
// for the upper mapping tiers where CREATE_CQ must happen
// before any of the SQs that will share it exist to supply one. Callers
// register each sharing SQ's bank afterward via RegisterBank (NewSharedPair
// does this automatically).
func NewSharedCompletionQueue(qid uint16, depth uint16, alloc DMAAllocator, db Doorbell) (*CompletionQueue, error) {
	size := int(depth) * 16
	region, err := alloc.Alloc(size, 4096, 4096)
	if err != nil {
		return nil, fmt.Errorf("nvme: allocate CQ[%d] (%d entries): %w", qid, depth, err)
	}
	for i := range region.KVA {
		region.KVA[i] = 0
	}
	return &CompletionQueue{qid: qid, depth: depth, db: db, banks: make(map[uint16]*RequestBank), region: region, phase: true, writePhase: true}, nil
}

// RegisterBank adds another SQ's RequestBank to a CQ shared across
// multiple submission queues (the dump-q/event-q/per-cpu
// tiers), so Poll can route a completion to the bank owning its
// SubqID's command slot rather than the CQ's own qid.
func (q *CompletionQueue) RegisterBank(sqid uint16, bank *RequestBank) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.banks[sqid] = bank
}

// PostCompletion writes comp into the next ring slot with the correct
// phase bit and advances the simulated write cursor, standing in for a
// real controller's DMA engine. Used by fake-hardware test fixtures and
// the demo CLI's in-memory backend; never called from production code.
func (q *CompletionQueue) PostCompletion(comp uapi.Completion) {
	q.mu.Lock()
	defer q.mu.Unlock()
	comp.Status &^= uapi.StatusPhaseBit
	if q.writePhase {
		comp.Status |= uapi.StatusPhaseBit
	}
	slot := q.region.KVA[int(q.writeIdx)*16 : int(q.writeIdx)*16+16]
	uapi.MarshalCompletion(&comp, slot)

	q.writeIdx++
	if q.writeIdx >= q.depth {
		q.writeIdx = 0
		q.writePhase = !q.writePhase
	}
}

// Phys returns the queue's base physical address, for programming
// CREATE_CQ's PRP1 field.
func (q *CompletionQueue) Phys() uint64 { return q.region.Phys }

// bankFor resolves which RequestBank owns subqID's command slots. A CQ
// serving exactly one SQ (the common case, and every fake-hardware test
// fixture that never bothers to stamp SubqID) routes there regardless
// of the completion's SubqID field; a CQ shared across several SQs
// (RegisterBank called more than once) routes strictly by SubqID.
func (q *CompletionQueue) bankFor(subqID uint16) *RequestBank {
	if len(q.banks) == 1 {
		for _, b := range q.banks {
			return b
		}
	}
	return q.banks[subqID]
}

// Poll scans the ring from head for newly posted completions, dispatches
// each to the RequestBank, and rings the CQ-head doorbell before marking
// the final entry COMPLETED — strictly before, because of an observed
// firmware hazard: a cid reused before the doorbell posts can
// corrupt the queue. Returns the number of completions processed.
func (q *CompletionQueue) Poll() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for {
		slot := q.region.KVA[int(q.head)*16 : int(q.head)*16+16]
		comp := uapi.UnmarshalCompletion(slot)
		if comp.Phase() != q.phase {
			break
		}

		q.head++
		wrapped := q.head >= q.depth
		if wrapped {
			q.head = 0
			q.phase = !q.phase
		}

		// Doorbell first: announce the freed slot before the bank lets
		// the cid be reused by a new submission.
		q.db.RingCQDoorbell(q.qid, q.head)

		bank := q.bankFor(comp.SubqID)
		if err := bank.CompleteRequest(comp.CmdID, comp); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
