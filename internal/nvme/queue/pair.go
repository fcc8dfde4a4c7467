package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/stormcore/stormio/internal/nvme/uapi"
)

// Pair is a queue-pair manager: one SubmissionQueue, one CompletionQueue,
// and the RequestBank tracking in-flight commands between them
//. Admin and I/O queues are both instances of Pair; the
// admin thread and disk adapter differ only in which opcodes they submit.
type Pair struct {
	QID   uint16
	SQ    *SubmissionQueue
	CQ    *CompletionQueue
	Bank  *RequestBank
	Alloc DMAAllocator

	// OnSubmit, if set, is invoked with every command after it is placed
	// on the ring and the doorbell rung. Real callers never set this;
	// it exists so tests can drive a fake hardware responder without the
	// production submit path knowing about it.
	OnSubmit func(uapi.Command)
}

// NewPair allocates a submission ring, completion ring, and request bank
// all sized to `depth`.
func NewPair(qid uint16, depth uint16, alloc DMAAllocator, db Doorbell) (*Pair, error) {
	bank := NewRequestBank(int(depth))
	sq, err := NewSubmissionQueue(qid, depth, alloc, db)
	if err != nil {
		return nil, err
	}
	cq, err := NewCompletionQueue(qid, depth, alloc, db, bank)
	if err != nil {
		return nil, err
	}
	return &Pair{QID: qid, SQ: sq, CQ: cq, Bank: bank, Alloc: alloc}, nil
}

// NewSharedPair allocates a submission ring and request bank for qid but
// attaches it to an already-created cq rather than allocating its own,
// registering the bank under qid so cq.Poll routes qid's completions
// here (the dump-q/event-q/per-cpu tiers, where several SQs
// share one CQ). The caller must have already issued CREATE_CQ for cq
// and CREATE_SQ referencing cq's qid before submitting against the
// returned Pair.
func NewSharedPair(qid uint16, depth uint16, alloc DMAAllocator, db Doorbell, cq *CompletionQueue) (*Pair, error) {
	bank := NewRequestBank(int(depth))
	sq, err := NewSubmissionQueue(qid, depth, alloc, db)
	if err != nil {
		return nil, err
	}
	cq.RegisterBank(qid, bank)
	return &Pair{QID: qid, SQ: sq, CQ: cq, Bank: bank, Alloc: alloc}, nil
}

// Submit allocates a request slot, stamps cmd's CID from it, and places
// the command on the submission ring. The returned Request is in
// SUBMITTED state and can be waited on.
func (p *Pair) Submit(cmd uapi.Command) (*Request, error) {
	req, err := p.Bank.GetRequest()
	if err != nil {
		return nil, fmt.Errorf("nvme: queue[%d] submit: %w", p.QID, err)
	}
	cmd.CID = req.CID
	if err := p.Bank.SubmitRequest(req, cmd); err != nil {
		return nil, err
	}
	if err := p.SQ.Submit(cmd); err != nil {
		return nil, err
	}
	if p.OnSubmit != nil {
		p.OnSubmit(cmd)
	}
	return req, nil
}

// SubmitAndWait submits cmd and blocks for its completion, or until ctx is
// done. On completion the request is released back to the bank before
// returning; if ctx is done first, the request is not released.
func (p *Pair) SubmitAndWait(ctx context.Context, cmd uapi.Command) (uapi.Completion, error) {
	req, err := p.Submit(cmd)
	if err != nil {
		return uapi.Completion{}, err
	}

	type result struct {
		comp uapi.Completion
	}
	done := make(chan result, 1)
	go func() { done <- result{comp: req.Wait()} }()

	select {
	case r := <-done:
		if err := p.Bank.PutRequest(req); err != nil {
			return r.comp, err
		}
		return r.comp, nil
	case <-ctx.Done():
		return uapi.Completion{}, ctx.Err()
	}
}

// PollCompletions drains newly posted completions on this pair's CQ. The
// caller (admin thread or a disk adapter's poller) invokes this from
// whatever loop drives phase-bit polling for the queue.
func (p *Pair) PollCompletions() (int, error) {
	return p.CQ.Poll()
}

// dumpLockRetries/dumpLockPause bound SubmitBounded's lock acquisition on
// the dump path: 500 attempts of 1 µs each.
const (
	dumpLockRetries = 500
	dumpLockPause   = time.Microsecond
)

// SubmitDump places cmd on the ring without ever blocking indefinitely:
// request allocation is the usual lock-free pop, but the SQ lock is only
// tried for a bounded interval before the command goes out unlocked
//. The returned request must be reaped with
// PollRequest, not Wait.
func (p *Pair) SubmitDump(cmd uapi.Command) (*Request, error) {
	req, err := p.Bank.GetRequest()
	if err != nil {
		return nil, fmt.Errorf("nvme: queue[%d] dump submit: %w", p.QID, err)
	}
	cmd.CID = req.CID
	if err := p.Bank.SubmitRequest(req, cmd); err != nil {
		return nil, err
	}
	if err := p.SQ.SubmitBounded(cmd, dumpLockRetries, dumpLockPause); err != nil {
		return nil, err
	}
	if p.OnSubmit != nil {
		p.OnSubmit(cmd)
	}
	return req, nil
}

// PollRequest spins on the CQ until req completes or the bound expires,
// returning the completion. The dump path's polled stand-in for Wait —
// it never sleeps on a channel, only busy-polls the phase bit.
func (p *Pair) PollRequest(req *Request, bound time.Duration) (uapi.Completion, error) {
	deadline := time.Now().Add(bound)
	for {
		if _, err := p.CQ.Poll(); err != nil {
			return uapi.Completion{}, err
		}
		if req.State() == StateCompleted {
			return req.Completion, nil
		}
		if time.Now().After(deadline) {
			return uapi.Completion{}, fmt.Errorf("nvme: queue[%d] dump poll timed out after %s", p.QID, bound)
		}
		time.Sleep(time.Microsecond)
	}
}
