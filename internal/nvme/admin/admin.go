// Package admin implements the NVMe admin thread: the single per-controller
// state machine that brings a chipset from reset to OPERATING and keeps it
// there, structured as an ioLoop (poll -> handle signals ->
// dispatch state handler -> sleep on idle) rather than a channel-driven
// actor.
package admin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stormcore/stormio/internal/nvme/chipset"
	"github.com/stormcore/stormio/internal/nvme/errs"
	"github.com/stormcore/stormio/internal/nvme/queue"
	"github.com/stormcore/stormio/internal/nvme/uapi"
)

// State is a position in the admin thread's bring-up state machine.
type State int32

const (
	StateIdentifyCtlr State = iota
	StateMakeQueues
	StateIdentifyNS
	StateOperating
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdentifyCtlr:
		return "IDENTIFY_CTLR"
	case StateMakeQueues:
		return "MAKE_QUEUES"
	case StateIdentifyNS:
		return "IDENTIFY_NS"
	case StateOperating:
		return "OPERATING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Logger is the narrow collaborator this package needs, matching
// chipset.Logger's split so callers never import the concrete logger.
type Logger interface {
	Debugf(format string, args ...any)
	Printf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Printf(string, ...any) {}

// Config parameterizes a Thread.
type Config struct {
	DevID uint32

	// NCPUs is the CPU count SET_FEATURES(NUMQUEUES) negotiation and the
	// mapping-strategy table size their request against.
	// <= 0 defaults to 1.
	NCPUs      int
	QueueDepth uint16
	Chipset    *chipset.Chipset
	Alloc      queue.DMAAllocator
	Logger     Logger

	// OnPairCreated, if set, is called with every queue pair the thread
	// creates (the admin pair, then each I/O pair from MAKE_QUEUES).
	// Tests use it to attach a fake hardware responder via the pair's
	// OnSubmit hook; production callers leave it nil.
	OnPairCreated func(*queue.Pair)
}

// Thread is the admin state machine for one controller.
type Thread struct {
	cfg Config

	mu      sync.Mutex
	state   State
	lastErr error

	ctlr       uapi.IdentifyController
	namespaces map[uint32]uapi.IdentifyNamespace

	adminPair *queue.Pair
	ioPairs   []*queue.Pair
	cqs       []*queue.CompletionQueue
	plan      queue.MappingPlan

	requeue   chan struct{}
	onRequeue func()
}

// NewThread allocates the admin queue pair (queue 0) and returns a Thread
// ready to Run.
func NewThread(cfg Config) (*Thread, error) {
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 64
	}

	adminPair, err := queue.NewPair(0, cfg.QueueDepth, cfg.Alloc, cfg.Chipset)
	if err != nil {
		return nil, errs.WrapError("admin: create admin queue pair", err)
	}
	if err := cfg.Chipset.InitAdmin(adminPair.SQ.Phys(), adminPair.CQ.Phys(), cfg.QueueDepth, cfg.QueueDepth); err != nil {
		return nil, errs.WrapError("admin: enable controller", err)
	}
	if cfg.OnPairCreated != nil {
		cfg.OnPairCreated(adminPair)
	}

	return &Thread{
		cfg:        cfg,
		state:      StateIdentifyCtlr,
		namespaces: make(map[uint32]uapi.IdentifyNamespace),
		adminPair:  adminPair,
		requeue:    make(chan struct{}, 1),
	}, nil
}

// State returns the thread's current lifecycle state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastError returns the error that drove the thread into FAILED, if any.
func (t *Thread) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// AdminPair returns the admin queue pair, for the disk adapter's dump
// path and other callers needing raw admin access.
func (t *Thread) AdminPair() *queue.Pair { return t.adminPair }

// IOPairs returns the I/O queue pairs created during MAKE_QUEUES, indexed
// the same way as Plan()'s per-CPU/verb table (pairs[i] is SQ index i).
// Empty until the thread reaches OPERATING.
func (t *Thread) IOPairs() []*queue.Pair {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*queue.Pair(nil), t.ioPairs...)
}

// Plan returns the queue-count negotiation and mapping-strategy decision
// MAKE_QUEUES settled on. Zero value until OPERATING.
func (t *Thread) Plan() queue.MappingPlan {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.plan
}

// Identify returns the identify-controller data decoded during
// IDENTIFY_CTLR. Zero value until that state has run.
func (t *Thread) Identify() uapi.IdentifyController {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctlr
}

// Namespace returns the identify data for nsid, if IDENTIFY_NS has run.
func (t *Thread) Namespace(nsid uint32) (uapi.IdentifyNamespace, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ns, ok := t.namespaces[nsid]
	return ns, ok
}

// Namespaces returns every namespace ID discovered during IDENTIFY_NS.
func (t *Thread) Namespaces() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint32, 0, len(t.namespaces))
	for id := range t.namespaces {
		ids = append(ids, id)
	}
	return ids
}

// Requeue wakes the OPERATING-state loop early so a disk adapter's bioq
// can retry requests that previously found the request bank exhausted.
func (t *Thread) Requeue() {
	select {
	case t.requeue <- struct{}{}:
	default:
	}
}

// SetRequeueHandler installs the callback the OPERATING loop invokes when
// it services a REQUEUE signal — typically a closure draining every
// namespace's bioq. Attach wires this after namespace discovery, so the
// handler may be installed while the loop is already running.
func (t *Thread) SetRequeueHandler(fn func()) {
	t.mu.Lock()
	t.onRequeue = fn
	t.mu.Unlock()
}

func (t *Thread) requeueHandler() func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onRequeue
}

// pollAllCQs drains every completion queue this controller owns, the
// defensive per-tick sweep that catches completions in case interrupts are
// wedged and a completion is sitting unobserved.
func (t *Thread) pollAllCQs() {
	if _, err := t.adminPair.PollCompletions(); err != nil {
		t.cfg.Logger.Printf("admin: poll admin CQ: %v", err)
	}
	t.mu.Lock()
	cqs := append([]*queue.CompletionQueue(nil), t.cqs...)
	t.mu.Unlock()
	for _, cq := range cqs {
		if _, err := cq.Poll(); err != nil {
			t.cfg.Logger.Printf("admin: poll CQ: %v", err)
		}
	}
}

func (t *Thread) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Thread) fail(op string, err error) {
	t.mu.Lock()
	t.lastErr = errs.WrapError(op, err)
	t.state = StateFailed
	t.mu.Unlock()
	t.cfg.Logger.Printf("admin: %s failed: %v", op, err)
}

// Run drives the state machine from IDENTIFY_CTLR through OPERATING, then
// loops housekeeping until ctx is canceled or the thread fails. Returns
// the terminal error, or nil on a clean ctx cancellation from OPERATING.
func (t *Thread) Run(ctx context.Context) error {
	for {
		switch t.State() {
		case StateIdentifyCtlr:
			if err := t.doIdentifyController(ctx); err != nil {
				t.fail("IDENTIFY_CTLR", err)
				continue
			}
			t.setState(StateMakeQueues)

		case StateMakeQueues:
			if err := t.doMakeQueues(ctx); err != nil {
				t.fail("MAKE_QUEUES", err)
				continue
			}
			t.setState(StateIdentifyNS)

		case StateIdentifyNS:
			if err := t.doIdentifyNamespaces(ctx); err != nil {
				t.fail("IDENTIFY_NS", err)
				continue
			}
			t.setState(StateOperating)
			t.cfg.Logger.Printf("admin: controller %d operating, %d I/O queue(s), %d namespace(s)",
				t.cfg.DevID, len(t.IOPairs()), len(t.Namespaces()))

		case StateOperating:
			select {
			case <-ctx.Done():
				return nil
			case <-t.requeue:
				t.cfg.Logger.Debugf("admin: REQUEUE signal handled")
				t.pollAllCQs()
				if fn := t.requeueHandler(); fn != nil {
					fn()
				}
			case <-time.After(time.Second):
				t.pollAllCQs()
			}

		case StateFailed:
			return t.LastError()
		}
	}
}

// doIdentifyController issues IDENTIFY (CNS=controller) against the admin
// queue and decodes the result into t.ctlr.
func (t *Thread) doIdentifyController(ctx context.Context) error {
	region, err := t.cfg.Alloc.Alloc(4096, uapi.PageSize, uapi.PageSize)
	if err != nil {
		return fmt.Errorf("alloc identify-controller buffer: %w", err)
	}
	defer t.cfg.Alloc.Free(region)

	cmd := uapi.Command{
		Opcode: uapi.AdminOpIdentify,
		PRP1:   region.Phys,
		CDW10:  uapi.IdentifyCNSController,
	}
	comp, err := t.adminPair.SubmitAndWait(ctx, cmd)
	if err != nil {
		return err
	}
	if comp.StatusCode() != uapi.StatusSuccess {
		return fmt.Errorf("IDENTIFY_CTLR status=%#x", comp.StatusCode())
	}

	ctlr := uapi.UnmarshalIdentifyController(region.KVA)
	t.mu.Lock()
	t.ctlr = ctlr
	t.mu.Unlock()
	return nil
}

// negotiateQueueCounts issues SET_FEATURES(NUMQUEUES) requesting
// 4*ncpus+2 SQs and ncpus+2 CQs and decodes whatever the
// controller actually grants back out of the completion's DW0: bits
// 0-15 are NSQA (0's based), bits 16-31 are NCQA (0's based).
func (t *Thread) negotiateQueueCounts(ctx context.Context, ncpus int) (grantedSQ, grantedCQ int, err error) {
	reqSQ := 4*ncpus + 2
	reqCQ := ncpus + 2

	cmd := uapi.Command{
		Opcode: uapi.AdminOpSetFeatures,
		CDW10:  uapi.FeatureNumQueues,
		CDW11:  uint32(reqSQ-1) | uint32(reqCQ-1)<<16,
	}
	comp, err := t.adminPair.SubmitAndWait(ctx, cmd)
	if err != nil {
		return 0, 0, err
	}
	if comp.StatusCode() != uapi.StatusSuccess {
		return 0, 0, fmt.Errorf("SET_FEATURES(NUMQUEUES) status=%#x", comp.StatusCode())
	}

	grantedSQ = int(comp.DW0&0xFFFF) + 1
	grantedCQ = int((comp.DW0>>16)&0xFFFF) + 1
	return grantedSQ, grantedCQ, nil
}

// doMakeQueues negotiates queue counts, selects a mapping strategy
//, and creates exactly the CQs and SQs the plan calls
// for — every CQ before any SQ, since CREATE_SQ references an existing
// CQID.
func (t *Thread) doMakeQueues(ctx context.Context) error {
	ncpus := t.cfg.NCPUs
	if ncpus <= 0 {
		ncpus = 1
	}

	grantedSQ, grantedCQ, err := t.negotiateQueueCounts(ctx, ncpus)
	if err != nil {
		return fmt.Errorf("negotiate queue counts: %w", err)
	}

	plan := queue.SelectMappingStrategy(ncpus, grantedSQ, grantedCQ)
	t.cfg.Logger.Printf("admin: mapping strategy %s (%d SQ, %d CQ granted, %d cpu(s))",
		plan.Strategy, grantedSQ, grantedCQ, ncpus)

	cqs := make([]*queue.CompletionQueue, plan.NumCQ)
	for i := 0; i < plan.NumCQ; i++ {
		cqid := uint16(i + 1)
		cq, err := queue.NewSharedCompletionQueue(cqid, t.cfg.QueueDepth, t.cfg.Alloc, t.cfg.Chipset)
		if err != nil {
			return fmt.Errorf("allocate CQ %d: %w", cqid, err)
		}

		createCQ := uapi.Command{
			Opcode: uapi.AdminOpCreateCQ,
			PRP1:   cq.Phys(),
			CDW10:  uint32(cqid) | uint32(t.cfg.QueueDepth-1)<<16,
			CDW11:  0x1, // physically contiguous
		}
		if comp, err := t.adminPair.SubmitAndWait(ctx, createCQ); err != nil {
			return fmt.Errorf("CREATE_CQ[%d]: %w", cqid, err)
		} else if comp.StatusCode() != uapi.StatusSuccess {
			return fmt.Errorf("CREATE_CQ[%d] status=%#x", cqid, comp.StatusCode())
		}
		cqs[i] = cq
	}

	pairs := make([]*queue.Pair, plan.NumSQ)
	for i := 0; i < plan.NumSQ; i++ {
		sqid := uint16(i + 1)
		cqIdx := plan.CQIndexForSQ(i)
		cqid := uint16(cqIdx + 1)

		pair, err := queue.NewSharedPair(sqid, t.cfg.QueueDepth, t.cfg.Alloc, t.cfg.Chipset, cqs[cqIdx])
		if err != nil {
			return fmt.Errorf("allocate SQ %d: %w", sqid, err)
		}
		if t.cfg.OnPairCreated != nil {
			t.cfg.OnPairCreated(pair)
		}

		createSQ := uapi.Command{
			Opcode: uapi.AdminOpCreateSQ,
			PRP1:   pair.SQ.Phys(),
			CDW10:  uint32(sqid) | uint32(t.cfg.QueueDepth-1)<<16,
			CDW11:  0x1 | uint32(cqid)<<16, // physically contiguous, associated CQID
		}
		if comp, err := t.adminPair.SubmitAndWait(ctx, createSQ); err != nil {
			return fmt.Errorf("CREATE_SQ[%d]: %w", sqid, err)
		} else if comp.StatusCode() != uapi.StatusSuccess {
			return fmt.Errorf("CREATE_SQ[%d] status=%#x", sqid, comp.StatusCode())
		}

		pairs[i] = pair
	}

	t.mu.Lock()
	t.plan = plan
	t.ioPairs = pairs
	t.cqs = cqs
	t.mu.Unlock()
	return nil
}

// doIdentifyNamespaces enumerates active namespaces and identifies each.
func (t *Thread) doIdentifyNamespaces(ctx context.Context) error {
	region, err := t.cfg.Alloc.Alloc(4096, uapi.PageSize, uapi.PageSize)
	if err != nil {
		return fmt.Errorf("alloc identify-namespace buffer: %w", err)
	}
	defer t.cfg.Alloc.Free(region)

	nn := t.ctlrNN()
	found := make(map[uint32]uapi.IdentifyNamespace)
	for nsid := uint32(1); nsid <= nn; nsid++ {
		cmd := uapi.Command{
			Opcode: uapi.AdminOpIdentify,
			NSID:   nsid,
			PRP1:   region.Phys,
			CDW10:  uapi.IdentifyCNSNamespace,
		}
		comp, err := t.adminPair.SubmitAndWait(ctx, cmd)
		if err != nil {
			return fmt.Errorf("IDENTIFY_NS[%d]: %w", nsid, err)
		}
		if comp.StatusCode() != uapi.StatusSuccess {
			continue // namespace not present/active; skip rather than fail the whole controller
		}
		ns := uapi.UnmarshalIdentifyNamespace(region.KVA)
		if ns.NSZE == 0 {
			continue
		}
		found[nsid] = ns
	}

	t.mu.Lock()
	t.namespaces = found
	t.mu.Unlock()
	return nil
}

func (t *Thread) ctlrNN() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctlr.NN == 0 {
		return 1
	}
	return t.ctlr.NN
}

// Shutdown deletes every I/O submission queue, then every completion
// queue, then performs the chipset shutdown sequence — the NVMe spec
// mandates SQ deletion before CQ deletion, the reverse of MAKE_QUEUES.
// Submission queues go first in a batch since the shared-CQ tiers have several
// SQs referencing one CQ; deleting a CQ out from under a live SQ would
// be invalid regardless of pairing.
func (t *Thread) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	pairs := append([]*queue.Pair(nil), t.ioPairs...)
	numCQ := len(t.cqs)
	t.mu.Unlock()

	for _, pair := range pairs {
		deleteSQ := uapi.Command{Opcode: uapi.AdminOpDeleteSQ, CDW10: uint32(pair.QID)}
		if _, err := t.adminPair.SubmitAndWait(ctx, deleteSQ); err != nil {
			t.cfg.Logger.Printf("admin: DELETE_SQ[%d]: %v", pair.QID, err)
		}
	}
	for i := 0; i < numCQ; i++ {
		cqid := uint16(i + 1)
		deleteCQ := uapi.Command{Opcode: uapi.AdminOpDeleteCQ, CDW10: uint32(cqid)}
		if _, err := t.adminPair.SubmitAndWait(ctx, deleteCQ); err != nil {
			t.cfg.Logger.Printf("admin: DELETE_CQ[%d]: %v", cqid, err)
		}
	}

	t.cfg.Chipset.Shutdown(true)
	return nil
}
