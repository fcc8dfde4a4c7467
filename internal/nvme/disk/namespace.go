// Package disk implements the NVMe disk adapter: translating block-I/O
// verbs into READ/WRITE/WRITE ZEROES/FLUSH commands, backpressure via a
// per-namespace bioq, and the non-blocking dump path.
package disk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stormcore/stormio/internal/metrics"
	"github.com/stormcore/stormio/internal/nvme/errs"
	"github.com/stormcore/stormio/internal/nvme/queue"
	"github.com/stormcore/stormio/internal/nvme/uapi"
)

// Verb is a block-I/O operation this adapter understands.
type Verb int

const (
	VerbRead Verb = iota
	VerbWrite
	VerbFreeBlks
	VerbFlush
)

// maxFreeBlksLBAs is the WRITE ZEROES per-command NLBA cap.
const maxFreeBlksLBAs = 65536

// bioRequest is one deferred or in-flight block I/O, the unit the bioq
// holds when GetRequest returns nil.
type bioRequest struct {
	verb Verb
	lba  uint64
	nlba uint32
	data []byte // nil for FLUSH
	done chan bioResult

	// pair is stamped by submit once a queue is chosen, so await releases
	// the request back to the same bank it was allocated from.
	pair *queue.Pair
}

type bioResult struct {
	resid int // bytes not transferred; 0 on full success
	err   error
}

// Namespace is a disk adapter bound to one NVMe namespace and its I/O
// queue pair, implementing ReadAt/WriteAt/Flush/Discard the way the
// Device type in a userspace block driver implements a Backend interface.
type Namespace struct {
	NSID      uint32
	BlockSize uint32
	LBACount  uint64

	// pairs holds every I/O queue pair this namespace may submit against.
	// New() populates it with a single pair (BlockSize-compatible with
	// every pre-existing single-queue caller); NewMulti populates it from
	// an admin.Thread's full mapping-strategy plan so
	// ReadAt/WriteAt/Flush/Discard genuinely fan out across queues
	// instead of pinning every request to one SQ regardless of mapping
	// tier.
	pairs []*queue.Pair
	plan  queue.MappingPlan
	// cpuCursor stands in for the CPU a request actually runs on, which
	// Go cannot observe without cgo: each call advances it and the
	// result is taken modulo nCPUs, a round-robin substitute for true
	// per-CPU affinity.
	cpuCursor uint64

	alloc queue.DMAAllocator

	// onRequeueNeeded notifies the admin thread that the bioq has work
	// waiting for a free request slot (admin.Thread.Requeue).
	onRequeueNeeded func()

	// observer records per-operation counts/bytes/latency, the disk
	// adapter's use of a Metrics/Observer pattern
	//. Defaults to
	// a no-op so callers that never set one pay nothing extra.
	observer metrics.Observer

	// syncPoll, when nonzero, enables the synchronous fastpath: after
	// submit, busy-wait this long and poll the CQ directly, finishing the
	// request inline if it already completed.
	syncPoll time.Duration

	// shutdown is invoked by the final dump call (zero-length flush) to
	// run the controller shutdown sequence.
	shutdown func()

	mu            sync.Mutex
	bioq          []*bioRequest
	signalRequeue bool
	attached      bool
}

// New constructs a Namespace from identify data and the single I/O queue
// pair it submits against.
func New(nsid uint32, ident uapi.IdentifyNamespace, pair *queue.Pair, alloc queue.DMAAllocator, onRequeueNeeded func()) *Namespace {
	return &Namespace{
		NSID:            nsid,
		BlockSize:       ident.CurrentLBADataSize(),
		LBACount:        ident.NSZE,
		pairs:           []*queue.Pair{pair},
		alloc:           alloc,
		onRequeueNeeded: onRequeueNeeded,
		observer:        metrics.NoOpObserver{},
		attached:        true,
	}
}

// NewMulti constructs a Namespace that spreads its I/O across every pair
// in pairs according to plan, the production path Attach uses for every
// namespace once the admin thread reaches OPERATING.
func NewMulti(nsid uint32, ident uapi.IdentifyNamespace, pairs []*queue.Pair, plan queue.MappingPlan, alloc queue.DMAAllocator, onRequeueNeeded func()) *Namespace {
	return &Namespace{
		NSID:            nsid,
		BlockSize:       ident.CurrentLBADataSize(),
		LBACount:        ident.NSZE,
		pairs:           pairs,
		plan:            plan,
		alloc:           alloc,
		onRequeueNeeded: onRequeueNeeded,
		observer:        metrics.NoOpObserver{},
		attached:        true,
	}
}

// mapVerb translates a block-I/O verb onto the finer read/write-lo/hi
// split the per-cpu mapping tiers use: FreeBlks and Flush are
// both treated as background/bulk traffic (write-hi) since neither sits
// on an application's foreground latency path the way Read/Write do.
func mapVerb(v Verb) queue.Verb {
	switch v {
	case VerbRead:
		return queue.VerbReadLo
	case VerbWrite:
		return queue.VerbWriteLo
	default:
		return queue.VerbWriteHi
	}
}

// pairFor chooses which queue pair req.verb submits against. A
// single-pair Namespace (New) always returns that one pair; a
// NewMulti Namespace consults plan.SQForCPU against a round-robin
// pseudo-CPU counter.
func (n *Namespace) pairFor(verb Verb) *queue.Pair {
	if len(n.pairs) == 1 {
		return n.pairs[0]
	}
	cpu := int(atomic.AddUint64(&n.cpuCursor, 1))
	idx := n.plan.SQForCPU(cpu, mapVerb(verb))
	if idx < 0 || idx >= len(n.pairs) {
		idx = 0
	}
	return n.pairs[idx]
}

// SetObserver installs the metrics collector every ReadAt/WriteAt/Flush/
// Discard call reports to. Passing nil restores the no-op default.
func (n *Namespace) SetObserver(o metrics.Observer) {
	if o == nil {
		o = metrics.NoOpObserver{}
	}
	n.mu.Lock()
	n.observer = o
	n.mu.Unlock()
}

// SetSyncPoll configures the synchronous fastpath delay: after each
// submit, busy-wait d then poll the CQ directly, completing inline when
// the command already finished instead of parking on the async wake path
//. Zero disables the fastpath.
func (n *Namespace) SetSyncPoll(d time.Duration) {
	n.mu.Lock()
	n.syncPoll = d
	n.mu.Unlock()
}

// SetShutdownHook installs the controller-shutdown callback the final
// dump call fires. Attach wires this to the chipset
// shutdown sequence.
func (n *Namespace) SetShutdownHook(fn func()) {
	n.mu.Lock()
	n.shutdown = fn
	n.mu.Unlock()
}

// NamespaceInfo is the identify-derived geometry a Namespace exposes.
type NamespaceInfo struct {
	NSID      uint32
	BlockSize uint32
	LBACount  uint64
	Attached  bool
}

// Info returns the namespace's identify-derived geometry and attach
// state.
func (n *Namespace) Info() NamespaceInfo {
	n.mu.Lock()
	attached := n.attached
	n.mu.Unlock()
	return NamespaceInfo{
		NSID:      n.NSID,
		BlockSize: n.BlockSize,
		LBACount:  n.LBACount,
		Attached:  attached,
	}
}

// Attached reports whether the namespace is currently exposed as a block
// device.
func (n *Namespace) Attached() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attached
}

// Detach marks the namespace unattached; in-flight bios already submitted
// still complete normally.
func (n *Namespace) Detach() {
	n.mu.Lock()
	n.attached = false
	n.mu.Unlock()
}

// BioqLen returns the number of bios currently deferred for lack of a
// free request slot.
func (n *Namespace) BioqLen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.bioq)
}

// ReadAt reads len(p) bytes starting at byte offset off.
func (n *Namespace) ReadAt(p []byte, off int64) (int, error) {
	return n.doSync(VerbRead, p, off)
}

// WriteAt writes p to byte offset off.
func (n *Namespace) WriteAt(p []byte, off int64) (int, error) {
	return n.doSync(VerbWrite, p, off)
}

// Flush issues FLUSH, which carries no data region.
func (n *Namespace) Flush() error {
	_, err := n.doSync(VerbFlush, nil, 0)
	return err
}

// Discard issues WRITE ZEROES over [off, off+length), rejecting transfers
// whose LBA count exceeds the 65536-block cap.
func (n *Namespace) Discard(off, length int64) error {
	nlba := length / int64(n.BlockSize)
	if nlba > maxFreeBlksLBAs {
		return errs.NewError("disk: discard", errs.ErrCodeInvalidState, fmt.Sprintf("nlba %d exceeds cap %d", nlba, maxFreeBlksLBAs))
	}

	start := time.Now()
	req := &bioRequest{
		verb: VerbFreeBlks,
		lba:  uint64(off) / uint64(n.BlockSize),
		nlba: uint32(nlba),
		done: make(chan bioResult, 1),
	}
	n.submit(req)
	res := <-req.done
	n.observe(VerbFreeBlks, uint64(length), time.Since(start), res.err == nil)
	return res.err
}

func (n *Namespace) doSync(verb Verb, data []byte, off int64) (int, error) {
	var lba, nlba uint64
	if verb != VerbFlush {
		lba = uint64(off) / uint64(n.BlockSize)
		nlba = uint64(len(data)) / uint64(n.BlockSize)
	}

	start := time.Now()
	req := &bioRequest{verb: verb, lba: lba, nlba: uint32(nlba), data: data, done: make(chan bioResult, 1)}
	n.submit(req)
	res := <-req.done
	n.observe(verb, uint64(len(data)-res.resid), time.Since(start), res.err == nil)

	return len(data) - res.resid, res.err
}

// observe reports one completed operation to the installed Observer,
// the disk adapter's half of the per-namespace statistics surface.
func (n *Namespace) observe(verb Verb, bytes uint64, latency time.Duration, success bool) {
	n.mu.Lock()
	obs := n.observer
	n.mu.Unlock()

	switch verb {
	case VerbRead:
		obs.ObserveRead(bytes, uint64(latency), success)
	case VerbWrite:
		obs.ObserveWrite(bytes, uint64(latency), success)
	case VerbFreeBlks:
		obs.ObserveDiscard(bytes, uint64(latency), success)
	case VerbFlush:
		obs.ObserveFlush(uint64(latency), success)
	}
}

// submit attempts to place req on the ring; on request-bank exhaustion it
// defers to the bioq and signals the admin thread instead of blocking.
func (n *Namespace) submit(req *bioRequest) {
	cmd, region, err := n.buildCommand(req)
	if err != nil {
		req.done <- bioResult{err: err}
		return
	}

	pair := n.pairFor(req.verb)
	r, err := pair.Submit(cmd)
	if err != nil {
		n.mu.Lock()
		n.bioq = append(n.bioq, req)
		n.signalRequeue = true
		depth := len(n.bioq)
		obs := n.observer
		n.mu.Unlock()
		obs.ObserveQueueDepth(uint32(depth))
		if n.onRequeueNeeded != nil {
			n.onRequeueNeeded()
		}
		return
	}
	req.pair = pair

	n.mu.Lock()
	syncPoll := n.syncPoll
	n.mu.Unlock()
	if syncPoll > 0 {
		// Synchronous fastpath: give the device a moment, then poll the
		// CQ directly; if the command already finished, complete inline
		// and skip the async wake path entirely.
		time.Sleep(syncPoll)
		_, _ = pair.PollCompletions()
		if r.State() == queue.StateCompleted {
			n.finish(r, req, region)
			return
		}
	}

	go n.await(r, req, region)
}

// Dump is the crash-dump write path: it must not block, so
// it allocates with the normal lock-free pop but submits with a bounded
// SQ-lock retry and reaps its completion by polling the phase bit
// directly. A zero-length p is the final dump call: it issues FLUSH and
// then runs the controller shutdown sequence.
func (n *Namespace) Dump(p []byte, off int64) error {
	pair := n.pairs[0]
	if n.plan.DumpQ >= 0 && n.plan.DumpQ < len(n.pairs) {
		pair = n.pairs[n.plan.DumpQ]
	}

	if len(p) == 0 {
		req, err := pair.SubmitDump(uapi.Command{Opcode: uapi.IOOpFlush, NSID: n.NSID})
		if err == nil {
			if _, perr := pair.PollRequest(req, time.Second); perr == nil {
				_ = pair.Bank.PutRequest(req)
			}
		}
		n.mu.Lock()
		shutdown := n.shutdown
		n.mu.Unlock()
		if shutdown != nil {
			shutdown()
		}
		return err
	}

	region, err := n.alloc.Load(p)
	if err != nil {
		return err
	}
	defer n.alloc.Unload(region)
	chain, err := queue.BuildPRPChain(region, n.alloc, uapi.PageSize)
	if err != nil {
		return err
	}
	defer chain.Release(n.alloc)

	lba := uint64(off) / uint64(n.BlockSize)
	cmd := uapi.Command{
		Opcode: uapi.IOOpWrite,
		NSID:   n.NSID,
		PRP1:   chain.PRP1,
		PRP2:   chain.PRP2,
		CDW10:  uint32(lba),
		CDW11:  uint32(lba >> 32),
		CDW12:  nlbaField(uint32(uint64(len(p)) / uint64(n.BlockSize))),
	}
	req, err := pair.SubmitDump(cmd)
	if err != nil {
		return err
	}
	comp, err := pair.PollRequest(req, time.Second)
	if err != nil {
		return err
	}
	if perr := pair.Bank.PutRequest(req); perr != nil {
		return perr
	}
	if comp.StatusCode() != uapi.StatusSuccess {
		return errs.NewQueueError("disk: dump", 0, int(pair.QID), errs.ErrCodeIOError,
			fmt.Sprintf("status=%#x", comp.StatusCode()))
	}
	return nil
}

// Requeue drains the bioq, called by the admin thread when it handles a
// REQUEUE signal after a completion frees up a request slot.
func (n *Namespace) Requeue() {
	n.mu.Lock()
	pending := n.bioq
	n.bioq = nil
	n.signalRequeue = false
	n.mu.Unlock()

	for _, req := range pending {
		n.submit(req)
	}
}

// SignalRequeue reports whether the bioq has work waiting.
func (n *Namespace) SignalRequeue() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.signalRequeue
}

func (n *Namespace) buildCommand(req *bioRequest) (uapi.Command, *queue.DMARegion, error) {
	cmd := uapi.Command{NSID: n.NSID}
	var region *queue.DMARegion

	switch req.verb {
	case VerbRead:
		r, err := n.alloc.Alloc(len(req.data), uapi.PageSize, uapi.PageSize)
		if err != nil {
			return cmd, nil, err
		}
		chain, err := queue.BuildPRPChain(r, n.alloc, uapi.PageSize)
		if err != nil {
			n.alloc.Free(r)
			return cmd, nil, err
		}
		cmd.Opcode = uapi.IOOpRead
		cmd.PRP1, cmd.PRP2 = chain.PRP1, chain.PRP2
		cmd.CDW10 = uint32(req.lba)
		cmd.CDW11 = uint32(req.lba >> 32)
		cmd.CDW12 = nlbaField(req.nlba)
		region = &r

	case VerbWrite:
		r, err := n.alloc.Load(req.data)
		if err != nil {
			return cmd, nil, err
		}
		chain, err := queue.BuildPRPChain(r, n.alloc, uapi.PageSize)
		if err != nil {
			n.alloc.Unload(r)
			return cmd, nil, err
		}
		cmd.Opcode = uapi.IOOpWrite
		cmd.PRP1, cmd.PRP2 = chain.PRP1, chain.PRP2
		cmd.CDW10 = uint32(req.lba)
		cmd.CDW11 = uint32(req.lba >> 32)
		cmd.CDW12 = nlbaField(req.nlba)
		region = &r

	case VerbFreeBlks:
		if req.nlba > maxFreeBlksLBAs {
			return cmd, nil, errs.NewError("disk: writez", errs.ErrCodeInvalidState, "nlba exceeds cap")
		}
		cmd.Opcode = uapi.IOOpWriteZ
		cmd.CDW10 = uint32(req.lba)
		cmd.CDW11 = uint32(req.lba >> 32)
		cmd.CDW12 = nlbaField(req.nlba)

	case VerbFlush:
		cmd.Opcode = uapi.IOOpFlush
	}

	return cmd, region, nil
}

// nlbaField encodes NLBA 0-based, as READ/WRITE/WRITEZ define it.
func nlbaField(nlba uint32) uint32 {
	if nlba == 0 {
		return 0
	}
	return nlba - 1
}

// await blocks for req's completion, then finishes it.
func (n *Namespace) await(r *queue.Request, req *bioRequest, region *queue.DMARegion) {
	r.Wait()
	n.finish(r, req, region)
}

// finish copies READ data back out of the DMA region, releases DMA and
// request resources, and delivers the result. Called from await on the
// async path and directly from submit on the synchronous fastpath; r
// must already be COMPLETED.
func (n *Namespace) finish(r *queue.Request, req *bioRequest, region *queue.DMARegion) {
	comp := r.Completion
	_ = req.pair.Bank.PutRequest(r)

	var resErr error
	if comp.StatusCode() != uapi.StatusSuccess {
		resErr = errs.NewQueueError("disk: I/O", 0, int(req.pair.QID), errs.ErrCodeIOError,
			fmt.Sprintf("status=%#x", comp.StatusCode()))
	}

	resid := 0
	if resErr != nil {
		resid = len(req.data)
	}

	if region != nil {
		if req.verb == VerbRead && resErr == nil {
			copy(req.data, region.KVA)
		}
		if req.verb == VerbWrite {
			n.alloc.Unload(*region)
		} else {
			n.alloc.Free(*region)
		}
	}

	req.done <- bioResult{resid: resid, err: resErr}
}
