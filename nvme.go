// Package nvme provides the public API for attaching an NVMe controller
// and serving its namespaces as plain ReadAt/WriteAt/Flush/Discard block
// devices, the way a userspace block-device driver exposes Device/
// CreateAndServe/StopAndDelete over its internal ctrl/queue packages.
package nvme

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/stormcore/stormio/internal/metrics"
	"github.com/stormcore/stormio/internal/nvme/admin"
	"github.com/stormcore/stormio/internal/nvme/chipset"
	"github.com/stormcore/stormio/internal/nvme/disk"
	"github.com/stormcore/stormio/internal/nvme/errs"
	"github.com/stormcore/stormio/internal/nvme/queue"
)

// Error and ErrorCode are re-exported from the internal errs package so
// callers never need to import it directly.
type Error = errs.Error
type ErrorCode = errs.ErrorCode

const (
	ErrCodeControllerFailed = errs.ErrCodeControllerFailed
	ErrCodeTimeout          = errs.ErrCodeTimeout
	ErrCodeQueueFull        = errs.ErrCodeQueueFull
	ErrCodeInvalidState     = errs.ErrCodeInvalidState
	ErrCodeIOError          = errs.ErrCodeIOError
	ErrCodeNoSuchNamespace  = errs.ErrCodeNoSuchNamespace
	ErrCodeAborted          = errs.ErrCodeAborted
)

// NewError, NewDeviceError, NewQueueError, WrapError, and IsCode are
// re-exported constructors over the shared error type.
var (
	NewError       = errs.NewError
	NewDeviceError = errs.NewDeviceError
	NewQueueError  = errs.NewQueueError
	WrapError      = errs.WrapError
	IsCode         = errs.IsCode
)

// Logger is the logging collaborator a Controller needs; *logging.Logger
// satisfies it directly.
type Logger interface {
	Debugf(format string, args ...any)
	Printf(format string, args ...any)
}

// Backend is the block-I/O surface a Namespace exposes, matching the
// common Backend interface shape so the same demo/test backends
// translate directly onto NVMe namespaces.
type Backend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
	Discard(off, length int64) error
}

// Params configures Attach.
type Params struct {
	// DevID identifies this controller for logging and error reporting.
	DevID uint32

	// Registers provides BAR0 MMIO access. Use chipset.OpenMMIO for real
	// hardware or chipset.NewMockRegisterIO for tests/demo backends.
	Registers chipset.RegisterIO

	// Alloc provides DMA-capable memory. Use queue.NewPinnedAllocator
	// for real hardware or queue.NewMockDMAAllocator for tests/demo
	// backends. Required.
	Alloc queue.DMAAllocator

	// NCPUs is the CPU count SET_FEATURES(NUMQUEUES) negotiation and the
	// mapping-strategy table size their request against.
	// 0 defaults to runtime.NumCPU().
	NCPUs int

	// QueueDepth is the submission/completion queue depth. 0 defaults to 64;
	// any other value is used as given, without clamping to CAP.MQES.
	QueueDepth uint16

	// SyncPoll, when nonzero, enables the disk adapter's synchronous
	// fastpath: after each submit, busy-wait this long and poll the CQ
	// directly rather than parking on the async wake path.
	SyncPoll time.Duration

	Logger Logger

	// OnPairCreated, if set, is called with every queue pair created
	// during bring-up (the admin pair, then each I/O pair). Tests use it
	// to attach a fake hardware responder via the pair's OnSubmit hook;
	// production callers leave it nil.
	OnPairCreated func(*queue.Pair)
}

// Controller is an attached NVMe controller: the admin bring-up thread
// plus the disk adapters for every namespace it discovered.
type Controller struct {
	devID  uint32
	thread *admin.Thread

	namespaces map[uint32]*disk.Namespace
	metrics    map[uint32]*metrics.Metrics

	cancel context.CancelFunc
	runErr chan error
}

// loggerAdapter satisfies both admin.Logger and chipset.Logger, which
// share the same two-method shape, tolerating a nil Logger.
type loggerAdapter struct{ l Logger }

func (a loggerAdapter) Debugf(format string, args ...any) {
	if a.l != nil {
		a.l.Debugf(format, args...)
	}
}
func (a loggerAdapter) Printf(format string, args ...any) {
	if a.l != nil {
		a.l.Printf(format, args...)
	}
}

// Attach brings a controller from reset to OPERATING and returns a
// Controller exposing its namespaces, the NVMe analogue of
// CreateAndServe. The returned Controller's admin thread keeps running
// in the background (housekeeping ticks, REQUEUE handling) until Detach
// is called or ctx is canceled.
func Attach(ctx context.Context, params Params) (*Controller, error) {
	if params.Registers == nil {
		return nil, NewDeviceError("nvme: attach", params.DevID, ErrCodeInvalidState, "Registers is required")
	}
	if params.Alloc == nil {
		return nil, NewDeviceError("nvme: attach", params.DevID, ErrCodeInvalidState, "Alloc is required")
	}
	if params.NCPUs <= 0 {
		params.NCPUs = runtime.NumCPU()
	}

	chip := chipset.New(params.Registers, loggerAdapter{params.Logger})

	ctlrCtx, cancel := context.WithCancel(ctx)

	ctl := &Controller{
		devID:      params.DevID,
		namespaces: make(map[uint32]*disk.Namespace),
		metrics:    make(map[uint32]*metrics.Metrics),
		cancel:     cancel,
		runErr:     make(chan error, 1),
	}

	thread, err := admin.NewThread(admin.Config{
		DevID:         params.DevID,
		NCPUs:         params.NCPUs,
		QueueDepth:    params.QueueDepth,
		Chipset:       chip,
		Alloc:         params.Alloc,
		Logger:        loggerAdapter{params.Logger},
		OnPairCreated: params.OnPairCreated,
	})
	if err != nil {
		cancel()
		return nil, WrapError("nvme: attach", err)
	}
	ctl.thread = thread

	go func() { ctl.runErr <- thread.Run(ctlrCtx) }()

	if err := ctl.waitOperating(ctlrCtx); err != nil {
		cancel()
		return nil, err
	}

	ioPairs := thread.IOPairs()

	for _, nsid := range thread.Namespaces() {
		ident, _ := thread.Namespace(nsid)
		ns := disk.NewMulti(nsid, ident, ioPairs, thread.Plan(), params.Alloc, thread.Requeue)
		if params.SyncPoll > 0 {
			ns.SetSyncPoll(params.SyncPoll)
		}
		ns.SetShutdownHook(func() { chip.Shutdown(true) })

		m := metrics.NewMetrics()
		ns.SetObserver(metrics.NewMetricsObserver(m))
		ctl.metrics[nsid] = m

		ctl.namespaces[nsid] = ns
	}

	// The admin thread's REQUEUE handling drains every namespace's bioq
	// once a completion has freed request slots.
	thread.SetRequeueHandler(func() {
		for _, ns := range ctl.namespaces {
			if ns.SignalRequeue() {
				ns.Requeue()
			}
		}
	})

	return ctl, nil
}

// waitOperating blocks until the admin thread reaches OPERATING or FAILED.
func (c *Controller) waitOperating(ctx context.Context) error {
	for {
		switch c.thread.State() {
		case admin.StateOperating:
			return nil
		case admin.StateFailed:
			return WrapError("nvme: bring-up", c.thread.LastError())
		}
		select {
		case <-ctx.Done():
			return WrapError("nvme: bring-up", ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

// DevID returns the controller's configured device ID.
func (c *Controller) DevID() uint32 { return c.devID }

// ControllerInfo is the identify-controller data decoded during
// bring-up, with the fixed-width string fields trimmed.
type ControllerInfo struct {
	VendorID         uint16
	SubsystemVendor  uint16
	SerialNumber     string
	ModelNumber      string
	FirmwareRevision string
	NamespaceCount   uint32
}

// trimIdentify strips the space/NUL padding NVMe fixed-width identify
// strings carry.
func trimIdentify(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

// Identify returns the identify-controller data the admin thread decoded
// during bring-up.
func (c *Controller) Identify() ControllerInfo {
	id := c.thread.Identify()
	return ControllerInfo{
		VendorID:         id.VendorID,
		SubsystemVendor:  id.SSVID,
		SerialNumber:     trimIdentify(id.SerialNumber[:]),
		ModelNumber:      trimIdentify(id.ModelNumber[:]),
		FirmwareRevision: trimIdentify(id.Firmware[:]),
		NamespaceCount:   id.NN,
	}
}

// NamespaceInfo is the identify-derived geometry of one namespace.
type NamespaceInfo = disk.NamespaceInfo

// NamespaceInfo returns nsid's identify-derived geometry, or an error
// coded ErrCodeNoSuchNamespace if it wasn't discovered during
// IDENTIFY_NS.
func (c *Controller) NamespaceInfo(nsid uint32) (NamespaceInfo, error) {
	ns, ok := c.namespaces[nsid]
	if !ok {
		return NamespaceInfo{}, NewDeviceError("nvme: namespace info", c.devID, ErrCodeNoSuchNamespace, fmt.Sprintf("nsid %d not found", nsid))
	}
	return ns.Info(), nil
}

// NamespaceIDs returns every namespace ID discovered during bring-up.
func (c *Controller) NamespaceIDs() []uint32 {
	ids := make([]uint32, 0, len(c.namespaces))
	for id := range c.namespaces {
		ids = append(ids, id)
	}
	return ids
}

// Namespace returns the block-I/O backend for nsid, or an error coded
// ErrCodeNoSuchNamespace if it wasn't discovered during IDENTIFY_NS.
func (c *Controller) Namespace(nsid uint32) (Backend, error) {
	ns, ok := c.namespaces[nsid]
	if !ok {
		return nil, NewDeviceError("nvme: namespace", c.devID, ErrCodeNoSuchNamespace, fmt.Sprintf("nsid %d not found", nsid))
	}
	return ns, nil
}

// Stats returns a point-in-time snapshot of nsid's per-namespace I/O
// counters, bandwidth, and latency percentiles, or an error coded
// ErrCodeNoSuchNamespace if nsid wasn't discovered during IDENTIFY_NS.
func (c *Controller) Stats(nsid uint32) (metrics.MetricsSnapshot, error) {
	m, ok := c.metrics[nsid]
	if !ok {
		return metrics.MetricsSnapshot{}, NewDeviceError("nvme: stats", c.devID, ErrCodeNoSuchNamespace, fmt.Sprintf("nsid %d not found", nsid))
	}
	return m.Snapshot(), nil
}

// Dump writes p at byte offset off on nsid through the non-blocking
// crash-dump path: bounded SQ-lock retry, phase-bit polling, no channel
// waits. A zero-length p is the final dump call — it
// flushes and then runs the controller shutdown sequence.
func (c *Controller) Dump(nsid uint32, p []byte, off int64) error {
	ns, ok := c.namespaces[nsid]
	if !ok {
		return NewDeviceError("nvme: dump", c.devID, ErrCodeNoSuchNamespace, fmt.Sprintf("nsid %d not found", nsid))
	}
	return ns.Dump(p, off)
}

// QueueFor returns the I/O queue ID a given CPU/verb pair should use,
// per the mapping strategy MAKE_QUEUES selected.
func (c *Controller) QueueFor(cpu int, verb queue.Verb) int {
	idx := c.thread.Plan().SQForCPU(cpu, verb)
	pairs := c.thread.IOPairs()
	if idx < 0 || idx >= len(pairs) {
		return 0
	}
	return int(pairs[idx].QID)
}

// Detach runs the DELETE_SQ/DELETE_CQ/shutdown sequence, then cancels the
// admin thread and waits for the bring-up goroutine to exit. The NVMe
// analogue of StopAndDelete.
func Detach(ctx context.Context, c *Controller) error {
	if c == nil {
		return NewError("nvme: detach", ErrCodeInvalidState, "nil controller")
	}

	for _, m := range c.metrics {
		m.Stop()
	}

	if err := c.thread.Shutdown(ctx); err != nil {
		c.cancel()
		<-c.runErr
		return WrapError("nvme: detach", err)
	}

	c.cancel()
	return <-c.runErr
}
