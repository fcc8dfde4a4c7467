package disk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stormcore/stormio/internal/nvme/chipset"
	"github.com/stormcore/stormio/internal/nvme/queue"
	"github.com/stormcore/stormio/internal/nvme/uapi"
)

// fakeDrive answers READ/WRITE/WRITEZ/FLUSH the way a real controller
// would, storing bytes in an in-memory map keyed by LBA, driven off the
// Pair.OnSubmit/CompletionQueue.PostCompletion test hooks.
type fakeDrive struct {
	alloc     *queue.MockDMAAllocator
	blockSize uint32
	store     map[uint64][]byte
}

func newFakeDrive(alloc *queue.MockDMAAllocator, blockSize uint32) *fakeDrive {
	return &fakeDrive{alloc: alloc, blockSize: blockSize, store: make(map[uint64][]byte)}
}

func (f *fakeDrive) attach(pair *queue.Pair) {
	pair.OnSubmit = func(cmd uapi.Command) {
		go f.respond(pair, cmd)
	}
}

func (f *fakeDrive) respond(pair *queue.Pair, cmd uapi.Command) {
	lba := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
	nlba := uint64(cmd.CDW12&0xFFFF) + 1
	status := uint16(uapi.StatusSuccess) << 1

	switch cmd.Opcode {
	case uapi.IOOpRead:
		size := int(nlba) * int(f.blockSize)
		if buf, ok := f.alloc.Translate(cmd.PRP1, size); ok {
			for i := uint64(0); i < nlba; i++ {
				block := f.store[lba+i]
				off := int(i) * int(f.blockSize)
				copy(buf[off:off+int(f.blockSize)], block)
			}
		}
	case uapi.IOOpWrite:
		size := int(nlba) * int(f.blockSize)
		if buf, ok := f.alloc.Translate(cmd.PRP1, size); ok {
			for i := uint64(0); i < nlba; i++ {
				off := int(i) * int(f.blockSize)
				block := make([]byte, f.blockSize)
				copy(block, buf[off:off+int(f.blockSize)])
				f.store[lba+i] = block
			}
		}
	case uapi.IOOpWriteZ:
		for i := uint64(0); i < nlba; i++ {
			f.store[lba+i] = make([]byte, f.blockSize)
		}
	case uapi.IOOpFlush:
		// no-op
	}

	pair.CQ.PostCompletion(uapi.Completion{CmdID: cmd.CID, Status: status})
	_, _ = pair.PollCompletions()
}

func newTestNamespace(t *testing.T, depth uint16) (*Namespace, *fakeDrive) {
	t.Helper()
	regs := chipset.NewMockRegisterIO(0)
	chip := chipset.New(regs, nil)
	alloc := queue.NewMockDMAAllocator()
	pair, err := queue.NewPair(1, depth, alloc, chip)
	require.NoError(t, err)

	fd := newFakeDrive(alloc, 512)
	fd.attach(pair)

	ns := New(1, uapi.IdentifyNamespace{NSZE: 1 << 20, NCAP: 1 << 20}, pair, alloc, nil)
	ns.BlockSize = 512
	return ns, fd
}

func TestNamespace_Info(t *testing.T) {
	ns, _ := newTestNamespace(t, 8)

	info := ns.Info()
	require.EqualValues(t, 1, info.NSID)
	require.EqualValues(t, 512, info.BlockSize)
	require.EqualValues(t, 1<<20, info.LBACount)
	require.True(t, info.Attached)

	ns.Detach()
	require.False(t, ns.Info().Attached)
}

func TestNamespace_WriteThenRead(t *testing.T) {
	ns, _ := newTestNamespace(t, 8)

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := ns.WriteAt(data, 0)
	require.NoError(t, err)
	require.Equal(t, 512, n)

	out := make([]byte, 512)
	n, err = ns.ReadAt(out, 0)
	require.NoError(t, err)
	require.Equal(t, 512, n)
	require.Equal(t, data, out)
}

func TestNamespace_MultiBlockReadWrite(t *testing.T) {
	ns, _ := newTestNamespace(t, 8)

	data := make([]byte, 512*4)
	for i := range data {
		data[i] = byte(i % 251)
	}
	_, err := ns.WriteAt(data, 512*10)
	require.NoError(t, err)

	out := make([]byte, 512*4)
	_, err = ns.ReadAt(out, 512*10)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestNamespace_Discard(t *testing.T) {
	ns, _ := newTestNamespace(t, 8)

	data := make([]byte, 512)
	for i := range data {
		data[i] = 0xFF
	}
	_, err := ns.WriteAt(data, 0)
	require.NoError(t, err)

	require.NoError(t, ns.Discard(0, 512))

	out := make([]byte, 512)
	_, err = ns.ReadAt(out, 0)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 512), out)
}

func TestNamespace_DiscardRejectsOversizedTransfer(t *testing.T) {
	ns, _ := newTestNamespace(t, 8)
	err := ns.Discard(0, int64(maxFreeBlksLBAs+1)*512)
	require.Error(t, err)
}

func TestNamespace_Flush(t *testing.T) {
	ns, _ := newTestNamespace(t, 8)
	require.NoError(t, ns.Flush())
}

// TestNamespace_SyncPollFastpath exercises the synchronous fastpath:
// with a poll delay configured, a write whose completion lands within
// the delay finishes inline off the direct CQ poll rather than the
// async wake path.
func TestNamespace_SyncPollFastpath(t *testing.T) {
	ns, _ := newTestNamespace(t, 8)
	ns.SetSyncPoll(5 * time.Millisecond)

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := ns.WriteAt(data, 0)
	require.NoError(t, err)
	require.Equal(t, 512, n)

	out := make([]byte, 512)
	_, err = ns.ReadAt(out, 0)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

// TestNamespace_Dump drives the non-blocking dump path: a polled write,
// then the final zero-length call, which must flush and fire the
// controller-shutdown hook.
func TestNamespace_Dump(t *testing.T) {
	ns, _ := newTestNamespace(t, 8)

	shutdowns := 0
	ns.SetShutdownHook(func() { shutdowns++ })

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(255 - i)
	}
	require.NoError(t, ns.Dump(data, 512*3))
	require.Equal(t, 0, shutdowns)

	out := make([]byte, 512)
	_, err := ns.ReadAt(out, 512*3)
	require.NoError(t, err)
	require.Equal(t, data, out)

	require.NoError(t, ns.Dump(nil, 0))
	require.Equal(t, 1, shutdowns)
}

// TestNamespace_RequeueOnExhaustion drives the request bank to exhaustion
// with a depth-1 queue so the second concurrent write must be deferred to
// the bioq and drained by an explicit Requeue call.
func TestNamespace_RequeueOnExhaustion(t *testing.T) {
	regs := chipset.NewMockRegisterIO(0)
	chip := chipset.New(regs, nil)
	alloc := queue.NewMockDMAAllocator()
	pair, err := queue.NewPair(1, 1, alloc, chip)
	require.NoError(t, err)

	fd := newFakeDrive(alloc, 512)
	// Hold the first command's response until the second caller is
	// blocked, to guarantee the bank is at capacity.
	release := make(chan struct{})
	first := true
	pair.OnSubmit = func(cmd uapi.Command) {
		if first {
			first = false
			go func() {
				<-release
				fd.respond(pair, cmd)
			}()
			return
		}
		go fd.respond(pair, cmd)
	}

	requeued := make(chan struct{}, 1)
	ns := New(1, uapi.IdentifyNamespace{NSZE: 1 << 20, NCAP: 1 << 20}, pair, alloc, func() {
		select {
		case requeued <- struct{}{}:
		default:
		}
	})
	ns.BlockSize = 512

	done1 := make(chan error, 1)
	go func() {
		_, err := ns.WriteAt(make([]byte, 512), 0)
		done1 <- err
	}()

	// Give the first write a moment to claim the bank's only request slot
	// before firing the second, which must then be deferred to the bioq.
	time.Sleep(20 * time.Millisecond)

	done2 := make(chan error, 1)
	go func() {
		_, err := ns.WriteAt(make([]byte, 512), 512)
		done2 <- err
	}()

	select {
	case <-requeued:
	case <-time.After(time.Second):
		t.Fatal("expected the second write to be deferred to the bioq")
	}
	require.Equal(t, 1, ns.BioqLen())

	close(release)
	require.NoError(t, <-done1)

	ns.Requeue()
	require.NoError(t, <-done2)
	require.Equal(t, 0, ns.BioqLen())
}
