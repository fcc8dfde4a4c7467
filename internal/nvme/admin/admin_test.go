package admin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stormcore/stormio/internal/nvme/chipset"
	"github.com/stormcore/stormio/internal/nvme/queue"
	"github.com/stormcore/stormio/internal/nvme/uapi"
)

// fakeController answers admin commands the way a real controller would,
// driven entirely off the OnSubmit/PostCompletion test hooks so the
// production admin.Thread code never knows it's talking to a fixture.
type fakeController struct {
	alloc  *queue.MockDMAAllocator
	nn     uint32
	nsSize uint64
}

func (f *fakeController) attach(pair *queue.Pair) {
	pair.OnSubmit = func(cmd uapi.Command) {
		go f.respond(pair, cmd)
	}
}

// maxGrantSQ/maxGrantCQ cap what the fixture grants back from
// SET_FEATURES(NUMQUEUES) regardless of what's requested, standing in
// for a controller whose hardware can't satisfy the full per-cpu-full
// request — enough to drive selection of the shared4 mapping tier and the
// creation of its multi-SQ-per-CQ queue layout.
const (
	maxGrantSQ = 6
	maxGrantCQ = 3
)

func (f *fakeController) respond(pair *queue.Pair, cmd uapi.Command) {
	status := uint16(uapi.StatusSuccess) << 1
	var dw0 uint32

	switch cmd.Opcode {
	case uapi.AdminOpIdentify:
		if buf, ok := f.alloc.Translate(cmd.PRP1, 4096); ok {
			if cmd.CDW10 == uapi.IdentifyCNSController {
				ctlr := uapi.IdentifyController{NN: f.nn}
				marshalIdentifyController(buf, ctlr)
			} else {
				ns := uapi.IdentifyNamespace{NSZE: f.nsSize, NCAP: f.nsSize}
				marshalIdentifyNamespace(buf, ns)
			}
		}
	case uapi.AdminOpSetFeatures:
		if cmd.CDW10 == uapi.FeatureNumQueues {
			reqSQ := (cmd.CDW11 & 0xFFFF) + 1
			reqCQ := ((cmd.CDW11 >> 16) & 0xFFFF) + 1
			grantedSQ := reqSQ
			if grantedSQ > maxGrantSQ {
				grantedSQ = maxGrantSQ
			}
			grantedCQ := reqCQ
			if grantedCQ > maxGrantCQ {
				grantedCQ = maxGrantCQ
			}
			dw0 = (grantedSQ - 1) | (grantedCQ-1)<<16
		}
	case uapi.AdminOpCreateCQ, uapi.AdminOpCreateSQ, uapi.AdminOpDeleteSQ, uapi.AdminOpDeleteCQ:
		// no payload, just acknowledge
	}

	pair.CQ.PostCompletion(uapi.Completion{CmdID: cmd.CID, Status: status, DW0: dw0})
	_, _ = pair.PollCompletions()
}

// marshalIdentifyController/marshalIdentifyNamespace write just enough of
// the payload for UnmarshalIdentifyController/UnmarshalIdentifyNamespace
// to read back what the fixture set.
func marshalIdentifyController(buf []byte, ctlr uapi.IdentifyController) {
	putLE32(buf[516:520], ctlr.NN)
}

func marshalIdentifyNamespace(buf []byte, ns uapi.IdentifyNamespace) {
	putLE64(buf[0:8], ns.NSZE)
	putLE64(buf[8:16], ns.NCAP)
}

func putLE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func newTestThread(t *testing.T, fc *fakeController) *Thread {
	t.Helper()
	regs := chipset.NewMockRegisterIO(0)
	chip := chipset.New(regs, nil)

	cfg := Config{
		DevID:      1,
		NCPUs:      4,
		QueueDepth: 8,
		Chipset:    chip,
		Alloc:      fc.alloc,
		OnPairCreated: func(p *queue.Pair) {
			fc.attach(p)
		},
	}
	th, err := NewThread(cfg)
	require.NoError(t, err)
	return th
}

func TestThread_BringUpToOperating(t *testing.T) {
	fc := &fakeController{alloc: queue.NewMockDMAAllocator(), nn: 1, nsSize: 1 << 20}
	th := newTestThread(t, fc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- th.Run(ctx) }()

	require.Eventually(t, func() bool {
		return th.State() == StateOperating
	}, time.Second, time.Millisecond)

	require.Len(t, th.IOPairs(), maxGrantSQ)
	require.Equal(t, queue.StrategyShared4, th.Plan().Strategy)
	require.Contains(t, th.Namespaces(), uint32(1))

	cancel()
	require.NoError(t, <-errCh)
}

// TestThread_RequeueSignalInvokesHandler confirms a Requeue kick is
// serviced by the OPERATING loop: the installed handler (normally the
// disk adapters' bioq drain) runs shortly after the signal.
func TestThread_RequeueSignalInvokesHandler(t *testing.T) {
	fc := &fakeController{alloc: queue.NewMockDMAAllocator(), nn: 1, nsSize: 1 << 20}
	th := newTestThread(t, fc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- th.Run(ctx) }()

	require.Eventually(t, func() bool {
		return th.State() == StateOperating
	}, time.Second, time.Millisecond)

	handled := make(chan struct{}, 1)
	th.SetRequeueHandler(func() {
		select {
		case handled <- struct{}{}:
		default:
		}
	})
	th.Requeue()

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("REQUEUE signal never reached the handler")
	}

	cancel()
	require.NoError(t, <-errCh)
}

func TestThread_IdentifyFailurePropagatesToFailedState(t *testing.T) {
	// No OnSubmit attached: SubmitAndWait will block until ctx expires.
	regs := chipset.NewMockRegisterIO(0)
	chip := chipset.New(regs, nil)
	alloc := queue.NewMockDMAAllocator()

	th, err := NewThread(Config{DevID: 1, NCPUs: 1, QueueDepth: 4, Chipset: chip, Alloc: alloc})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = th.Run(ctx)
	require.Error(t, err)
	require.Equal(t, StateFailed, th.State())
}
