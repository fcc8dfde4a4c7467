package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stormcore/stormio/internal/nvme/chipset"
	"github.com/stormcore/stormio/internal/nvme/uapi"
)

// postCompletion simulates hardware posting a completion entry directly
// into a CQ's ring, the way a real controller's DMA engine would, bypassing
// the Go-level Pair.Submit path entirely.
func postCompletion(t *testing.T, cq *CompletionQueue, comp uapi.Completion) {
	t.Helper()
	cq.PostCompletion(comp)
}

func newTestPair(t *testing.T, depth uint16) (*Pair, *chipset.MockRegisterIO) {
	t.Helper()
	regs := chipset.NewMockRegisterIO(0) // MQES/DSTRD default to 0
	chip := chipset.New(regs, nil)
	alloc := NewMockDMAAllocator()
	pair, err := NewPair(1, depth, alloc, chip)
	require.NoError(t, err)
	return pair, regs
}

func TestPair_SubmitAndWait_SingleRead(t *testing.T) {
	pair, regs := newTestPair(t, 4)

	writesBefore := regs.Writes()
	req, err := pair.Submit(uapi.Command{Opcode: uapi.IOOpRead, NSID: 1})
	require.NoError(t, err)
	require.Equal(t, StateSubmitted, req.State())
	// Submitting must ring exactly one SQ-tail doorbell.
	require.Equal(t, writesBefore+1, regs.Writes())

	postCompletion(t, pair.CQ, uapi.Completion{CmdID: req.CID, Status: uapi.StatusSuccess << 1})

	n, err := pair.PollCompletions()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, StateCompleted, req.State())

	comp := req.Wait()
	require.Equal(t, req.CID, comp.CmdID)
	require.NoError(t, pair.Bank.PutRequest(req))
}

func TestPair_SubmitAndWait_Blocks(t *testing.T) {
	pair, _ := newTestPair(t, 2)

	req, err := pair.Submit(uapi.Command{Opcode: uapi.IOOpFlush})
	require.NoError(t, err)

	resultCh := make(chan uapi.Completion, 1)
	go func() {
		resultCh <- req.Wait()
	}()

	postCompletion(t, pair.CQ, uapi.Completion{CmdID: req.CID, Status: uapi.StatusSuccess << 1})
	_, err = pair.PollCompletions()
	require.NoError(t, err)

	select {
	case comp := <-resultCh:
		require.Equal(t, req.CID, comp.CmdID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestCompletionQueue_PhaseFlipOnWrap(t *testing.T) {
	pair, _ := newTestPair(t, 2)

	for i := 0; i < 2; i++ {
		req, err := pair.Submit(uapi.Command{Opcode: uapi.IOOpRead})
		require.NoError(t, err)
		postCompletion(t, pair.CQ, uapi.Completion{CmdID: req.CID, Status: uapi.StatusSuccess << 1})
		n, err := pair.PollCompletions()
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.NoError(t, pair.Bank.PutRequest(req))
	}
	// Ring wrapped exactly once; phase should now be false.
	require.False(t, pair.CQ.phase)
}
