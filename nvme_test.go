package nvme

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stormcore/stormio/internal/nvme/chipset"
	"github.com/stormcore/stormio/internal/nvme/queue"
	"github.com/stormcore/stormio/internal/nvme/uapi"
)

// fakeController answers admin and I/O commands entirely off the
// OnSubmit/PostCompletion test hooks, the same fixture shape used inside
// the admin package's own tests.
type fakeController struct {
	alloc *queue.MockDMAAllocator
	store map[uint64][]byte
}

func (f *fakeController) attach(pair *queue.Pair) {
	pair.OnSubmit = func(cmd uapi.Command) {
		go f.respond(pair, cmd)
	}
}

func (f *fakeController) respond(pair *queue.Pair, cmd uapi.Command) {
	status := uint16(uapi.StatusSuccess) << 1

	switch cmd.Opcode {
	case uapi.AdminOpIdentify:
		if buf, ok := f.alloc.Translate(cmd.PRP1, 4096); ok {
			if cmd.CDW10 == uapi.IdentifyCNSController {
				copy(buf[4:24], "SN0042              ")
				copy(buf[24:64], "stormio fake controller                 ")
				copy(buf[64:72], "1.0     ")
				putLE32(buf[516:520], 1) // NN = 1 namespace
			} else {
				putLE64(buf[0:8], 1<<20)
				putLE64(buf[8:16], 1<<20)
			}
		}
	case uapi.IOOpRead:
		lba := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
		nlba := uint64(cmd.CDW12&0xFFFF) + 1
		if buf, ok := f.alloc.Translate(cmd.PRP1, int(nlba)*512); ok {
			for i := uint64(0); i < nlba; i++ {
				copy(buf[i*512:i*512+512], f.store[lba+i])
			}
		}
	case uapi.IOOpWrite:
		lba := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
		nlba := uint64(cmd.CDW12&0xFFFF) + 1
		if buf, ok := f.alloc.Translate(cmd.PRP1, int(nlba)*512); ok {
			for i := uint64(0); i < nlba; i++ {
				block := make([]byte, 512)
				copy(block, buf[i*512:i*512+512])
				f.store[lba+i] = block
			}
		}
	}

	pair.CQ.PostCompletion(uapi.Completion{CmdID: cmd.CID, Status: status})
	_, _ = pair.PollCompletions()
}

func putLE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func TestAttachDetach_WriteReadRoundTrip(t *testing.T) {
	alloc := queue.NewMockDMAAllocator()
	fc := &fakeController{alloc: alloc, store: make(map[uint64][]byte)}

	ctl, err := Attach(context.Background(), Params{
		DevID:         7,
		Registers:     chipset.NewMockRegisterIO(0),
		Alloc:         alloc,
		NCPUs:         1,
		QueueDepth:    8,
		OnPairCreated: fc.attach,
	})
	require.NoError(t, err)
	require.Contains(t, ctl.NamespaceIDs(), uint32(1))

	ns, err := ctl.Namespace(1)
	require.NoError(t, err)

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i)
	}
	_, err = ns.WriteAt(data, 0)
	require.NoError(t, err)

	out := make([]byte, 512)
	_, err = ns.ReadAt(out, 0)
	require.NoError(t, err)
	require.Equal(t, data, out)

	ident := ctl.Identify()
	require.Equal(t, "SN0042", ident.SerialNumber)
	require.Equal(t, "stormio fake controller", ident.ModelNumber)
	require.Equal(t, "1.0", ident.FirmwareRevision)
	require.EqualValues(t, 1, ident.NamespaceCount)

	info, err := ctl.NamespaceInfo(1)
	require.NoError(t, err)
	require.EqualValues(t, 1, info.NSID)
	require.EqualValues(t, 512, info.BlockSize)
	require.EqualValues(t, 1<<20, info.LBACount)
	require.True(t, info.Attached)

	_, err = ctl.NamespaceInfo(99)
	require.Error(t, err)

	stats, err := ctl.Stats(1)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.WriteOps)
	require.EqualValues(t, 1, stats.ReadOps)
	require.EqualValues(t, 512, stats.ReadBytes)

	_, err = ctl.Stats(99)
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, Detach(ctx, ctl))
}

func TestAttach_RejectsMissingCollaborators(t *testing.T) {
	_, err := Attach(context.Background(), Params{DevID: 1})
	require.Error(t, err)

	_, err = Attach(context.Background(), Params{DevID: 1, Registers: chipset.NewMockRegisterIO(0)})
	require.Error(t, err)
}
