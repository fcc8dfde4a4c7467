// Command stormio-nvme-mem attaches an NVMe controller backed by an
// in-process mock register block and a memory-backed fake hardware
// responder: a standalone demo/smoke-test binary rather than a real PCIe
// attach (that needs a real chipset.RegisterIO/queue.DMAAllocator pair
// this repo doesn't provide).
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/stormcore/stormio/internal/logging"
	"github.com/stormcore/stormio/internal/nvme/chipset"
	"github.com/stormcore/stormio/internal/nvme/queue"
	"github.com/stormcore/stormio/internal/nvme/uapi"
	nvme "github.com/stormcore/stormio"
)

func main() {
	var (
		sizeStr = flag.String("size", "16M", "Size of the backing namespace (e.g., 16M, 1G)")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}

	logCfg := logging.DefaultConfig()
	if *verbose {
		logCfg.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logCfg)
	logging.SetDefault(logger)

	hw := newFakeHardware(size)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	ctlr, err := nvme.Attach(ctx, nvme.Params{
		DevID:         1,
		Registers:     chipset.NewMockRegisterIO(0),
		Alloc:         hw.alloc,
		NCPUs:         1,
		QueueDepth:    32,
		Logger:        logger,
		OnPairCreated: hw.attach,
	})
	cancel()
	if err != nil {
		logger.Error("attach failed", "error", err)
		os.Exit(1)
	}

	ns, err := ctlr.Namespace(1)
	if err != nil {
		logger.Error("namespace lookup failed", "error", err)
		os.Exit(1)
	}

	logger.Info("controller attached", "namespaces", ctlr.NamespaceIDs(), "size", formatSize(size))

	payload := make([]byte, 512)
	copy(payload, "stormio nvme demo payload")
	if _, err := ns.WriteAt(payload, 0); err != nil {
		logger.Error("write failed", "error", err)
	} else {
		logger.Info("wrote demo payload", "bytes", len(payload))
	}

	readback := make([]byte, len(payload))
	if _, err := ns.ReadAt(readback, 0); err != nil {
		logger.Error("read failed", "error", err)
	} else {
		fmt.Printf("read back: %q (match=%v)\n", bytes.TrimRight(readback, "\x00"), string(readback) == string(payload))
	}

	if err := ns.Flush(); err != nil {
		logger.Error("flush failed", "error", err)
	}

	fmt.Printf("namespace %d: %d bytes, block size %d\n", 1, size, hw.blockSize)
	fmt.Println("Press Ctrl+C to detach and exit...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("detaching controller")
	detachCtx, detachCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer detachCancel()
	if err := nvme.Detach(detachCtx, ctlr); err != nil {
		logger.Error("detach error", "error", err)
	}
}

// fakeHardware answers admin and I/O commands against a single in-memory
// namespace backed by a plain byte slice, the demo-CLI analogue of
// internal/nvme/admin's test fixture — driven entirely off Pair.OnSubmit
// so the production submit/poll path never knows it isn't talking to
// real silicon. Transfers are capped at one page (uapi.PageSize) since
// this fixture reads PRP1 directly and never walks a PRP2 scratch chain.
type fakeHardware struct {
	alloc     *queue.MockDMAAllocator
	blockSize uint32
	nlba      uint64

	mu   sync.Mutex
	data []byte
}

func newFakeHardware(size int64) *fakeHardware {
	const blockSize = 512
	return &fakeHardware{
		alloc:     queue.NewMockDMAAllocator(),
		blockSize: blockSize,
		nlba:      uint64(size) / blockSize,
		data:      make([]byte, size),
	}
}

func (h *fakeHardware) attach(pair *queue.Pair) {
	pair.OnSubmit = func(cmd uapi.Command) {
		go h.respond(pair, cmd)
	}
}

func (h *fakeHardware) respond(pair *queue.Pair, cmd uapi.Command) {
	status := uint16(uapi.StatusSuccess) << 1

	if pair.QID == 0 {
		switch cmd.Opcode {
		case uapi.AdminOpIdentify:
			if buf, ok := h.alloc.Translate(cmd.PRP1, 4096); ok {
				if cmd.CDW10 == uapi.IdentifyCNSController {
					putLE32(buf[516:520], 1) // NN: one namespace
				} else {
					putLE64(buf[0:8], h.nlba)
					putLE64(buf[8:16], h.nlba)
					buf[26] = 0                              // FLBAS: select LBAF[0]
					buf[130] = blockSizeShift(h.blockSize) // LBAF[0].LBADS, read by CurrentLBADataSize
				}
			}
		case uapi.AdminOpCreateCQ, uapi.AdminOpCreateSQ, uapi.AdminOpDeleteSQ, uapi.AdminOpDeleteCQ:
			// no payload; acknowledge only
		}
	} else {
		switch cmd.Opcode {
		case uapi.IOOpRead:
			lba := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
			nlba := (cmd.CDW12 & 0xFFFF) + 1
			if buf, ok := h.alloc.Translate(cmd.PRP1, int(nlba)*int(h.blockSize)); ok {
				h.mu.Lock()
				copy(buf, h.sliceAt(lba, nlba))
				h.mu.Unlock()
			}
		case uapi.IOOpWrite:
			lba := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
			nlba := (cmd.CDW12 & 0xFFFF) + 1
			if buf, ok := h.alloc.Translate(cmd.PRP1, int(nlba)*int(h.blockSize)); ok {
				h.mu.Lock()
				copy(h.sliceAt(lba, nlba), buf)
				h.mu.Unlock()
			}
		case uapi.IOOpWriteZ:
			lba := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
			nlba := (cmd.CDW12 & 0xFFFF) + 1
			h.mu.Lock()
			s := h.sliceAt(lba, nlba)
			for i := range s {
				s[i] = 0
			}
			h.mu.Unlock()
		case uapi.IOOpFlush:
			// nothing to do against an in-memory buffer
		}
	}

	pair.CQ.PostCompletion(uapi.Completion{CmdID: cmd.CID, Status: status})
	_, _ = pair.PollCompletions()
}

func (h *fakeHardware) sliceAt(lba uint64, nlba uint32) []byte {
	off := lba * uint64(h.blockSize)
	n := uint64(nlba) * uint64(h.blockSize)
	if off+n > uint64(len(h.data)) {
		n = uint64(len(h.data)) - off
	}
	return h.data[off : off+n]
}

func blockSizeShift(blockSize uint32) byte {
	shift := byte(0)
	for v := blockSize; v > 1; v >>= 1 {
		shift++
	}
	return shift
}

func putLE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
