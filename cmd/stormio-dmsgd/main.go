// Command stormio-dmsgd runs a small loopback demo of the DMSG engine:
// two Links wired to opposite ends of an AF_UNIX socketpair, exercising
// a complete CREATE/REPLY/DELETE handshake end to end and logging
// every message either side observes. A standalone
// demo/smoke-test binary, the DMSG analogue of cmd/stormio-nvme-mem.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stormcore/stormio/dmsg"
	"github.com/stormcore/stormio/internal/logging"
)

func main() {
	var verbose = flag.Bool("v", false, "Verbose output")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	if *verbose {
		logCfg.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logCfg)
	logging.SetDefault(logger)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		log.Fatalf("socketpair: %v", err)
	}

	repliesDone := make(chan struct{}, 1)

	serverHandler := dmsg.Handler{
		OnMessage: func(l *dmsg.Link, txn *dmsg.Transaction, msg dmsg.Message) error {
			logger.Info("server received message", "cmd", fmt.Sprintf("%#x", msg.Cmd), "msgid", txn.MsgID(), "aux", string(msg.Aux))
			if msg.Cmd&dmsg.CmdCreate != 0 && msg.Cmd&dmsg.CmdReply == 0 {
				reply := dmsg.CmdReply | dmsg.CmdCreate | dmsg.CmdDelete | (msg.Cmd & dmsg.CmdOpMask)
				return l.Send(txn, reply, []byte("pong"))
			}
			return nil
		},
	}

	clientHandler := dmsg.Handler{
		OnMessage: func(l *dmsg.Link, txn *dmsg.Transaction, msg dmsg.Message) error {
			logger.Info("client received message", "cmd", fmt.Sprintf("%#x", msg.Cmd), "msgid", txn.MsgID(), "aux", string(msg.Aux))
			if msg.Cmd&dmsg.CmdReply != 0 {
				select {
				case repliesDone <- struct{}{}:
				default:
				}
			}
			return nil
		},
	}

	server, err := dmsg.New(dmsg.Config{Label: "server", Fd: fds[0], AltFd: -1, Logger: logger, Handler: serverHandler})
	if err != nil {
		log.Fatalf("new server link: %v", err)
	}
	client, err := dmsg.New(dmsg.Config{Label: "client", Fd: fds[1], AltFd: -1, Logger: logger, Handler: clientHandler})
	if err != nil {
		log.Fatalf("new client link: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 2)
	go func() { runErr <- server.Run(ctx) }()
	go func() { runErr <- client.Run(ctx) }()

	txn := client.Open(nil, 1)
	if err := client.Send(txn, dmsg.CmdCreate|1, []byte("ping")); err != nil {
		logger.Error("send failed", "error", err)
	}

	select {
	case <-repliesDone:
		logger.Info("handshake complete")
	case <-time.After(2 * time.Second):
		logger.Error("timed out waiting for handshake")
	}

	fmt.Println("Press Ctrl+C to stop...")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	for i := 0; i < 2; i++ {
		<-runErr
	}
	_ = client.Close()
	_ = server.Close()
}
