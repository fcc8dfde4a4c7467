package dmsg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newLinkedPair returns two Links wired to opposite ends of a connected
// AF_UNIX SOCK_STREAM socketpair, the public-API analogue of
// internal/dmsg/iocom's own newLinkedPair fixture.
func newLinkedPair(t *testing.T, label string, handlerA, handlerB Handler) (*Link, *Link) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	a, err := New(Config{Label: label + "-a", Fd: fds[0], AltFd: -1, Handler: handlerA})
	require.NoError(t, err)
	b, err := New(Config{Label: label + "-b", Fd: fds[1], AltFd: -1, Handler: handlerB})
	require.NoError(t, err)
	return a, b
}

func runBoth(ctx context.Context, a, b *Link) (chan error, chan error) {
	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- a.Run(ctx) }()
	go func() { errB <- b.Run(ctx) }()
	return errA, errB
}

// TestLinkSendReceive confirms a Send on one Link arrives as an
// OnMessage callback on the other through the public API, end to end.
func TestLinkSendReceive(t *testing.T) {
	received := make(chan Message, 1)
	handlerB := Handler{
		OnMessage: func(l *Link, txn *Transaction, msg Message) error {
			received <- msg
			return nil
		},
	}

	a, b := newLinkedPair(t, "rt", Handler{}, handlerB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runBoth(ctx, a, b)

	payload := []byte("hello dmsg")
	require.NoError(t, a.Send(nil, CmdCreate|1, payload))

	select {
	case msg := <-received:
		require.Equal(t, CmdCreate|uint32(1), msg.Cmd)
		require.Equal(t, payload, msg.Aux)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

// TestLinkOpenAndSend confirms a locally opened transaction round-trips
// through Open/Send the way a locally initiated CREATE is meant to.
func TestLinkOpenAndSend(t *testing.T) {
	received := make(chan Message, 1)
	handlerB := Handler{
		OnMessage: func(l *Link, txn *Transaction, msg Message) error {
			received <- msg
			return nil
		},
	}

	a, b := newLinkedPair(t, "open", Handler{}, handlerB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runBoth(ctx, a, b)

	txn := a.Open(nil, 5)
	require.NoError(t, a.Send(txn, CmdCreate|5, []byte("opened")))

	select {
	case msg := <-received:
		require.Equal(t, CmdCreate|uint32(5), msg.Cmd)
		require.Equal(t, []byte("opened"), msg.Aux)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

// TestLinkRelayForwardsCreate confirms Router/BindLinks forward a CREATE
// across a relay pair through the public API, mirroring
// internal/dmsg/relay's own test at the Link level.
func TestLinkRelayForwardsCreate(t *testing.T) {
	legApp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	legFar, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	router := NewRouter()
	farReceived := make(chan Message, 1)

	appSide, err := New(Config{Label: "app", Fd: legApp[0], AltFd: -1})
	require.NoError(t, err)
	relayA, err := New(Config{Label: "relay-a", Fd: legApp[1], AltFd: -1, Router: router})
	require.NoError(t, err)
	relayB, err := New(Config{Label: "relay-b", Fd: legFar[0], AltFd: -1, Router: router})
	require.NoError(t, err)
	far, err := New(Config{Label: "far", Fd: legFar[1], AltFd: -1, Handler: Handler{
		OnMessage: func(l *Link, txn *Transaction, msg Message) error {
			farReceived <- msg
			return nil
		},
	}})
	require.NoError(t, err)

	BindLinks(router, relayA, relayB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go appSide.Run(ctx)
	go relayA.Run(ctx)
	go relayB.Run(ctx)
	go far.Run(ctx)

	payload := []byte("ping")
	require.NoError(t, appSide.Send(nil, CmdCreate|1, payload))

	select {
	case msg := <-farReceived:
		require.Equal(t, CmdCreate|uint32(1), msg.Cmd)
		require.Equal(t, payload, msg.Aux)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed message")
	}
}

// TestLinkErrWraps confirms a failed Link's Err is a *Error carrying the
// Link's label. Closing the peer's raw socket fd (rather than calling
// Close, which only releases self-pipe/alt-fd resources the Link itself
// owns) is what actually drives the other side to observe EOF.
func TestLinkErrWraps(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	a, err := New(Config{Label: "eof-a", Fd: fds[0], AltFd: -1})
	require.NoError(t, err)
	b, err := New(Config{Label: "eof-b", Fd: fds[1], AltFd: -1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errA, _ := runBoth(ctx, a, b)

	require.NoError(t, unix.Close(fds[1]))

	select {
	case err := <-errA:
		require.Error(t, err)
		var e *Error
		require.ErrorAs(t, err, &e)
		require.Equal(t, "eof-a", e.Label)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EOF-driven Run return")
	}
}
