package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/stormcore/stormio/internal/dmsg/iocom"
	"github.com/stormcore/stormio/internal/dmsg/state"
	"github.com/stormcore/stormio/internal/dmsg/wire"
)

// newSide constructs an IOCom over one end of a connected socket, with
// Callbacks.OnMessage chained: observe (if non-nil) runs first, then
// router.OnMessage performs any relay forwarding.
func newSide(t *testing.T, label string, fd int, router *Router, observe func(*state.State, *wire.Message)) *iocom.IOCom {
	t.Helper()
	c, err := iocom.New(iocom.Config{
		Label: label,
		Fd:    fd,
		AltFd: -1,
		Callbacks: iocom.Callbacks{
			OnMessage: func(owner *iocom.IOCom, s *state.State, msg *wire.Message) error {
				if observe != nil {
					observe(s, msg)
				}
				return router.OnMessage(owner, s, msg)
			},
		},
	})
	require.NoError(t, err)
	return c
}

// TestRelayForwardsCreate drives the full relay topology: a relay node
// sits between an application connection (appSide <-> relayA) and a far
// connection (relayB <-> far). Binding relayA's and relayB's root
// states as relay peers means a CREATE the app sends to relayA auto-
// spawns a mirror CREATE that relayB sends on to far, carrying the same
// cmd bits and aux payload.
func TestRelayForwardsCreate(t *testing.T) {
	legApp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	legFar, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	router := NewRouter()

	type got struct {
		cmd uint32
		aux []byte
	}
	farReceived := make(chan got, 1)

	appSide := newSide(t, "app", legApp[0], router, nil)
	relayA := newSide(t, "relay-a", legApp[1], router, nil)
	relayB := newSide(t, "relay-b", legFar[0], router, nil)
	far := newSide(t, "far", legFar[1], router, func(s *state.State, msg *wire.Message) {
		farReceived <- got{cmd: msg.Header.Cmd, aux: append([]byte(nil), msg.Aux...)}
	})

	router.BindRoot(relayA, relayB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go appSide.Run(ctx)
	go relayA.Run(ctx)
	go relayB.Run(ctx)
	go far.Run(ctx)

	payload := []byte("ping")
	require.NoError(t, appSide.Send(appSide.States().Root(), wire.CmdCreate|1, payload))

	select {
	case g := <-farReceived:
		require.Equal(t, wire.CmdCreate|uint32(1), g.cmd)
		require.Equal(t, payload, g.aux)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed message")
	}
}

// TestRelayIgnoresUnboundSubtree confirms a message outside any relay-
// bound subtree is simply delivered locally with no forwarding attempt
// (and, in particular, no panic from a nil peer/parent).
func TestRelayIgnoresUnboundSubtree(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	router := NewRouter()
	received := make(chan uint32, 1)
	a := newSide(t, "a", fds[0], router, nil)
	b := newSide(t, "b", fds[1], router, func(s *state.State, msg *wire.Message) {
		received <- msg.Header.Cmd
	})
	// No BindRoot call: router.peer has no entry for either side.

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	require.NoError(t, a.Send(a.States().Root(), wire.CmdCreate|99, nil))

	select {
	case cmd := <-received:
		require.Equal(t, wire.CmdCreate|uint32(99), cmd)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}
