// Package relay implements DMSG's router/relay feature: automatic
// mirroring of messages received on one IOCom onto a paired state on a
// different IOCom, built in the same small-interface style as the rest
// of internal/dmsg.
package relay

import (
	"fmt"

	"github.com/stormcore/stormio/internal/dmsg/iocom"
	"github.com/stormcore/stormio/internal/dmsg/state"
	"github.com/stormcore/stormio/internal/dmsg/wire"
)

// Router cross-links pairs of IOComs so traffic entering a relay-bound
// subtree on one side is automatically mirrored onto the other
// ("messages received on that state's subtree are
// automatically mirrored through a paired relay state on a different
// IOCom").
type Router struct {
	peer map[*iocom.IOCom]*iocom.IOCom
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{peer: make(map[*iocom.IOCom]*iocom.IOCom)}
}

// BindRoot cross-links a's and b's root states as each other's relay
// anchor: any CREATE landing directly under either root auto-spawns a
// mirror child on the other side. Both a's and b's Config.Callbacks.
// OnMessage must be set to r.OnMessage for the binding to take effect
// (a Router only participates in forwarding through that hook, it does
// not own either IOCom's event loop).
func (r *Router) BindRoot(a, b *iocom.IOCom) {
	r.peer[a] = b
	r.peer[b] = a
	BindStates(a.States().Root(), b.States().Root())
}

// BindStates cross-links two existing states as each other's relay
// peer, for establishing a relay anchor deeper than the root — binding
// root states generalizes the same way to any already-open transaction.
func BindStates(sa, sb *state.State) {
	sa.Relay = sb
	sb.Relay = sa
}

// OnMessage is the Callbacks.OnMessage hook: install it on every IOCom a
// Router should participate in forwarding for. It mirrors messages
// arriving on owner (the IOCom that just decoded msg) onto owner's
// bound peer, if any.
func (r *Router) OnMessage(owner *iocom.IOCom, s *state.State, msg *wire.Message) error {
	peer := r.peer[owner]
	if peer == nil {
		return nil
	}
	return r.forward(peer, s, msg)
}

// forward mirrors msg onto peer, spawning the mirror child state on a
// CREATE ("a new CREATE spawns a symmetric child on the
// peer side and cross-links the two as each other's relay") and simply
// relaying cmd bits plus aux data once the cross-link already exists.
func (r *Router) forward(peer *iocom.IOCom, s *state.State, msg *wire.Message) error {
	if s.Relay != nil {
		return peer.Send(s.Relay, msg.Header.Cmd, msg.Aux, msg.ExtTail...)
	}

	if s.Parent == nil || s.Parent.Relay == nil {
		// s is not within a relay-bound subtree at all.
		return nil
	}

	create := msg.Header.Cmd&wire.CmdCreate != 0 && msg.Header.Cmd&wire.CmdReply == 0
	if !create {
		// No mirror exists yet, and this message isn't the CREATE that
		// would spawn one — nothing upstream bound it, so drop silently
		// rather than error (a benign race during relay teardown).
		return nil
	}

	mirrorParent := s.Parent.Relay
	mirror := peer.States().CreateLocal(mirrorParent, msg.Header.Cmd&wire.CmdOpMask)
	BindStates(s, mirror)

	if err := peer.Send(mirror, msg.Header.Cmd, msg.Aux, msg.ExtTail...); err != nil {
		return fmt.Errorf("dmsg: relay: forward create: %w", err)
	}
	return nil
}
