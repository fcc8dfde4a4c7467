// Package state implements the DMSG transaction state machine: dual
// reader/writer lookup trees, the CREATE/DELETE/REPLY/ABORT switch
// table, and the both-sides-DELETE free rule.
package state

import (
	"github.com/stormcore/stormio/internal/dmsg/wire"
)

// Flag marks a state's provenance/lifecycle bits.
type Flag uint32

const (
	FlagRoot     Flag = 1 << iota // the IOCom's circuit-0 root state
	FlagDynamic                   // allocated for a CREATE, not the root
	FlagInserted                  // currently linked into a Table's tree
	FlagOpposite                  // the remote side originated this transaction
)

// State is one DMSG transaction or sub-transaction (circuit). It is the
// Go analogue of the C original's dmsg_state: a msgid, a pair of
// direction bitmasks, a parent/child link for circuit nesting, an
// optional relay peer, and a refcount gating when it may be freed.
type State struct {
	MsgID   uint64
	Circuit uint64 // the enclosing transaction's circuit id; 0 for children of the root scope

	RXCmd uint32 // flags observed from the remote so far (accumulates DELETE)
	TXCmd uint32 // flags we have sent so far (accumulates DELETE)

	Parent   *State
	Children map[uint64]*State
	Relay    *State

	Refs  int32
	Flags Flag

	// Owner is an opaque back-pointer to the IOCom the state belongs to;
	// the state package never dereferences it, it exists purely so
	// callers (iocom, relay) can recover the owning connection from a
	// bare *State.
	Owner any
}

func (s *State) rxHasCreate() bool { return s.RXCmd&wire.CmdCreate != 0 }
func (s *State) rxHasDelete() bool { return s.RXCmd&wire.CmdDelete != 0 }
func (s *State) txHasDelete() bool { return s.TXCmd&wire.CmdDelete != 0 }

// Table holds the two lookup trees a single IOCom maintains: msgid ->
// *State for transactions the remote originated (the "reader tree"), and
// msgid -> *State for transactions this side originated (the "writer
// tree"). A plain map keyed by the already-unique 64-bit msgid serves
// as the arena; no separate slab or generation counter is needed.
// Table is not internally synchronized — the owning IOCom's mutex
// serializes every call.
type Table struct {
	reader map[uint64]*State // remote-originated transactions
	writer map[uint64]*State // locally-originated transactions
	root   *State
	nextID uint64
}

// NewTable returns an empty Table with its root state (circuit 0)
// already present in neither tree; circuit 0 always resolves to it.
func NewTable() *Table {
	root := &State{Flags: FlagRoot, Refs: 1, Children: make(map[uint64]*State)}
	return &Table{
		reader: make(map[uint64]*State),
		writer: make(map[uint64]*State),
		root:   root,
	}
}

// Root returns the table's root state.
func (t *Table) Root() *State { return t.root }

// NextMsgID allocates a fresh writer-side msgid for a locally-initiated
// transaction. The original derives this from the state's own memory
// address; a monotonic counter is the direct, address-free analogue.
func (t *Table) NextMsgID() uint64 {
	t.nextID++
	return t.nextID
}

// treeFor resolves which tree a msgid lookup belongs in:
// REVTRANS clear means the remote originated the
// msgid (reader tree), REVTRANS set means we did (writer tree).
func (t *Table) treeFor(cmd uint32) map[uint64]*State {
	if cmd&wire.CmdRevTrans != 0 {
		return t.writer
	}
	return t.reader
}

// parentFor resolves the circuit's enclosing state the same way, using
// REVCIRC instead of REVTRANS.
func (t *Table) parentFor(cmd uint32, circuit uint64) *State {
	if circuit == 0 {
		return t.root
	}
	tree := t.reader
	if cmd&wire.CmdRevCirc != 0 {
		tree = t.writer
	}
	return tree[circuit]
}

// Lookup finds an existing state for (cmd, msgid) in the tree cmd's
// REVTRANS bit selects.
func (t *Table) Lookup(cmd uint32, msgid uint64) (*State, bool) {
	s, ok := t.treeFor(cmd)[msgid]
	return s, ok
}

// Receive resolves the state a just-decoded header applies to, applying
// the CREATE/DELETE/REPLY/ABORT switch table. On a
// benign ABORT+DELETE race against an already-closed msgid it returns
// wire.ErrEAlready, which callers should treat as "discard and resume"
// rather than a connection-fatal error.
func (t *Table) Receive(hdr wire.Header) (*State, error) {
	circuit := hdr.Circuit
	msgid := hdr.MsgID
	cmd := hdr.Cmd

	create := cmd&wire.CmdCreate != 0
	del := cmd&wire.CmdDelete != 0
	reply := cmd&wire.CmdReply != 0
	abort := cmd&wire.CmdAbort != 0

	tree := t.treeFor(cmd)
	existing, has := tree[msgid]

	switch {
	case create && !reply:
		// CREATE (no REPLY): must not pre-exist.
		if has {
			return nil, wire.ErrTrans
		}
		pstate := t.parentFor(cmd, circuit)
		if pstate == nil {
			return nil, wire.ErrTrans
		}
		s := &State{
			MsgID:    msgid,
			Circuit:  circuit,
			Parent:   pstate,
			Children: make(map[uint64]*State),
			Refs:     1,
			Flags:    FlagDynamic | FlagInserted | FlagOpposite,
		}
		s.RXCmd = cmd &^ wire.CmdDelete
		s.TXCmd = wire.CmdReply
		tree[msgid] = s
		pstate.Children[msgid] = s
		pstate.Refs++
		// Router/relay binding happens one layer up, in
		// internal/dmsg/relay, once it observes pstate.Relay != nil.
		return s, nil

	case reply && create:
		// REPLY+CREATE: state must already exist (we originated it).
		if !has {
			return nil, wire.ErrTrans
		}
		existing.RXCmd = cmd &^ wire.CmdDelete
		return existing, nil

	case del && !reply && !create:
		// DELETE (no REPLY, no CREATE): state must exist with CREATE
		// already observed from the remote, else ABORT makes it benign.
		if !has || !existing.rxHasCreate() {
			if abort {
				return nil, wire.ErrEAlready
			}
			return nil, wire.ErrTrans
		}
		return existing, nil

	case reply && del && !create:
		// REPLY+DELETE: closing the side we opened.
		if !has {
			if abort {
				return nil, wire.ErrEAlready
			}
			return nil, wire.ErrTrans
		}
		return existing, nil

	default:
		// No CREATE/DELETE, or REPLY alone: streaming within an open
		// transaction. ABORT without CREATE is allowed only if the
		// remote previously sent CREATE.
		if !has {
			return nil, wire.ErrTrans
		}
		if abort && !create && !existing.rxHasCreate() {
			return nil, wire.ErrEAlready
		}
		return existing, nil
	}
}

// CleanupRX applies the post-processing for a just-handled
// receive: if DELETE was set, mark rxcmd accordingly, and if both sides
// now carry DELETE, unlink the state and decrement its parent's
// refcount. Returns true if the state was freed.
func (t *Table) CleanupRX(s *State, cmd uint32) bool {
	if s == nil || s.Flags&FlagRoot != 0 {
		return false
	}
	if cmd&wire.CmdDelete != 0 {
		s.RXCmd |= wire.CmdDelete
	}
	return t.maybeFree(s)
}

// CleanupTX mirrors CleanupRX for messages this side sent.
func (t *Table) CleanupTX(s *State, cmd uint32) bool {
	if s == nil || s.Flags&FlagRoot != 0 {
		return false
	}
	if cmd&wire.CmdDelete != 0 {
		s.TXCmd |= wire.CmdDelete
	}
	return t.maybeFree(s)
}

func (t *Table) maybeFree(s *State) bool {
	if !s.rxHasDelete() || !s.txHasDelete() {
		return false
	}
	if len(s.Children) != 0 {
		return false
	}

	if s.Flags&FlagOpposite != 0 {
		delete(t.reader, s.MsgID)
	} else {
		delete(t.writer, s.MsgID)
	}
	s.Flags &^= FlagInserted

	if s.Parent != nil {
		delete(s.Parent.Children, s.MsgID)
		s.Parent.Refs--
	}
	if s.Relay != nil {
		s.Relay.Relay = nil
		s.Relay = nil
	}
	s.Refs--
	return true
}

// OpenStates returns a snapshot of every non-root state still linked into
// either tree, reader tree first then writer tree, for fail()'s drain of
// outstanding transactions on a connection error.
func (t *Table) OpenStates() []*State {
	out := make([]*State, 0, len(t.reader)+len(t.writer))
	for _, s := range t.reader {
		out = append(out, s)
	}
	for _, s := range t.writer {
		out = append(out, s)
	}
	return out
}

// CreateLocal allocates a new writer-originated child state under pstate
// for a locally-initiated transaction (the mirror of Receive's CREATE
// branch, for the send side — used by relay.go and by callers opening a
// new transaction rather than replying to one).
func (t *Table) CreateLocal(pstate *State, baseCmd uint32) *State {
	if pstate == nil {
		pstate = t.root
	}
	msgid := t.NextMsgID()
	s := &State{
		MsgID:    msgid,
		Circuit:  pstate.MsgID,
		Parent:   pstate,
		Children: make(map[uint64]*State),
		Refs:     1,
		Flags:    FlagDynamic | FlagInserted,
		TXCmd:    baseCmd | wire.CmdCreate,
	}
	t.writer[msgid] = s
	pstate.Children[msgid] = s
	pstate.Refs++
	return s
}
