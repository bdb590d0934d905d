// Package call implements the client-side call negotiation state machine
// and the engine that drives it against a media transport and the signaling
// channel.
//
// The machine itself is pure: Transition maps (state, event) to (state,
// effects) without touching timers, sockets or media. The Engine owns the
// side effects.
package call

import "github.com/goccy/go-json"

type Status int

const (
	StatusIdle Status = iota
	StatusCalling
	StatusIncoming
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCalling:
		return "calling"
	case StatusIncoming:
		return "incoming"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	}
	return "unknown"
}

const maxRetries = 2

const (
	msgTimedOut       = "Call timed out."
	msgConnectionLost = "Connection lost."
	msgEnded          = "Call ended."
)

// Ctx identifies the call a non-idle machine is part of.
type Ctx struct {
	ConversationID string
	PeerUserID     string
	IsCaller       bool
}

// Machine is the complete negotiation state. It is a value: Transition
// returns a new Machine and never mutates its input.
type Machine struct {
	Status Status
	Ctx    Ctx

	// PendingOffer holds the remote SDP while the call waits for the local
	// user to accept.
	PendingOffer string

	Retries int
	Muted   bool

	// Err carries the reason the last call ended, for display. Cleared when
	// a new call starts.
	Err string
}

// Event is the closed set of inputs the machine reacts to.
type Event interface{ callEvent() }

type (
	// Local user actions.
	EvStartCall struct {
		ConversationID string
		PeerUserID     string
	}
	EvAccept     struct{}
	EvReject     struct{}
	EvHangup     struct{}
	EvToggleMute struct{}

	// Remote signaling.
	EvRemoteOffer struct {
		ConversationID string
		FromUserID     string
		SDP            string
	}
	EvRemoteAnswer struct {
		SDP string
	}
	EvRemoteCandidate struct {
		Candidate json.RawMessage
	}
	EvRemoteHangup struct{}

	// Transport and timer.
	EvConnected       struct{}
	EvTransportFailed struct{}
	EvTimeout         struct{}
)

func (EvStartCall) callEvent()       {}
func (EvAccept) callEvent()          {}
func (EvReject) callEvent()          {}
func (EvHangup) callEvent()          {}
func (EvToggleMute) callEvent()      {}
func (EvRemoteOffer) callEvent()     {}
func (EvRemoteAnswer) callEvent()    {}
func (EvRemoteCandidate) callEvent() {}
func (EvRemoteHangup) callEvent()    {}
func (EvConnected) callEvent()       {}
func (EvTransportFailed) callEvent() {}
func (EvTimeout) callEvent()         {}

// Effect is the closed set of side effects a transition requests. The
// driver executes them in order.
type Effect interface{ callEffect() }

type (
	EffAcquireMedia struct{}
	EffCreateOffer  struct {
		ICERestart bool
	}
	EffCreateAnswer struct {
		RemoteSDP string
	}
	EffApplyAnswer struct {
		SDP string
	}
	EffAddCandidate struct {
		Candidate json.RawMessage
	}
	EffStartTimer struct{}
	EffStopTimer  struct{}

	// EffNotifyHangup tells the peer the call is over. Carries the target
	// explicitly because a busy-reject addresses a peer outside Ctx.
	EffNotifyHangup struct {
		ConversationID string
		ToUserID       string
	}
	EffTeardown struct{}
	EffSetMuted struct {
		Muted bool
	}
)

func (EffAcquireMedia) callEffect() {}
func (EffCreateOffer) callEffect()  {}
func (EffCreateAnswer) callEffect() {}
func (EffApplyAnswer) callEffect()  {}
func (EffAddCandidate) callEffect() {}
func (EffStartTimer) callEffect()   {}
func (EffStopTimer) callEffect()    {}
func (EffNotifyHangup) callEffect() {}
func (EffTeardown) callEffect()     {}
func (EffSetMuted) callEffect()     {}

// Transition is the whole protocol. Unlisted (state, event) pairs are
// ignored: the machine stays put and requests nothing, so stray or replayed
// signals can never corrupt a call.
func Transition(m Machine, ev Event) (Machine, []Effect) {
	switch ev := ev.(type) {
	case EvStartCall:
		if m.Status != StatusIdle {
			return m, nil
		}
		next := Machine{
			Status: StatusCalling,
			Ctx:    Ctx{ConversationID: ev.ConversationID, PeerUserID: ev.PeerUserID, IsCaller: true},
		}
		return next, []Effect{EffAcquireMedia{}, EffCreateOffer{}, EffStartTimer{}}

	case EvRemoteOffer:
		if m.Status != StatusIdle {
			// Busy: decline the new caller without disturbing the
			// current call.
			return m, []Effect{EffNotifyHangup{
				ConversationID: ev.ConversationID,
				ToUserID:       ev.FromUserID,
			}}
		}
		next := Machine{
			Status:       StatusIncoming,
			Ctx:          Ctx{ConversationID: ev.ConversationID, PeerUserID: ev.FromUserID},
			PendingOffer: ev.SDP,
		}
		return next, []Effect{EffStartTimer{}}

	case EvAccept:
		if m.Status != StatusIncoming {
			return m, nil
		}
		offer := m.PendingOffer
		next := m
		next.Status = StatusConnecting
		next.PendingOffer = ""
		return next, []Effect{EffAcquireMedia{}, EffCreateAnswer{RemoteSDP: offer}, EffStartTimer{}}

	case EvReject:
		if m.Status != StatusIncoming {
			return m, nil
		}
		// User-initiated: no error to surface, same as a deliberate hangup.
		return end(""), []Effect{
			EffStopTimer{},
			EffNotifyHangup{ConversationID: m.Ctx.ConversationID, ToUserID: m.Ctx.PeerUserID},
			EffTeardown{},
		}

	case EvRemoteAnswer:
		if m.Status != StatusCalling {
			return m, nil
		}
		next := m
		next.Status = StatusConnecting
		return next, []Effect{EffApplyAnswer{SDP: ev.SDP}, EffStartTimer{}}

	case EvRemoteCandidate:
		// Candidates only make sense once a local description exists. In
		// incoming the answer has not been created yet, so they are dropped
		// and the peer's continued trickle after accept converges anyway.
		switch m.Status {
		case StatusCalling, StatusConnecting, StatusConnected:
			return m, []Effect{EffAddCandidate{Candidate: ev.Candidate}}
		}
		return m, nil

	case EvConnected:
		if m.Status != StatusConnecting {
			return m, nil
		}
		next := m
		next.Status = StatusConnected
		next.Retries = 0
		return next, []Effect{EffStopTimer{}}

	case EvTransportFailed:
		switch m.Status {
		case StatusCalling, StatusConnecting, StatusConnected:
		default:
			return m, nil
		}
		// Only the caller restarts ICE; a single side must own the new
		// offer or both produce one. Before an answer arrives there is no
		// session to restart, so a failure while calling is terminal.
		if m.Status != StatusCalling && m.Ctx.IsCaller && m.Retries < maxRetries {
			next := m
			next.Status = StatusConnecting
			next.Retries++
			return next, []Effect{EffCreateOffer{ICERestart: true}, EffStartTimer{}}
		}
		return end(msgConnectionLost), []Effect{
			EffStopTimer{},
			EffNotifyHangup{ConversationID: m.Ctx.ConversationID, ToUserID: m.Ctx.PeerUserID},
			EffTeardown{},
		}

	case EvTimeout:
		switch m.Status {
		case StatusCalling, StatusIncoming, StatusConnecting:
		default:
			return m, nil
		}
		return end(msgTimedOut), []Effect{
			EffNotifyHangup{ConversationID: m.Ctx.ConversationID, ToUserID: m.Ctx.PeerUserID},
			EffTeardown{},
		}

	case EvHangup:
		if m.Status == StatusIdle {
			return m, nil
		}
		return end(""), []Effect{
			EffStopTimer{},
			EffNotifyHangup{ConversationID: m.Ctx.ConversationID, ToUserID: m.Ctx.PeerUserID},
			EffTeardown{},
		}

	case EvRemoteHangup:
		if m.Status == StatusIdle {
			return m, nil
		}
		// No hangup echo back: the peer already knows.
		return end(msgEnded), []Effect{EffStopTimer{}, EffTeardown{}}

	case EvToggleMute:
		switch m.Status {
		case StatusConnecting, StatusConnected:
		default:
			return m, nil
		}
		next := m
		next.Muted = !m.Muted
		return next, []Effect{EffSetMuted{Muted: next.Muted}}
	}

	return m, nil
}

func end(reason string) Machine {
	return Machine{Status: StatusIdle, Err: reason}
}
