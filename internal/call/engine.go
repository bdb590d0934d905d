package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// ErrCallInProgress is returned by StartCall while another call occupies the
// session. At most one call per session, ever.
var ErrCallInProgress = errors.New("call already in progress")

const defaultNegotiationTimeout = 30 * time.Second

// Transport is the media side of a call: a peer connection plus local
// capture. One Transport instance lives for one call; Teardown closes it and
// the next call gets a fresh one from the factory.
type Transport interface {
	AcquireMedia(ctx context.Context) error
	CreateOffer(ctx context.Context, iceRestart bool) (sdp string, err error)
	CreateAnswer(ctx context.Context, remoteSDP string) (sdp string, err error)
	ApplyAnswer(ctx context.Context, sdp string) error
	AddCandidate(ctx context.Context, candidate json.RawMessage) error
	SetMuted(muted bool) error
	Close() error
}

// TransportEvents are the callbacks a Transport fires from its own
// goroutines. The engine serializes them into machine events. They must not
// be invoked synchronously from within a Transport method call, which would
// deadlock the engine.
type TransportEvents struct {
	OnCandidate func(candidate json.RawMessage)
	OnConnected func()
	OnFailed    func()
}

type TransportFactory func(events TransportEvents) (Transport, error)

// Signaler carries negotiation messages to the peer. The realtime client
// implements it over the gateway's call relay.
type Signaler interface {
	SendOffer(ctx context.Context, conversationID, toUserID, sdp string) error
	SendAnswer(ctx context.Context, conversationID, toUserID, sdp string) error
	SendCandidate(ctx context.Context, conversationID, toUserID string, candidate json.RawMessage) error
	SendHangup(ctx context.Context, conversationID, toUserID string) error
}

// Engine drives the negotiation machine. All entry points, local user
// actions, inbound signals, transport callbacks and timer fires, funnel
// through one mutex, so the machine only ever sees a serialized event
// stream.
type Engine struct {
	mu sync.Mutex
	m  Machine

	transport    Transport
	newTransport TransportFactory
	signaler     Signaler

	timeout  time.Duration
	timer    *time.Timer
	timerGen int

	onChange func(Machine)
	logger   *slog.Logger
}

type EngineOpts struct {
	Transport TransportFactory
	Signaler  Signaler

	// Timeout bounds every pending negotiation phase. Zero means the
	// default of 30 seconds.
	Timeout time.Duration

	// OnChange observes every state change with a snapshot. Called without
	// the engine lock held; reentrant engine calls are safe.
	OnChange func(Machine)

	Logger *slog.Logger
}

func NewEngine(opts EngineOpts) *Engine {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultNegotiationTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		newTransport: opts.Transport,
		signaler:     opts.Signaler,
		timeout:      timeout,
		onChange:     opts.OnChange,
		logger:       logger,
	}
}

// State returns a snapshot of the machine.
func (e *Engine) State() Machine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m
}

// StartCall begins an outgoing call. Unlike every other entry point it
// reports rejection explicitly, so a UI can tell the user why nothing
// happened.
func (e *Engine) StartCall(ctx context.Context, conversationID, peerUserID string) error {
	e.mu.Lock()
	if e.m.Status != StatusIdle {
		e.mu.Unlock()
		return ErrCallInProgress
	}
	e.applyLocked(ctx, EvStartCall{ConversationID: conversationID, PeerUserID: peerUserID})
	e.unlockAndNotify()
	return nil
}

func (e *Engine) Accept(ctx context.Context)     { e.dispatch(ctx, EvAccept{}) }
func (e *Engine) Reject(ctx context.Context)     { e.dispatch(ctx, EvReject{}) }
func (e *Engine) Hangup(ctx context.Context)     { e.dispatch(ctx, EvHangup{}) }
func (e *Engine) ToggleMute(ctx context.Context) { e.dispatch(ctx, EvToggleMute{}) }

// HandleOffer feeds an inbound call:offer relay into the machine.
func (e *Engine) HandleOffer(ctx context.Context, conversationID, fromUserID, sdp string) {
	e.dispatch(ctx, EvRemoteOffer{ConversationID: conversationID, FromUserID: fromUserID, SDP: sdp})
}

func (e *Engine) HandleAnswer(ctx context.Context, sdp string) {
	e.dispatch(ctx, EvRemoteAnswer{SDP: sdp})
}

func (e *Engine) HandleCandidate(ctx context.Context, candidate json.RawMessage) {
	e.dispatch(ctx, EvRemoteCandidate{Candidate: candidate})
}

func (e *Engine) HandleRemoteHangup(ctx context.Context) {
	e.dispatch(ctx, EvRemoteHangup{})
}

func (e *Engine) dispatch(ctx context.Context, ev Event) {
	e.mu.Lock()
	e.applyLocked(ctx, ev)
	e.unlockAndNotify()
}

func (e *Engine) unlockAndNotify() {
	snapshot := e.m
	onChange := e.onChange
	e.mu.Unlock()
	if onChange != nil {
		onChange(snapshot)
	}
}

// applyLocked runs the machine and executes the requested effects. An effect
// failure surfaces as a follow-up event on a queue rather than recursion, so
// a failing offer while handling a failure cannot blow the stack.
func (e *Engine) applyLocked(ctx context.Context, ev Event) {
	queue := []Event{ev}
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]

		next, effects := Transition(e.m, ev)
		e.m = next

		for _, eff := range effects {
			if follow := e.executeLocked(ctx, eff); follow != nil {
				// Later effects of this transition depend on the failed
				// one; skip them and let the failure event decide.
				queue = append(queue, follow)
				break
			}
		}
	}
}

func (e *Engine) executeLocked(ctx context.Context, eff Effect) Event {
	switch eff := eff.(type) {
	case EffAcquireMedia:
		if e.transport == nil {
			transport, err := e.newTransport(e.transportEvents())
			if err != nil {
				e.logger.Error("transport create failed", "error", err)
				return EvTransportFailed{}
			}
			e.transport = transport
		}
		if err := e.transport.AcquireMedia(ctx); err != nil {
			e.logger.Error("media acquire failed", "error", err)
			return EvTransportFailed{}
		}

	case EffCreateOffer:
		sdp, err := e.transport.CreateOffer(ctx, eff.ICERestart)
		if err != nil {
			e.logger.Error("offer create failed", "ice_restart", eff.ICERestart, "error", err)
			return EvTransportFailed{}
		}
		if err := e.signaler.SendOffer(ctx, e.m.Ctx.ConversationID, e.m.Ctx.PeerUserID, sdp); err != nil {
			e.logger.Error("offer send failed", "error", err)
			return EvTransportFailed{}
		}

	case EffCreateAnswer:
		sdp, err := e.transport.CreateAnswer(ctx, eff.RemoteSDP)
		if err != nil {
			e.logger.Error("answer create failed", "error", err)
			return EvTransportFailed{}
		}
		if err := e.signaler.SendAnswer(ctx, e.m.Ctx.ConversationID, e.m.Ctx.PeerUserID, sdp); err != nil {
			e.logger.Error("answer send failed", "error", err)
			return EvTransportFailed{}
		}

	case EffApplyAnswer:
		if err := e.transport.ApplyAnswer(ctx, eff.SDP); err != nil {
			e.logger.Error("answer apply failed", "error", err)
			return EvTransportFailed{}
		}

	case EffAddCandidate:
		if err := e.transport.AddCandidate(ctx, eff.Candidate); err != nil {
			// Individual candidates may legitimately fail; others will
			// still converge.
			e.logger.Debug("candidate apply failed", "error", err)
		}

	case EffStartTimer:
		e.startTimerLocked()

	case EffStopTimer:
		e.stopTimerLocked()

	case EffNotifyHangup:
		if err := e.signaler.SendHangup(ctx, eff.ConversationID, eff.ToUserID); err != nil {
			e.logger.Warn("hangup send failed", "error", err)
		}

	case EffTeardown:
		e.stopTimerLocked()
		if e.transport != nil {
			if err := e.transport.Close(); err != nil {
				e.logger.Warn("transport close failed", "error", err)
			}
			e.transport = nil
		}

	case EffSetMuted:
		if e.transport != nil {
			if err := e.transport.SetMuted(eff.Muted); err != nil {
				e.logger.Warn("mute toggle failed", "error", err)
			}
		}
	}
	return nil
}

func (e *Engine) startTimerLocked() {
	e.stopTimerLocked()
	e.timerGen++
	gen := e.timerGen
	e.timer = time.AfterFunc(e.timeout, func() {
		e.timeoutFired(gen)
	})
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	// Generation bump invalidates a fire already in flight.
	e.timerGen++
}

func (e *Engine) timeoutFired(gen int) {
	e.mu.Lock()
	if gen != e.timerGen {
		e.mu.Unlock()
		return
	}
	e.applyLocked(context.Background(), EvTimeout{})
	e.unlockAndNotify()
}

// transportEvents bridges transport callbacks into the event stream.
// Candidates go straight to the peer; trickle does not pass through the
// machine because no state depends on outbound candidates.
func (e *Engine) transportEvents() TransportEvents {
	return TransportEvents{
		OnCandidate: func(candidate json.RawMessage) {
			e.mu.Lock()
			target := e.m.Ctx
			active := e.m.Status != StatusIdle
			e.mu.Unlock()
			if !active {
				return
			}
			if err := e.signaler.SendCandidate(context.Background(), target.ConversationID, target.PeerUserID, candidate); err != nil {
				e.logger.Debug("candidate send failed", "error", err)
			}
		},
		OnConnected: func() {
			e.dispatch(context.Background(), EvConnected{})
		},
		OnFailed: func() {
			e.dispatch(context.Background(), EvTransportFailed{})
		},
	}
}
