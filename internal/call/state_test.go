package call

import (
	"reflect"
	"testing"

	"github.com/goccy/go-json"
)

func mustTransition(t *testing.T, m Machine, ev Event, want Status) (Machine, []Effect) {
	t.Helper()
	next, effects := Transition(m, ev)
	if next.Status != want {
		t.Fatalf("after %T: status = %s, want %s", ev, next.Status, want)
	}
	return next, effects
}

func hasEffect[E Effect](effects []Effect) bool {
	for _, eff := range effects {
		if _, ok := eff.(E); ok {
			return true
		}
	}
	return false
}

func TestCallerHappyPath(t *testing.T) {
	m := Machine{}

	m, effects := mustTransition(t, m, EvStartCall{ConversationID: "c1", PeerUserID: "bob"}, StatusCalling)
	if !m.Ctx.IsCaller || m.Ctx.PeerUserID != "bob" || m.Ctx.ConversationID != "c1" {
		t.Fatalf("bad call context %+v", m.Ctx)
	}
	want := []Effect{EffAcquireMedia{}, EffCreateOffer{}, EffStartTimer{}}
	if !reflect.DeepEqual(effects, want) {
		t.Fatalf("start effects = %#v", effects)
	}

	m, effects = mustTransition(t, m, EvRemoteAnswer{SDP: "v=0 answer"}, StatusConnecting)
	if !reflect.DeepEqual(effects[0], (EffApplyAnswer{SDP: "v=0 answer"})) {
		t.Fatalf("answer effects = %#v", effects)
	}

	cand := json.RawMessage(`{"candidate":"host"}`)
	_, effects = Transition(m, EvRemoteCandidate{Candidate: cand})
	if !reflect.DeepEqual(effects, []Effect{EffAddCandidate{Candidate: cand}}) {
		t.Fatalf("candidate effects = %#v", effects)
	}

	m, effects = mustTransition(t, m, EvConnected{}, StatusConnected)
	if !hasEffect[EffStopTimer](effects) {
		t.Fatal("connect should stop the timer")
	}

	m, effects = mustTransition(t, m, EvHangup{}, StatusIdle)
	if !hasEffect[EffNotifyHangup](effects) || !hasEffect[EffTeardown](effects) {
		t.Fatalf("hangup effects = %#v", effects)
	}
	if m.Err != "" {
		t.Fatalf("deliberate hangup should not set an error, got %q", m.Err)
	}
}

func TestCalleeHappyPath(t *testing.T) {
	m := Machine{}

	m, effects := mustTransition(t, m, EvRemoteOffer{ConversationID: "c1", FromUserID: "alice", SDP: "v=0 offer"}, StatusIncoming)
	if m.Ctx.IsCaller {
		t.Fatal("callee must not be marked caller")
	}
	if m.PendingOffer != "v=0 offer" {
		t.Fatalf("pending offer = %q", m.PendingOffer)
	}
	if !reflect.DeepEqual(effects, []Effect{EffStartTimer{}}) {
		t.Fatalf("offer effects = %#v", effects)
	}

	m, effects = mustTransition(t, m, EvAccept{}, StatusConnecting)
	if m.PendingOffer != "" {
		t.Fatal("pending offer should be consumed on accept")
	}
	want := []Effect{EffAcquireMedia{}, EffCreateAnswer{RemoteSDP: "v=0 offer"}, EffStartTimer{}}
	if !reflect.DeepEqual(effects, want) {
		t.Fatalf("accept effects = %#v", effects)
	}

	mustTransition(t, m, EvConnected{}, StatusConnected)
}

func TestRejectIncoming(t *testing.T) {
	m, _ := Transition(Machine{}, EvRemoteOffer{ConversationID: "c1", FromUserID: "alice", SDP: "x"})

	m, effects := mustTransition(t, m, EvReject{}, StatusIdle)
	if m.Err != "" {
		t.Fatalf("user-initiated reject should not surface an error, got %q", m.Err)
	}
	if !hasEffect[EffNotifyHangup](effects) || !hasEffect[EffTeardown](effects) {
		t.Fatalf("reject effects = %#v", effects)
	}
}

func TestBusyDeclinesSecondOffer(t *testing.T) {
	m, _ := Transition(Machine{}, EvStartCall{ConversationID: "c1", PeerUserID: "bob"})

	next, effects := Transition(m, EvRemoteOffer{ConversationID: "c2", FromUserID: "mallory", SDP: "x"})
	if !reflect.DeepEqual(next, m) {
		t.Fatalf("busy offer changed state: %+v", next)
	}
	want := []Effect{EffNotifyHangup{ConversationID: "c2", ToUserID: "mallory"}}
	if !reflect.DeepEqual(effects, want) {
		t.Fatalf("busy effects = %#v", effects)
	}
}

func TestStartWhileBusyIgnored(t *testing.T) {
	m, _ := Transition(Machine{}, EvStartCall{ConversationID: "c1", PeerUserID: "bob"})

	next, effects := Transition(m, EvStartCall{ConversationID: "c2", PeerUserID: "carol"})
	if !reflect.DeepEqual(next, m) || effects != nil {
		t.Fatalf("second start must be inert, got %+v / %#v", next, effects)
	}
}

func TestTimeoutEndsPendingStates(t *testing.T) {
	calling, _ := Transition(Machine{}, EvStartCall{ConversationID: "c1", PeerUserID: "bob"})
	incoming, _ := Transition(Machine{}, EvRemoteOffer{ConversationID: "c1", FromUserID: "alice", SDP: "x"})
	connecting, _ := Transition(calling, EvRemoteAnswer{SDP: "a"})

	for _, m := range []Machine{calling, incoming, connecting} {
		next, effects := Transition(m, EvTimeout{})
		if next.Status != StatusIdle || next.Err != msgTimedOut {
			t.Fatalf("from %s: got %s err=%q", m.Status, next.Status, next.Err)
		}
		if !hasEffect[EffNotifyHangup](effects) || !hasEffect[EffTeardown](effects) {
			t.Fatalf("from %s: timeout effects = %#v", m.Status, effects)
		}
	}

	// An established call has no timer; a stale fire is inert.
	connected, _ := Transition(connecting, EvConnected{})
	next, effects := Transition(connected, EvTimeout{})
	if next.Status != StatusConnected || effects != nil {
		t.Fatalf("timeout in connected: %s / %#v", next.Status, effects)
	}
}

func TestCallerRetriesICEThenGivesUp(t *testing.T) {
	m, _ := Transition(Machine{}, EvStartCall{ConversationID: "c1", PeerUserID: "bob"})
	m, _ = Transition(m, EvRemoteAnswer{SDP: "a"})
	m, _ = Transition(m, EvConnected{})

	for attempt := 1; attempt <= maxRetries; attempt++ {
		next, effects := Transition(m, EvTransportFailed{})
		if next.Status != StatusConnecting || next.Retries != attempt {
			t.Fatalf("attempt %d: status=%s retries=%d", attempt, next.Status, next.Retries)
		}
		want := []Effect{EffCreateOffer{ICERestart: true}, EffStartTimer{}}
		if !reflect.DeepEqual(effects, want) {
			t.Fatalf("attempt %d effects = %#v", attempt, effects)
		}
		m = next
	}

	next, effects := Transition(m, EvTransportFailed{})
	if next.Status != StatusIdle || next.Err != msgConnectionLost {
		t.Fatalf("after retries: status=%s err=%q", next.Status, next.Err)
	}
	if !hasEffect[EffNotifyHangup](effects) {
		t.Fatalf("exhausted retry effects = %#v", effects)
	}
}

func TestFailureWhileCallingIsTerminal(t *testing.T) {
	m, _ := Transition(Machine{}, EvStartCall{ConversationID: "c1", PeerUserID: "bob"})

	next, effects := Transition(m, EvTransportFailed{})
	if next.Status != StatusIdle || next.Err != msgConnectionLost {
		t.Fatalf("failure while calling: status=%s err=%q", next.Status, next.Err)
	}
	if hasEffect[EffCreateOffer](effects) {
		t.Fatal("no restart offer exists before an answer")
	}
}

func TestRetryCounterResetsOnReconnect(t *testing.T) {
	m, _ := Transition(Machine{}, EvStartCall{ConversationID: "c1", PeerUserID: "bob"})
	m, _ = Transition(m, EvRemoteAnswer{SDP: "a"})
	m, _ = Transition(m, EvConnected{})
	m, _ = Transition(m, EvTransportFailed{})

	m, _ = Transition(m, EvConnected{})
	if m.Retries != 0 {
		t.Fatalf("reconnect should reset retries, got %d", m.Retries)
	}
}

func TestCalleeNeverRestartsICE(t *testing.T) {
	m, _ := Transition(Machine{}, EvRemoteOffer{ConversationID: "c1", FromUserID: "alice", SDP: "x"})
	m, _ = Transition(m, EvAccept{})
	m, _ = Transition(m, EvConnected{})

	next, effects := Transition(m, EvTransportFailed{})
	if next.Status != StatusIdle || next.Err != msgConnectionLost {
		t.Fatalf("callee failure: status=%s err=%q", next.Status, next.Err)
	}
	if hasEffect[EffCreateOffer](effects) {
		t.Fatal("callee must not produce a restart offer")
	}
}

func TestRemoteHangupDoesNotEcho(t *testing.T) {
	m, _ := Transition(Machine{}, EvStartCall{ConversationID: "c1", PeerUserID: "bob"})
	m, _ = Transition(m, EvRemoteAnswer{SDP: "a"})
	m, _ = Transition(m, EvConnected{})

	next, effects := Transition(m, EvRemoteHangup{})
	if next.Status != StatusIdle || next.Err != msgEnded {
		t.Fatalf("remote hangup: status=%s err=%q", next.Status, next.Err)
	}
	if hasEffect[EffNotifyHangup](effects) {
		t.Fatal("remote hangup must not be echoed back")
	}
	if !hasEffect[EffTeardown](effects) {
		t.Fatalf("remote hangup effects = %#v", effects)
	}
}

func TestCandidatesDroppedWhileIncoming(t *testing.T) {
	m, _ := Transition(Machine{}, EvRemoteOffer{ConversationID: "c1", FromUserID: "alice", SDP: "x"})

	next, effects := Transition(m, EvRemoteCandidate{Candidate: json.RawMessage(`{}`)})
	if effects != nil {
		t.Fatalf("incoming candidates must be dropped, got %#v", effects)
	}
	if next.Status != StatusIncoming {
		t.Fatalf("status = %s", next.Status)
	}
}

func TestMuteToggle(t *testing.T) {
	m, _ := Transition(Machine{}, EvStartCall{ConversationID: "c1", PeerUserID: "bob"})
	m, _ = Transition(m, EvRemoteAnswer{SDP: "a"})
	m, _ = Transition(m, EvConnected{})

	m, effects := Transition(m, EvToggleMute{})
	if !m.Muted || !reflect.DeepEqual(effects, []Effect{EffSetMuted{Muted: true}}) {
		t.Fatalf("mute: %+v / %#v", m, effects)
	}

	m, effects = Transition(m, EvToggleMute{})
	if m.Muted || !reflect.DeepEqual(effects, []Effect{EffSetMuted{Muted: false}}) {
		t.Fatalf("unmute: %+v / %#v", m, effects)
	}

	// Mute has no meaning outside an active call.
	idle := Machine{}
	next, effects := Transition(idle, EvToggleMute{})
	if next.Muted || effects != nil {
		t.Fatalf("idle mute must be inert, got %+v / %#v", next, effects)
	}
}

func TestIdleIgnoresStraySignals(t *testing.T) {
	idle := Machine{}
	for _, ev := range []Event{
		EvRemoteAnswer{SDP: "a"},
		EvRemoteCandidate{Candidate: json.RawMessage(`{}`)},
		EvRemoteHangup{},
		EvTimeout{},
		EvTransportFailed{},
		EvAccept{},
		EvReject{},
		EvHangup{},
		EvConnected{},
	} {
		next, effects := Transition(idle, ev)
		if next.Status != StatusIdle || effects != nil {
			t.Fatalf("%T: idle machine moved to %s with effects %#v", ev, next.Status, effects)
		}
	}
}
