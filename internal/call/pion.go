package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaSource supplies encoded Opus samples for the outgoing audio track.
// Nil source means receive-only.
type MediaSource interface {
	ReadSample() (media.Sample, error)
	Close() error
}

type PionConfig struct {
	ICEServers []webrtc.ICEServer
	Source     MediaSource
}

// PionTransport is the production Transport on a pion PeerConnection.
type PionTransport struct {
	pc     *webrtc.PeerConnection
	source MediaSource
	events TransportEvents

	muted  atomic.Bool
	closed chan struct{}
	once   sync.Once
}

// NewPionTransport builds the peer connection. Generous ICE timeouts: the
// default 5s disconnected timeout drops calls over relay paths that hiccup
// during failover, and the machine's own timer already bounds how long a
// dead call can linger.
func NewPionTransport(cfg PionConfig, events TransportEvents) (*PionTransport, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	t := &PionTransport{
		pc:     pc,
		source: cfg.Source,
		events: events,
		closed: make(chan struct{}),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || events.OnCandidate == nil {
			return
		}
		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		events.OnCandidate(payload)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if events.OnConnected != nil {
				events.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			// Disconnected is deliberately not failure: ICE recovers from
			// short outages on its own within the extended timeouts.
			if events.OnFailed != nil {
				events.OnFailed()
			}
		}
	})

	return t, nil
}

func (t *PionTransport) AcquireMedia(_ context.Context) error {
	if t.source == nil {
		_, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		return err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "chatwire",
	)
	if err != nil {
		return err
	}
	if _, err := t.pc.AddTrack(track); err != nil {
		return err
	}

	go t.pumpSamples(track)
	return nil
}

// pumpSamples feeds the outgoing track. Mute keeps the pacing but replaces
// payloads with silence so the RTP stream (and the peer's jitter buffer)
// stays alive.
func (t *PionTransport) pumpSamples(track *webrtc.TrackLocalStaticSample) {
	silence := []byte{0xf8, 0xff, 0xfe} // empty opus frame

	for {
		select {
		case <-t.closed:
			return
		default:
		}

		sample, err := t.source.ReadSample()
		if err != nil {
			return
		}
		if t.muted.Load() {
			sample.Data = silence
		}
		if err := track.WriteSample(sample); err != nil {
			return
		}
	}
}

func (t *PionTransport) CreateOffer(_ context.Context, iceRestart bool) (string, error) {
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{
		OfferAnswerOptions: webrtc.OfferAnswerOptions{},
		ICERestart:         iceRestart,
	})
	if err != nil {
		return "", err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	// Trickle: the SDP goes out immediately, candidates follow over the
	// relay as they are gathered.
	return offer.SDP, nil
}

func (t *PionTransport) CreateAnswer(_ context.Context, remoteSDP string) (string, error) {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteSDP,
	}); err != nil {
		return "", err
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (t *PionTransport) ApplyAnswer(_ context.Context, sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (t *PionTransport) AddCandidate(_ context.Context, candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return err
	}
	if t.pc.RemoteDescription() == nil {
		return errors.New("no remote description")
	}
	return t.pc.AddICECandidate(init)
}

func (t *PionTransport) SetMuted(muted bool) error {
	t.muted.Store(muted)
	return nil
}

func (t *PionTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)
	})
	if t.source != nil {
		_ = t.source.Close()
	}
	return t.pc.Close()
}
