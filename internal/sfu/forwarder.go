package sfu

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/rts/wire"
)

// Forwarder is one distribution leg of a live stream: a peer connection that
// serves the stream's shared track to a single endpoint. Each failure event
// triggers onFailed exactly once; the stream replaces the forwarder with a
// fresh one rather than renegotiating in place.
type Forwarder struct {
	uid      string
	pc       *webrtc.PeerConnection
	endpoint Sender
	log      *slog.Logger

	failed    atomic.Bool
	closeOnce sync.Once
}

// newForwarder builds a distribution peer connection carrying track. Local
// candidates go to the endpoint as one ices batch; onFailed fires once if the
// connection fails.
func newForwarder(api *webrtc.API, cfg webrtc.Configuration, operatorID int, uid string, endpoint Sender, track *webrtc.TrackLocalStaticRTP, onFailed func(uid string)) (*Forwarder, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, errors.NewMedia("sfu.forwarder_create", err)
	}
	f := &Forwarder{
		uid:      uid,
		pc:       pc,
		endpoint: endpoint,
		log:      logger(operatorID, uid),
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, errors.NewMedia("sfu.forwarder_track", err)
	}
	drainRTCP(sender)

	batchICECandidates(pc, endpoint, f.log)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		f.log.Debug("forwarder state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed && f.failed.CompareAndSwap(false, true) {
			onFailed(uid)
		}
	})

	return f, nil
}

func logger(operatorID int, uid string) *slog.Logger {
	return slog.Default().With("component", "sfu.forwarder",
		"operator_id", operatorID, "unique_id", uid)
}

// Start creates the offer, pins it as the local description and sends it to
// the endpoint. The offer always leaves before SetAnswer can see the reply, so
// each negotiation observes its own pair.
func (f *Forwarder) Start() error {
	offer, err := f.pc.CreateOffer(nil)
	if err != nil {
		return errors.NewMedia("sfu.forwarder_offer", err)
	}
	if err := f.pc.SetLocalDescription(offer); err != nil {
		return errors.NewMedia("sfu.forwarder_offer", err)
	}
	text, err := encodeSDP(&offer)
	if err != nil {
		return errors.NewMedia("sfu.forwarder_offer", err)
	}
	if err := f.endpoint.Write(wire.EventOffer, wire.Offer{Offer: text}); err != nil {
		return errors.NewMedia("sfu.forwarder_offer", err)
	}
	return nil
}

// SetAnswer applies the endpoint's answer.
func (f *Forwarder) SetAnswer(answer webrtc.SessionDescription) error {
	if err := f.pc.SetRemoteDescription(answer); err != nil {
		return errors.NewMedia("sfu.forwarder_answer", err)
	}
	return nil
}

// AddICES installs the endpoint's candidate batch.
func (f *Forwarder) AddICES(icesText string) error {
	return applyRemoteICES(f.pc, icesText)
}

// Disconnect tells the endpoint to stop playback, then closes the peer
// connection. Safe to call more than once.
func (f *Forwarder) Disconnect() {
	f.closeOnce.Do(func() {
		if err := f.endpoint.Write(wire.EventStreamClose, nil); err != nil {
			f.log.Debug("stream close not delivered", "error", err)
		}
		if err := f.pc.Close(); err != nil {
			f.log.Debug("forwarder close", "error", err)
		}
	})
}
