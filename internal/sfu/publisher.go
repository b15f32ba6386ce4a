package sfu

import (
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/alxayo/go-rts/internal/errors"
)

// rtpReader is the read half of an inbound media track. *webrtc.TrackRemote
// satisfies it.
type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// rtpWriter is the write half of an outbound media track.
// *webrtc.TrackLocalStaticRTP satisfies it.
type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
}

// copyRTP moves packets from an inbound track onto the shared outbound track
// until the source fails or alive reports the connection left its working
// state. Packets pass through in arrival order, so every peer bound to the
// destination observes the same sequence.
func copyRTP(log *slog.Logger, src rtpReader, dst rtpWriter, alive func() bool) {
	var n uint64
	for alive() {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			log.Debug("media pipe source closed", "packets", n, "error", err)
			return
		}
		if err := dst.WriteRTP(pkt); err != nil {
			log.Debug("media pipe sink closed", "packets", n, "error", err)
			return
		}
		n++
	}
	log.Debug("media pipe stopped", "packets", n)
}

// Publisher is the ingest leg of a live stream: the peer connection facing the
// operator's microphone. Inbound audio is piped onto the stream's shared local
// track, which every Forwarder serves from.
type Publisher struct {
	pc       *webrtc.PeerConnection
	operator Sender
	track    *webrtc.TrackLocalStaticRTP
	log      *slog.Logger

	closeOnce sync.Once
}

// newPublisher builds the ingest peer connection. Local candidates are batched
// and pushed to the operator as a single ices message once gathering finishes;
// onDown fires when the connection fails or closes underneath us.
func newPublisher(api *webrtc.API, cfg webrtc.Configuration, operatorID int, operator Sender, track *webrtc.TrackLocalStaticRTP, onDown func()) (*Publisher, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, errors.NewMedia("sfu.publisher_create", err)
	}
	p := &Publisher{
		pc:       pc,
		operator: operator,
		track:    track,
		log:      slog.Default().With("component", "sfu.publisher", "operator_id", operatorID),
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, errors.NewMedia("sfu.publisher_transceiver", err)
	}

	batchICECandidates(pc, operator, p.log)

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			p.log.Debug("ignoring non-audio track", "kind", remote.Kind().String())
			return
		}
		p.log.Info("publisher track up",
			"codec", remote.Codec().MimeType,
			"ssrc", uint32(remote.SSRC()))
		go copyRTP(p.log, remote, track, func() bool {
			return pc.ConnectionState() == webrtc.PeerConnectionStateConnected
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("publisher state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			onDown()
		}
	})

	return p, nil
}

// Ingest applies the operator's offer and produces the answer to send back.
// The remote description is set here, before the answer leaves, so candidate
// batches that race ahead of the answer still find it in place.
func (p *Publisher) Ingest(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, errors.NewMedia("sfu.publisher_offer", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.NewMedia("sfu.publisher_answer", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, errors.NewMedia("sfu.publisher_answer", err)
	}
	return answer, nil
}

// AddICES installs the operator's candidate batch.
func (p *Publisher) AddICES(icesText string) error {
	return applyRemoteICES(p.pc, icesText)
}

// Close tears down the ingest connection. The shared track is owned by the
// stream and survives until the stream itself closes.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		if err := p.pc.Close(); err != nil {
			p.log.Debug("publisher close", "error", err)
		}
	})
}
