package sfu

import (
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/rts/wire"
)

// RTPSink is where a Consumer delivers received audio, packet by packet in
// arrival order. Close stops playback and releases the device.
type RTPSink interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// Consumer is the endpoint side of a live stream: it answers the server's
// offer and pipes the received track into a playback sink. One consumer
// serves one stream; a replacement offer gets a fresh consumer.
type Consumer struct {
	pc     *webrtc.PeerConnection
	server Sender
	sink   RTPSink
	log    *slog.Logger

	closeOnce sync.Once
}

// NewConsumer builds the receive-side peer connection. Local candidates are
// batched into a single ices message to the server once gathering completes.
// The sink is closed when the consumer closes or the connection fails.
func NewConsumer(turn wire.Turn, server Sender, sink RTPSink) (*Consumer, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	ice := webrtc.ICEServer{URLs: []string{"stun:stun.l.google.com:19302"}}
	if turn.URL != "" {
		ice = webrtc.ICEServer{
			URLs:       []string{turn.URL},
			Username:   turn.Username,
			Credential: turn.Password,
		}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: []webrtc.ICEServer{ice}})
	if err != nil {
		return nil, errors.NewMedia("sfu.consumer_create", err)
	}
	c := &Consumer{
		pc:     pc,
		server: server,
		sink:   sink,
		log:    slog.Default().With("component", "sfu.consumer"),
	}

	batchICECandidates(pc, server, c.log)

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.log.Info("stream track up", "codec", remote.Codec().MimeType)
		go copyRTP(c.log, remote, sink, func() bool {
			return pc.ConnectionState() == webrtc.PeerConnectionStateConnected
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Debug("consumer state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			c.log.Warn("stream connection failed")
			c.Close()
		}
	})

	return c, nil
}

// Accept applies the server's offer and returns the serialized answer to send
// back.
func (c *Consumer) Accept(offerText string) (string, error) {
	offer, err := decodeSDP(offerText)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return "", errors.NewMedia("sfu.consumer_offer", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", errors.NewMedia("sfu.consumer_answer", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", errors.NewMedia("sfu.consumer_answer", err)
	}
	return encodeSDP(&answer)
}

// AddICES installs the server's candidate batch.
func (c *Consumer) AddICES(icesText string) error {
	return applyRemoteICES(c.pc, icesText)
}

// Close tears down the connection and the playback sink.
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		if err := c.pc.Close(); err != nil {
			c.log.Debug("consumer close", "error", err)
		}
		if err := c.sink.Close(); err != nil {
			c.log.Debug("sink close", "error", err)
		}
	})
}
