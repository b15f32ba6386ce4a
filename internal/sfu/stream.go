package sfu

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/rts/wire"
)

// Stream is one live broadcast: a single Publisher feeding a shared local
// track, served to any number of endpoints through per-endpoint Forwarders.
type Stream struct {
	operatorID int
	track      *webrtc.TrackLocalStaticRTP
	publisher  *Publisher
	log        *slog.Logger

	mu         sync.Mutex
	forwarders map[string]*Forwarder
	volume     string
}

func newStream(operatorID int) (*Stream, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", fmt.Sprintf("rts-%d", operatorID))
	if err != nil {
		return nil, errors.NewMedia("sfu.stream_track", err)
	}
	return &Stream{
		operatorID: operatorID,
		track:      track,
		forwarders: make(map[string]*Forwarder),
		log:        slog.Default().With("component", "sfu.stream", "operator_id", operatorID),
	}, nil
}

// addForwarder builds and starts a distribution leg for uid. The current
// volume, if any, follows the offer so a late joiner plays at the level the
// operator already chose.
func (s *Stream) addForwarder(api *webrtc.API, cfg webrtc.Configuration, uid string, endpoint Sender, onFailed func(uid string)) error {
	f, err := newForwarder(api, cfg, s.operatorID, uid, endpoint, s.track, onFailed)
	if err != nil {
		return err
	}
	if err := f.Start(); err != nil {
		f.Disconnect()
		return err
	}
	s.mu.Lock()
	s.forwarders[uid] = f
	volume := s.volume
	s.mu.Unlock()
	if volume != "" {
		if err := endpoint.Write(wire.EventVolume, wire.Volume{Volume: volume}); err != nil {
			s.log.Debug("volume not delivered", "unique_id", uid, "error", err)
		}
	}
	return nil
}

// replaceForwarder swaps the failed leg for uid with a fresh one on the same
// track and renegotiates. Called once per failure event.
func (s *Stream) replaceForwarder(api *webrtc.API, cfg webrtc.Configuration, uid string, onFailed func(uid string)) error {
	s.mu.Lock()
	old, ok := s.forwarders[uid]
	if !ok {
		s.mu.Unlock()
		return errors.NewProtocol("sfu.replace_forwarder", fmt.Errorf("no forwarder for %s", uid))
	}
	delete(s.forwarders, uid)
	endpoint := old.endpoint
	s.mu.Unlock()

	old.Disconnect()
	return s.addForwarder(api, cfg, uid, endpoint, onFailed)
}

// forwarder returns the live leg for uid, if any.
func (s *Stream) forwarder(uid string) (*Forwarder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.forwarders[uid]
	return f, ok
}

// dropForwarder disconnects and removes the leg for uid. Reports whether one
// existed.
func (s *Stream) dropForwarder(uid string) bool {
	s.mu.Lock()
	f, ok := s.forwarders[uid]
	delete(s.forwarders, uid)
	s.mu.Unlock()
	if !ok {
		return false
	}
	f.Disconnect()
	return true
}

// setVolume records the stream volume and re-emits it to every connected
// endpoint.
func (s *Stream) setVolume(volume string) {
	s.mu.Lock()
	s.volume = volume
	targets := make(map[string]Sender, len(s.forwarders))
	for uid, f := range s.forwarders {
		targets[uid] = f.endpoint
	}
	s.mu.Unlock()
	for uid, endpoint := range targets {
		if err := endpoint.Write(wire.EventVolume, wire.Volume{Volume: volume}); err != nil {
			s.log.Debug("volume not delivered", "unique_id", uid, "error", err)
		}
	}
}

// targets lists the endpoint uids currently served.
func (s *Stream) targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	uids := make([]string, 0, len(s.forwarders))
	for uid := range s.forwarders {
		uids = append(uids, uid)
	}
	return uids
}

// close tears down the publisher and every forwarder.
func (s *Stream) close() {
	s.mu.Lock()
	forwarders := s.forwarders
	s.forwarders = make(map[string]*Forwarder)
	s.mu.Unlock()
	if s.publisher != nil {
		s.publisher.Close()
	}
	for _, f := range forwarders {
		f.Disconnect()
	}
}
