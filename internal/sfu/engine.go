// Package sfu implements the selective forwarding unit behind live streams.
// Each operator owns at most one Stream: a Publisher ingests the operator's
// audio onto a shared local track and per-endpoint Forwarders fan it out. The
// engine never decodes media; RTP packets are copied between peer connections
// as-is.
package sfu

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/rts/wire"
)

var (
	streamsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rts_sfu_streams_started_total",
		Help: "Live streams created.",
	})
	forwardersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rts_sfu_forwarders_started_total",
		Help: "Forwarders created, replacements included.",
	})
	forwarderReplacements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rts_sfu_forwarder_replacements_total",
		Help: "Forwarders replaced after a connection failure.",
	})
)

// Target names one endpoint a stream should reach: its device unique id plus
// the write half of its live message channel.
type Target struct {
	UID      string
	Endpoint Sender
}

// Engine owns every live stream and enforces that an endpoint serves at most
// one at a time.
type Engine struct {
	api *webrtc.API
	cfg webrtc.Configuration
	log *slog.Logger

	mu      sync.Mutex
	streams map[int]*Stream // operator id → stream
	owners  map[string]int  // endpoint uid → owning operator id
}

// New builds the engine. TURN credentials, when configured, become the ICE
// server for every peer connection; otherwise a public STUN server is used.
func New(turn wire.Turn) (*Engine, error) {
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
	return &Engine{
		api:     api,
		cfg:     webrtc.Configuration{ICEServers: []webrtc.ICEServer{ice}},
		log:     slog.Default().With("component", "sfu"),
		streams: make(map[int]*Stream),
		owners:  make(map[string]int),
	}, nil
}

// newAPI builds a webrtc API restricted to the one codec every peer speaks:
// Opus, 48 kHz, stereo, payload type 111.
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, errors.NewMedia("sfu.media_engine", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, errors.NewMedia("sfu.media_engine", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)), nil
}

// CreateStream starts a live stream for operatorID from its serialized offer.
// Targets already serving another operator are skipped; the rest get a
// forwarder and an offer. Returns the serialized answer for the operator and
// the uids actually reached. A second offer from the same operator replaces
// its previous stream.
//
// Failures come back as domain errors whose message is what the operator
// should see in offer:fail.
func (e *Engine) CreateStream(operatorID int, operator Sender, offerText string, targets []Target) (string, []string, error) {
	offer, err := decodeSDP(offerText)
	if err != nil {
		return "", nil, err
	}

	e.CloseStream(operatorID)

	s, err := newStream(operatorID)
	if err != nil {
		return "", nil, errors.NewDomain("sfu.create_stream", "failed to create provider", err)
	}
	pub, err := newPublisher(e.api, e.cfg, operatorID, operator, s.track, func() {
		e.streamDown(operatorID)
	})
	if err != nil {
		return "", nil, errors.NewDomain("sfu.create_stream", "failed to create provider", err)
	}
	s.publisher = pub

	answer, err := pub.Ingest(offer)
	if err != nil {
		pub.Close()
		return "", nil, errors.NewDomain("sfu.create_stream", "failed to add offer", err)
	}

	e.mu.Lock()
	accepted := make([]Target, 0, len(targets))
	for _, t := range targets {
		if owner, taken := e.owners[t.UID]; taken && owner != operatorID {
			e.log.Debug("target already in a stream",
				"unique_id", t.UID, "owner", owner, "operator_id", operatorID)
			continue
		}
		e.owners[t.UID] = operatorID
		accepted = append(accepted, t)
	}
	if len(accepted) == 0 {
		e.mu.Unlock()
		pub.Close()
		return "", nil, errors.NewDomain("sfu.create_stream", "target avs not found", nil)
	}
	e.streams[operatorID] = s
	e.mu.Unlock()

	onFailed := func(uid string) { e.recoverForwarder(operatorID, uid) }
	uids := make([]string, 0, len(accepted))
	for _, t := range accepted {
		if err := s.addForwarder(e.api, e.cfg, t.UID, t.Endpoint, onFailed); err != nil {
			e.log.Warn("forwarder setup failed",
				"operator_id", operatorID, "unique_id", t.UID, "error", err)
			e.mu.Lock()
			delete(e.owners, t.UID)
			e.mu.Unlock()
			continue
		}
		forwardersStarted.Inc()
		uids = append(uids, t.UID)
	}
	if len(uids) == 0 {
		e.CloseStream(operatorID)
		return "", nil, errors.NewDomain("sfu.create_stream", "target avs not found", nil)
	}

	answerText, err := encodeSDP(&answer)
	if err != nil {
		e.CloseStream(operatorID)
		return "", nil, errors.NewMedia("sfu.create_stream", err)
	}
	streamsStarted.Inc()
	e.log.Info("stream started", "operator_id", operatorID, "targets", len(uids))
	return answerText, uids, nil
}

// Answer routes an endpoint's serialized answer to its forwarder.
func (e *Engine) Answer(uid, answerText string) error {
	f, err := e.forwarderFor(uid, "sfu.answer")
	if err != nil {
		return err
	}
	answer, err := decodeSDP(answerText)
	if err != nil {
		return err
	}
	return f.SetAnswer(answer)
}

// EndpointICES routes an endpoint's candidate batch to its forwarder.
func (e *Engine) EndpointICES(uid, icesText string) error {
	f, err := e.forwarderFor(uid, "sfu.ices")
	if err != nil {
		return err
	}
	return f.AddICES(icesText)
}

// OperatorICES routes an operator's candidate batch to its publisher.
func (e *Engine) OperatorICES(operatorID int, icesText string) error {
	e.mu.Lock()
	s, ok := e.streams[operatorID]
	e.mu.Unlock()
	if !ok {
		return errors.NewProtocol("sfu.ices", errNoStream(operatorID))
	}
	return s.publisher.AddICES(icesText)
}

// SetVolume stores the stream volume and re-emits it to every target. Reports
// whether a stream was live to receive it.
func (e *Engine) SetVolume(operatorID int, volume string) bool {
	e.mu.Lock()
	s, ok := e.streams[operatorID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	s.setVolume(volume)
	return true
}

// CloseStream tears down operatorID's stream, if any: publisher closed, every
// forwarder disconnected, ownership released.
func (e *Engine) CloseStream(operatorID int) {
	e.mu.Lock()
	s, ok := e.streams[operatorID]
	if ok {
		delete(e.streams, operatorID)
		for uid, owner := range e.owners {
			if owner == operatorID {
				delete(e.owners, uid)
			}
		}
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	e.log.Info("stream closed", "operator_id", operatorID)
}

// DropEndpoint removes uid from whatever stream serves it, disconnecting its
// forwarder. The stream itself keeps running for the remaining targets.
// Returns the operator whose stream uid was in, if it was in one.
func (e *Engine) DropEndpoint(uid string) (int, bool) {
	e.mu.Lock()
	operatorID, ok := e.owners[uid]
	var s *Stream
	if ok {
		delete(e.owners, uid)
		s = e.streams[operatorID]
	}
	e.mu.Unlock()
	if !ok || s == nil {
		return 0, false
	}
	if s.dropForwarder(uid) {
		e.log.Info("endpoint left stream", "operator_id", operatorID, "unique_id", uid)
	}
	return operatorID, true
}

// Ongoing snapshots every live stream as operator id → target uids.
func (e *Engine) Ongoing() map[int][]string {
	e.mu.Lock()
	streams := make([]*Stream, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	e.mu.Unlock()
	out := make(map[int][]string, len(streams))
	for _, s := range streams {
		out[s.operatorID] = s.targets()
	}
	return out
}

// streamDown handles a publisher connection dying underneath a live stream.
// Deliberate teardown removes the stream from the map first, so this is a
// no-op in that path.
func (e *Engine) streamDown(operatorID int) {
	e.mu.Lock()
	_, ok := e.streams[operatorID]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.log.Warn("publisher connection lost", "operator_id", operatorID)
	e.CloseStream(operatorID)
}

// recoverForwarder replaces uid's failed leg with a fresh one on the same
// track and sends a new offer. Fired once per failure event.
func (e *Engine) recoverForwarder(operatorID int, uid string) {
	e.mu.Lock()
	s, ok := e.streams[operatorID]
	e.mu.Unlock()
	if !ok {
		return
	}
	forwarderReplacements.Inc()
	e.log.Info("replacing failed forwarder", "operator_id", operatorID, "unique_id", uid)
	onFailed := func(u string) { e.recoverForwarder(operatorID, u) }
	if err := s.replaceForwarder(e.api, e.cfg, uid, onFailed); err != nil {
		e.log.Warn("forwarder replacement failed",
			"operator_id", operatorID, "unique_id", uid, "error", err)
		e.mu.Lock()
		delete(e.owners, uid)
		e.mu.Unlock()
		return
	}
	forwardersStarted.Inc()
}

func errNoStream(operatorID int) error {
	return fmt.Errorf("no live stream for operator %d", operatorID)
}

func errNoForwarder(uid string) error {
	return fmt.Errorf("no forwarder serving %s", uid)
}

func (e *Engine) forwarderFor(uid, op string) (*Forwarder, error) {
	e.mu.Lock()
	operatorID, ok := e.owners[uid]
	var s *Stream
	if ok {
		s = e.streams[operatorID]
	}
	e.mu.Unlock()
	if !ok || s == nil {
		return nil, errors.NewProtocol(op, errNoForwarder(uid))
	}
	f, ok := s.forwarder(uid)
	if !ok {
		return nil, errors.NewProtocol(op, errNoForwarder(uid))
	}
	return f, nil
}
