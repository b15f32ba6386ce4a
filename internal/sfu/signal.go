package sfu

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/alxayo/go-rts/internal/bufpool"
	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/rts/wire"
)

// Sender is the control-plane write half of a peer's message channel. The
// media objects use it to push offers, answers, candidate batches and
// stream:close at the right moments.
type Sender interface {
	Write(event string, payload any) error
}

// encodeSDP serializes a session description to the wire form carried inside
// offer/answer payloads.
func encodeSDP(desc *webrtc.SessionDescription) (string, error) {
	b, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("encode sdp: %w", err)
	}
	return string(b), nil
}

// decodeSDP parses the wire form back into a session description.
func decodeSDP(text string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(text), &desc); err != nil {
		return desc, errors.NewProtocol("decode sdp", err)
	}
	if desc.SDP == "" {
		return desc, errors.NewProtocol("decode sdp", fmt.Errorf("empty sdp"))
	}
	return desc, nil
}

// encodeICES serializes a candidate batch into the string carried by an ices
// payload.
func encodeICES(cands []webrtc.ICECandidateInit) (string, error) {
	b, err := json.Marshal(cands)
	if err != nil {
		return "", fmt.Errorf("encode ice candidates: %w", err)
	}
	return string(b), nil
}

// decodeICES parses an ices payload string.
func decodeICES(text string) ([]webrtc.ICECandidateInit, error) {
	var cands []webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(text), &cands); err != nil {
		return nil, errors.NewProtocol("decode ice candidates", err)
	}
	return cands, nil
}

// batchICECandidates arranges for every locally gathered candidate to be
// collected and, once gathering completes, emitted to the peer as one ices
// message.
func batchICECandidates(pc *webrtc.PeerConnection, peer Sender, log *slog.Logger) {
	var mu sync.Mutex
	var cands []webrtc.ICECandidateInit
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			mu.Lock()
			cands = append(cands, c.ToJSON())
			mu.Unlock()
			return
		}
		mu.Lock()
		batch := cands
		mu.Unlock()
		payload, err := encodeICES(batch)
		if err != nil {
			log.Error("candidate batch encode failed", "error", err)
			return
		}
		if err := peer.Write(wire.EventICES, wire.Ices{Ices: payload}); err != nil {
			log.Debug("candidate batch not delivered", "error", err)
		}
	})
}

const remoteDescriptionPoll = 100 * time.Millisecond

var remoteDescriptionTimeout = 5 * time.Second

// applyRemoteICES installs a candidate batch on pc. Candidates can arrive
// before the remote description does, so this polls for the description
// instead of failing outright.
func applyRemoteICES(pc *webrtc.PeerConnection, icesText string) error {
	cands, err := decodeICES(icesText)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(remoteDescriptionTimeout)
	for pc.RemoteDescription() == nil {
		if time.Now().After(deadline) {
			return errors.NewTimeout("sfu.apply_ices", remoteDescriptionTimeout,
				fmt.Errorf("remote description never arrived"))
		}
		time.Sleep(remoteDescriptionPoll)
	}
	for _, c := range cands {
		if err := pc.AddICECandidate(c); err != nil {
			return errors.NewMedia("sfu.add_ice_candidate", err)
		}
	}
	return nil
}

// drainRTCP consumes RTCP from an outbound sender so the interceptors keep
// running. The reports themselves are not used.
func drainRTCP(sender *webrtc.RTPSender) {
	go func() {
		buf := bufpool.Get(1500)
		defer bufpool.Put(buf)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
}
