package sfu

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/rts/wire"
)

type sentFrame struct {
	event   string
	payload any
}

// fakeSender records every control-plane write. ICE gathering can write
// concurrently from pion goroutines, so access is locked.
type fakeSender struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (f *fakeSender) Write(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, sentFrame{event, payload})
	return nil
}

func (f *fakeSender) byEvent(event string) []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentFrame
	for _, fr := range f.frames {
		if fr.event == event {
			out = append(out, fr)
		}
	}
	return out
}

// newOperatorPeer builds a publishing-side peer connection and returns it with
// its serialized offer.
func newOperatorPeer(t *testing.T) (*webrtc.PeerConnection, string) {
	t.Helper()
	api, err := newAPI()
	if err != nil {
		t.Fatalf("newAPI: %v", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("AddTransceiverFromKind: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	text, err := encodeSDP(&offer)
	if err != nil {
		t.Fatalf("encodeSDP: %v", err)
	}
	return pc, text
}

// answerFor plays the endpoint role: accept a forwarder's offer and produce
// the serialized answer.
func answerFor(t *testing.T, offerText string) string {
	t.Helper()
	api, err := newAPI()
	if err != nil {
		t.Fatalf("newAPI: %v", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	offer, err := decodeSDP(offerText)
	if err != nil {
		t.Fatalf("decodeSDP: %v", err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	text, err := encodeSDP(&answer)
	if err != nil {
		t.Fatalf("encodeSDP: %v", err)
	}
	return text
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(wire.Turn{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestCreateStreamAnswersOperatorAndOffersEachTarget(t *testing.T) {
	e := newTestEngine(t)
	operator := &fakeSender{}
	epA, epB := &fakeSender{}, &fakeSender{}
	opPC, offerText := newOperatorPeer(t)

	answerText, uids, err := e.CreateStream(1, operator, offerText, []Target{
		{UID: "uid-a", Endpoint: epA},
		{UID: "uid-b", Endpoint: epB},
	})
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if len(uids) != 2 {
		t.Fatalf("reached %d targets, want 2", len(uids))
	}

	answer, err := decodeSDP(answerText)
	if err != nil {
		t.Fatalf("answer does not decode: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Errorf("answer type = %v", answer.Type)
	}
	if err := opPC.SetRemoteDescription(answer); err != nil {
		t.Errorf("operator peer rejected the answer: %v", err)
	}

	for name, ep := range map[string]*fakeSender{"uid-a": epA, "uid-b": epB} {
		offers := ep.byEvent(wire.EventOffer)
		if len(offers) != 1 {
			t.Fatalf("%s received %d offers, want 1", name, len(offers))
		}
		payload, ok := offers[0].payload.(wire.Offer)
		if !ok || payload.Offer == "" {
			t.Errorf("%s offer payload = %#v", name, offers[0].payload)
		}
	}

	ongoing := e.Ongoing()
	if len(ongoing) != 1 || len(ongoing[1]) != 2 {
		t.Errorf("ongoing = %v, want operator 1 with 2 targets", ongoing)
	}
}

func TestCreateStreamSkipsTargetsInAnotherStream(t *testing.T) {
	e := newTestEngine(t)
	epA, epB := &fakeSender{}, &fakeSender{}

	_, offer1 := newOperatorPeer(t)
	if _, _, err := e.CreateStream(1, &fakeSender{}, offer1, []Target{{UID: "uid-a", Endpoint: epA}}); err != nil {
		t.Fatalf("first CreateStream: %v", err)
	}

	_, offer2 := newOperatorPeer(t)
	_, uids, err := e.CreateStream(2, &fakeSender{}, offer2, []Target{
		{UID: "uid-a", Endpoint: epA},
		{UID: "uid-b", Endpoint: epB},
	})
	if err != nil {
		t.Fatalf("second CreateStream: %v", err)
	}
	if len(uids) != 1 || uids[0] != "uid-b" {
		t.Fatalf("second stream reached %v, want only uid-b", uids)
	}
	if got := len(epA.byEvent(wire.EventOffer)); got != 1 {
		t.Errorf("busy target received %d offers, want the original 1", got)
	}

	ongoing := e.Ongoing()
	if len(ongoing) != 2 {
		t.Errorf("ongoing = %v, want two streams", ongoing)
	}
}

func TestCreateStreamFailsWhenEveryTargetIsTaken(t *testing.T) {
	e := newTestEngine(t)
	epA := &fakeSender{}

	_, offer1 := newOperatorPeer(t)
	if _, _, err := e.CreateStream(1, &fakeSender{}, offer1, []Target{{UID: "uid-a", Endpoint: epA}}); err != nil {
		t.Fatalf("first CreateStream: %v", err)
	}

	_, offer2 := newOperatorPeer(t)
	_, _, err := e.CreateStream(2, &fakeSender{}, offer2, []Target{{UID: "uid-a", Endpoint: epA}})
	if err == nil {
		t.Fatal("expected domain error")
	}
	ok, msg := errors.IsDomain(err)
	if !ok || msg != "target avs not found" {
		t.Fatalf("error = %v, want domain 'target avs not found'", err)
	}
	if len(e.Ongoing()) != 1 {
		t.Errorf("failed stream left state behind: %v", e.Ongoing())
	}
}

func TestCreateStreamRejectsGarbageOffer(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.CreateStream(1, &fakeSender{}, "not sdp", []Target{{UID: "uid-a", Endpoint: &fakeSender{}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsControlError(err) {
		t.Errorf("error %v is not a control error", err)
	}
	if len(e.Ongoing()) != 0 {
		t.Errorf("rejected offer left state behind")
	}
}

func TestAnswerRoutesToItsForwarder(t *testing.T) {
	e := newTestEngine(t)
	epA := &fakeSender{}
	_, offerText := newOperatorPeer(t)
	if _, _, err := e.CreateStream(1, &fakeSender{}, offerText, []Target{{UID: "uid-a", Endpoint: epA}}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	offers := epA.byEvent(wire.EventOffer)
	if len(offers) != 1 {
		t.Fatalf("endpoint received %d offers", len(offers))
	}
	forwarderOffer := offers[0].payload.(wire.Offer).Offer

	if err := e.Answer("uid-a", answerFor(t, forwarderOffer)); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if err := e.Answer("uid-unknown", answerFor(t, forwarderOffer)); err == nil {
		t.Fatal("answer for unknown endpoint should fail")
	} else if !errors.IsControlError(err) {
		t.Errorf("error %v is not a control error", err)
	}
}

func TestReOfferReplacesPreviousStream(t *testing.T) {
	e := newTestEngine(t)
	epA := &fakeSender{}

	_, offer1 := newOperatorPeer(t)
	if _, _, err := e.CreateStream(1, &fakeSender{}, offer1, []Target{{UID: "uid-a", Endpoint: epA}}); err != nil {
		t.Fatalf("first CreateStream: %v", err)
	}
	_, offer2 := newOperatorPeer(t)
	if _, _, err := e.CreateStream(1, &fakeSender{}, offer2, []Target{{UID: "uid-a", Endpoint: epA}}); err != nil {
		t.Fatalf("second CreateStream: %v", err)
	}

	if got := len(epA.byEvent(wire.EventStreamClose)); got != 1 {
		t.Errorf("endpoint received %d stream closes, want 1 from the replaced stream", got)
	}
	if got := len(epA.byEvent(wire.EventOffer)); got != 2 {
		t.Errorf("endpoint received %d offers, want 2", got)
	}
	if got := e.Ongoing(); len(got) != 1 || len(got[1]) != 1 {
		t.Errorf("ongoing = %v, want one stream with one target", got)
	}
}

func TestCloseStreamDisconnectsEveryTarget(t *testing.T) {
	e := newTestEngine(t)
	epA, epB := &fakeSender{}, &fakeSender{}
	_, offerText := newOperatorPeer(t)
	if _, _, err := e.CreateStream(1, &fakeSender{}, offerText, []Target{
		{UID: "uid-a", Endpoint: epA},
		{UID: "uid-b", Endpoint: epB},
	}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	e.CloseStream(1)

	for name, ep := range map[string]*fakeSender{"uid-a": epA, "uid-b": epB} {
		if got := len(ep.byEvent(wire.EventStreamClose)); got != 1 {
			t.Errorf("%s received %d stream closes, want 1", name, got)
		}
	}
	if len(e.Ongoing()) != 0 {
		t.Errorf("ongoing not empty after close: %v", e.Ongoing())
	}
	if _, ok := e.DropEndpoint("uid-a"); ok {
		t.Error("endpoint still owned after stream close")
	}

	e.CloseStream(1) // second close is a no-op
	if got := len(epA.byEvent(wire.EventStreamClose)); got != 1 {
		t.Errorf("second close re-sent stream close: %d", got)
	}
}

func TestDropEndpointKeepsStreamForOthers(t *testing.T) {
	e := newTestEngine(t)
	epA, epB := &fakeSender{}, &fakeSender{}
	_, offerText := newOperatorPeer(t)
	if _, _, err := e.CreateStream(1, &fakeSender{}, offerText, []Target{
		{UID: "uid-a", Endpoint: epA},
		{UID: "uid-b", Endpoint: epB},
	}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	if op, ok := e.DropEndpoint("uid-a"); !ok || op != 1 {
		t.Fatalf("DropEndpoint uid-a = (%d, %v), want (1, true)", op, ok)
	}
	if got := len(epA.byEvent(wire.EventStreamClose)); got != 1 {
		t.Errorf("dropped endpoint received %d stream closes, want 1", got)
	}
	if got := len(epB.byEvent(wire.EventStreamClose)); got != 0 {
		t.Errorf("remaining endpoint received %d stream closes, want 0", got)
	}
	if got := e.Ongoing(); len(got[1]) != 1 || got[1][0] != "uid-b" {
		t.Errorf("ongoing = %v, want uid-b only", got)
	}
	if _, ok := e.DropEndpoint("uid-a"); ok {
		t.Error("second drop reported an owner")
	}
}

func TestSetVolumeFansOutToEveryTarget(t *testing.T) {
	e := newTestEngine(t)
	epA, epB := &fakeSender{}, &fakeSender{}
	_, offerText := newOperatorPeer(t)
	if _, _, err := e.CreateStream(1, &fakeSender{}, offerText, []Target{
		{UID: "uid-a", Endpoint: epA},
		{UID: "uid-b", Endpoint: epB},
	}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	if !e.SetVolume(1, "0.5") {
		t.Fatal("SetVolume = false with a live stream")
	}
	for name, ep := range map[string]*fakeSender{"uid-a": epA, "uid-b": epB} {
		vols := ep.byEvent(wire.EventVolume)
		if len(vols) != 1 {
			t.Fatalf("%s received %d volume frames, want 1", name, len(vols))
		}
		if got := vols[0].payload.(wire.Volume).Volume; got != "0.5" {
			t.Errorf("%s volume = %q, want 0.5", name, got)
		}
	}

	if e.SetVolume(99, "0.5") {
		t.Error("SetVolume reported a stream for an idle operator")
	}
}

func TestRecoverForwarderSendsFreshOfferAndKeepsVolume(t *testing.T) {
	e := newTestEngine(t)
	epA := &fakeSender{}
	_, offerText := newOperatorPeer(t)
	if _, _, err := e.CreateStream(1, &fakeSender{}, offerText, []Target{{UID: "uid-a", Endpoint: epA}}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	e.SetVolume(1, "0.7")

	e.recoverForwarder(1, "uid-a")

	if got := len(epA.byEvent(wire.EventStreamClose)); got != 1 {
		t.Errorf("endpoint received %d stream closes during recovery, want 1", got)
	}
	offers := epA.byEvent(wire.EventOffer)
	if len(offers) != 2 {
		t.Fatalf("endpoint received %d offers, want original plus recovery", len(offers))
	}
	vols := epA.byEvent(wire.EventVolume)
	if len(vols) != 2 {
		t.Fatalf("endpoint received %d volume frames, want fan-out plus recovery resend", len(vols))
	}
	if got := vols[1].payload.(wire.Volume).Volume; got != "0.7" {
		t.Errorf("recovery volume = %q, want 0.7", got)
	}
	if got := e.Ongoing(); len(got[1]) != 1 || got[1][0] != "uid-a" {
		t.Errorf("ongoing = %v, want uid-a still served", got)
	}
}
