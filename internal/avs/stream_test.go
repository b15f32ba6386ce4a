package avs

import (
	"io"
	"sync"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures PlayStream spawns so tests can observe per-spawn
// volumes without a real player. Each spawn drains its reader the way a
// player process would.
type recordingSink struct {
	mu      sync.Mutex
	volumes []float64
	next    float64
}

func (r *recordingSink) Play(string, float64) error { return nil }

func (r *recordingSink) PlayStream(src io.Reader, volume float64) error {
	r.mu.Lock()
	r.volumes = append(r.volumes, volume)
	r.mu.Unlock()
	go func() { _, _ = io.Copy(io.Discard, src) }()
	return nil
}

func (r *recordingSink) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.volumes) > 0
}

func (r *recordingSink) Clear() {}

func (r *recordingSink) SetVolume(volume float64) {
	r.mu.Lock()
	r.next = volume
	r.mu.Unlock()
}

func (r *recordingSink) spawnVolumes() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.volumes...)
}

func (r *recordingSink) nextVolume() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

func opusPacket(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, Timestamp: ts},
		Payload: []byte{0xfc, 0x01, 0x02, 0x03},
	}
}

func TestVolumeChangeRespawnsRunningStream(t *testing.T) {
	sink := &recordingSink{}
	bridge, err := newOggSink(sink, 1.0)
	require.NoError(t, err)
	defer bridge.Close()

	require.NoError(t, bridge.WriteRTP(opusPacket(1, 960)))

	require.NoError(t, bridge.SetVolume(0.4))
	assert.Equal(t, []float64{1.0, 0.4}, sink.spawnVolumes(),
		"the running player must be replaced at the new volume")

	require.NoError(t, bridge.WriteRTP(opusPacket(2, 1920)),
		"the stream keeps flowing into the new spawn")
}

func TestSetLiveVolumeReachesStreamAndNextSpawn(t *testing.T) {
	sink := &recordingSink{}
	bridge, err := newOggSink(sink, 1.0)
	require.NoError(t, err)
	defer bridge.Close()

	a := &Agent{sink: sink}
	a.bridge = bridge

	require.NoError(t, a.setLiveVolume(0.25))
	assert.Equal(t, []float64{1.0, 0.25}, sink.spawnVolumes(),
		"a live stream must pick the change up immediately")
	assert.Equal(t, 0.25, sink.nextVolume(), "the next scheduled spawn keeps the multiplier")
}

func TestSetLiveVolumeWithoutStream(t *testing.T) {
	sink := &recordingSink{}
	a := &Agent{sink: sink}

	require.NoError(t, a.setLiveVolume(0.5))
	assert.Empty(t, sink.spawnVolumes(), "no stream, nothing to respawn")
	assert.Equal(t, 0.5, sink.nextVolume())
}
