package schedule

import (
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alxayo/go-rts/internal/rts/wire"
)

// fakeSink records calls instead of spawning a player.
type fakeSink struct {
	mu      sync.Mutex
	busy    bool
	plays   []playCall
	streams int
	clears  int
}

type playCall struct {
	path   string
	volume float64
}

func (f *fakeSink) Play(path string, volume float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays = append(f.plays, playCall{path: path, volume: volume})
	return nil
}

func (f *fakeSink) PlayStream(io.Reader, float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams++
	return nil
}

func (f *fakeSink) Playing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeSink) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
}

func (f *fakeSink) SetVolume(float64) {}

func (f *fakeSink) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plays)
}

func (f *fakeSink) lastPlay() playCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays[len(f.plays)-1]
}

// testRunner builds a runner over an in-memory store, a temp cache, a fake
// sink, and a pinned clock.
func testRunner(t *testing.T, now time.Time, tick time.Duration) (*Runner, *Store, *Assets, *fakeSink) {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	assets, err := NewAssets(t.TempDir())
	require.NoError(t, err)

	sink := &fakeSink{}
	r := NewRunner(RunnerConfig{Tick: tick, Now: func() time.Time { return now }}, st, assets, sink)
	t.Cleanup(r.Stop)
	return r, st, assets, sink
}

// cacheRecord drops a fake record file into the cache.
func cacheRecord(t *testing.T, assets *Assets, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(assets.Path(name), []byte("mp3 bytes"), 0o644))
}

func floatptr(f float64) *float64 { return &f }
func intptr(i int) *int           { return &i }

// tuesday is 2026-03-10 09:30 local: week 2 of March 2026, weekday 3.
var tuesday = time.Date(2026, time.March, 10, 9, 30, 0, 0, time.Local)

func repetitionJob(url string) wire.Schedule {
	return wire.Schedule{
		Sid:       1,
		Name:      "morning call",
		Kind:      wire.KindRepetition,
		Times:     []string{"09:30"},
		Weeks:     []int{2},
		Days:      []int{3},
		RecordURL: url,
		Volume:    floatptr(0.4),
	}
}

func TestRepetitionPlaysOnWeekAndDayMatch(t *testing.T) {
	r, _, assets, sink := testRunner(t, tuesday, time.Hour)
	cacheRecord(t, assets, "call.mp3")

	r.evaluate(repetitionJob("http://origin/assets/audio/call.mp3"), tuesday)

	require.Equal(t, 1, sink.playCount())
	assert.Equal(t, assets.Path("call.mp3"), sink.lastPlay().path)
	assert.Equal(t, 0.4, sink.lastPlay().volume)
}

func TestRepetitionPlaysOnDateMatch(t *testing.T) {
	r, _, assets, sink := testRunner(t, tuesday, time.Hour)
	cacheRecord(t, assets, "call.mp3")

	job := repetitionJob("http://origin/assets/audio/call.mp3")
	job.Weeks = nil
	job.Days = nil
	job.Dates = []int{10}
	r.evaluate(job, tuesday)

	assert.Equal(t, 1, sink.playCount())
}

func TestRepetitionSkipsWhenNothingMatches(t *testing.T) {
	r, _, assets, sink := testRunner(t, tuesday, time.Hour)
	cacheRecord(t, assets, "call.mp3")

	job := repetitionJob("http://origin/assets/audio/call.mp3")
	job.Weeks = []int{1}
	job.Dates = []int{11}
	r.evaluate(job, tuesday)

	assert.Zero(t, sink.playCount())
}

func TestWrongTimeNeverPlays(t *testing.T) {
	r, _, assets, sink := testRunner(t, tuesday, time.Hour)
	cacheRecord(t, assets, "call.mp3")

	job := repetitionJob("http://origin/assets/audio/call.mp3")
	job.Times = []string{"09:31"}
	r.evaluate(job, tuesday)

	assert.Zero(t, sink.playCount())
}

func TestCalendarKindMatchesExactMonthYearDate(t *testing.T) {
	r, _, assets, sink := testRunner(t, tuesday, time.Hour)
	cacheRecord(t, assets, "oneoff.mp3")

	job := wire.Schedule{
		Sid:       7,
		Name:      "inspection",
		Kind:      wire.KindCalendar,
		Times:     []string{"09:30"},
		Dates:     []int{10},
		Month:     intptr(3),
		Year:      intptr(2026),
		RecordURL: "http://origin/assets/audio/oneoff.mp3",
	}
	r.evaluate(job, tuesday)
	require.Equal(t, 1, sink.playCount())
	assert.Equal(t, 1.0, sink.lastPlay().volume, "volume defaults to 1.0")

	job.Year = intptr(2025)
	r.evaluate(job, tuesday)
	assert.Equal(t, 1, sink.playCount(), "wrong year must not play")

	job.Year = nil
	r.evaluate(job, tuesday)
	assert.Equal(t, 1, sink.playCount(), "missing year must not play")
}

func TestUnknownKindIgnored(t *testing.T) {
	r, _, assets, sink := testRunner(t, tuesday, time.Hour)
	cacheRecord(t, assets, "call.mp3")

	job := repetitionJob("http://origin/assets/audio/call.mp3")
	job.Kind = 9
	r.evaluate(job, tuesday)

	assert.Zero(t, sink.playCount())
}

func TestBlockedRunnerSkipsPlayback(t *testing.T) {
	r, _, assets, sink := testRunner(t, tuesday, time.Hour)
	cacheRecord(t, assets, "call.mp3")

	r.Block()
	r.evaluate(repetitionJob("http://origin/assets/audio/call.mp3"), tuesday)
	assert.Zero(t, sink.playCount())

	r.Unblock()
	r.evaluate(repetitionJob("http://origin/assets/audio/call.mp3"), tuesday)
	assert.Equal(t, 1, sink.playCount())
}

func TestBlockUnblockClearSinkAndAreIdempotent(t *testing.T) {
	r, _, _, sink := testRunner(t, tuesday, time.Hour)

	r.Block()
	r.Block()
	assert.True(t, r.Blocked())
	r.Unblock()
	assert.False(t, r.Blocked())

	assert.Equal(t, 3, sink.clears, "every block and unblock clears the sink")
}

func TestBusySinkSkipsPlayback(t *testing.T) {
	r, _, assets, sink := testRunner(t, tuesday, time.Hour)
	cacheRecord(t, assets, "call.mp3")

	sink.busy = true
	r.evaluate(repetitionJob("http://origin/assets/audio/call.mp3"), tuesday)
	assert.Zero(t, sink.playCount())
}

func TestMissingRecordSkipsPlayback(t *testing.T) {
	r, _, _, sink := testRunner(t, tuesday, time.Hour)

	r.evaluate(repetitionJob("http://unreachable.invalid/call.mp3"), tuesday)
	assert.Zero(t, sink.playCount())
}

func TestTickLoopFansOutAndPlays(t *testing.T) {
	r, st, assets, sink := testRunner(t, tuesday, 10*time.Millisecond)
	cacheRecord(t, assets, "call.mp3")

	delta := wire.SyncReply{Add: []wire.Schedule{repetitionJob("http://origin/assets/audio/call.mp3")}}
	require.NoError(t, st.ApplySync(delta))
	require.NoError(t, r.Run())

	deadline := time.Now().Add(3 * time.Second)
	for sink.playCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotZero(t, sink.playCount(), "ticker never started the schedule")
	assert.Equal(t, assets.Path("call.mp3"), sink.lastPlay().path)
}

func TestReloadPicksUpStoreChanges(t *testing.T) {
	r, st, assets, sink := testRunner(t, tuesday, 10*time.Millisecond)
	cacheRecord(t, assets, "call.mp3")

	require.NoError(t, r.Run())
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, sink.playCount(), "empty store must stay silent")

	delta := wire.SyncReply{Add: []wire.Schedule{repetitionJob("http://origin/assets/audio/call.mp3")}}
	require.NoError(t, st.ApplySync(delta))
	require.NoError(t, r.Reload())

	deadline := time.Now().Add(3 * time.Second)
	for sink.playCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.NotZero(t, sink.playCount())
}
