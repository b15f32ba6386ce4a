// Package schedule is the endpoint-side scheduler: a local mirror of the
// schedules the coordinator synced down, a record cache, and a tick loop
// that starts playback when a schedule's moment arrives.
//
// One runner goroutine wakes every 30 seconds and fans out one short-lived
// goroutine per schedule to test it against the local clock. Playback is
// interlocked with live streaming through the blocked flag: while an
// operator streams to this endpoint no tick may start a record, and both
// block and unblock clear the sink.
package schedule

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alxayo/go-rts/internal/logger"
	"github.com/alxayo/go-rts/internal/rts/wire"
	"github.com/alxayo/go-rts/internal/timeslot"
)

// RunnerConfig carries the runner's knobs. The zero value is production
// behavior; tests shrink the tick and pin the clock.
type RunnerConfig struct {
	Tick time.Duration
	Now  func() time.Time
}

func (c *RunnerConfig) applyDefaults() {
	if c.Tick == 0 {
		c.Tick = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Runner evaluates the synced schedules against the local clock.
type Runner struct {
	cfg    RunnerConfig
	store  *Store
	assets *Assets
	sink   Sink
	log    *slog.Logger

	mu      sync.Mutex
	blocked bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRunner wires the runner to its store, record cache, and sink.
func NewRunner(cfg RunnerConfig, store *Store, assets *Assets, sink Sink) *Runner {
	cfg.applyDefaults()
	return &Runner{
		cfg:    cfg,
		store:  store,
		assets: assets,
		sink:   sink,
		log:    logger.Logger().With("component", "scheduler"),
	}
}

// Run loads the schedules and starts the tick loop, replacing any loop
// already running.
func (r *Runner) Run() error {
	jobs, err := r.load()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.stopLocked()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	r.log.Info("scheduler started", "schedules", len(jobs))
	go r.loop(ctx, done, jobs)
	return nil
}

// Reload aborts the current loop and restarts from the store. The agent
// calls it after every applied sync.
func (r *Runner) Reload() error {
	r.log.Info("reloading schedules")
	return r.Run()
}

// Stop aborts the tick loop.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

// stopLocked cancels the loop and waits for it to exit. Callers hold r.mu.
func (r *Runner) stopLocked() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
}

// Block pauses scheduling for the duration of a live stream. Idempotent;
// always clears the sink so the stream starts over silence.
func (r *Runner) Block() {
	r.sink.Clear()
	r.mu.Lock()
	r.blocked = true
	r.mu.Unlock()
	r.log.Info("scheduler blocked")
}

// Unblock resumes scheduling after a live stream ends, clearing the sink.
func (r *Runner) Unblock() {
	r.sink.Clear()
	r.mu.Lock()
	r.blocked = false
	r.mu.Unlock()
	r.log.Info("scheduler unblocked")
}

// Blocked reports whether a live stream holds the sink.
func (r *Runner) Blocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked
}

// load reads the schedule rows and prefetches their records.
func (r *Runner) load() ([]wire.Schedule, error) {
	jobs, err := r.store.Schedules()
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if err := r.assets.Ensure(context.Background(), job.RecordURL); err != nil {
			r.log.Warn("record prefetch failed", "sid", job.Sid, "url", job.RecordURL, "error", err)
		}
	}
	return jobs, nil
}

// loop is the 30-second heart. Each wake fans out one goroutine per job so
// a slow download or spawn never delays the other checks.
func (r *Runner) loop(ctx context.Context, done chan struct{}, jobs []wire.Schedule) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := r.cfg.Now()
			for _, job := range jobs {
				go r.evaluate(job, now)
			}
		}
	}
}

// evaluate tests one schedule against the clock and plays it on a match.
func (r *Runner) evaluate(job wire.Schedule, now time.Time) {
	if !slices.Contains(job.Times, now.Format("15:04")) {
		return
	}
	switch job.Kind {
	case wire.KindRepetition:
		weekly := slices.Contains(job.Weeks, timeslot.WeekOfMonth(now)) &&
			slices.Contains(job.Days, timeslot.DayOfWeek(now))
		if weekly || slices.Contains(job.Dates, now.Day()) {
			r.play(job)
		}
	case wire.KindCalendar:
		if job.Month == nil || job.Year == nil {
			return
		}
		if *job.Month == int(now.Month()) && *job.Year == now.Year() &&
			slices.Contains(job.Dates, now.Day()) {
			r.play(job)
		}
	default:
		r.log.Warn("unknown schedule kind", "sid", job.Sid, "kind", job.Kind)
	}
}

// play starts the schedule's record unless the sink is spoken for.
func (r *Runner) play(job wire.Schedule) {
	log := r.log.With("sid", job.Sid, "name", job.Name)
	if r.Blocked() {
		log.Info("skipping schedule, live stream in progress")
		return
	}
	if r.sink.Playing() {
		log.Info("skipping schedule, sink busy")
		return
	}

	name := Basename(job.RecordURL)
	if !r.assets.Has(name) {
		if err := r.assets.Ensure(context.Background(), job.RecordURL); err != nil {
			log.Warn("record unavailable", "url", job.RecordURL, "error", err)
			return
		}
	}
	if !r.assets.Has(name) {
		log.Warn("record not cached", "url", job.RecordURL)
		return
	}

	volume := 1.0
	if job.Volume != nil {
		volume = *job.Volume
	}
	if err := r.sink.Play(r.assets.Path(name), volume); err != nil {
		log.Warn("playback failed", "error", err)
		return
	}
	log.Info("schedule playing", "record", name, "volume", volume)
}
