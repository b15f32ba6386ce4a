// Package avs is the endpoint agent: the daemon running on each speaker
// device. It keeps one control-plane connection to the coordinator (redialing
// forever on loss), mirrors its schedule assignments into a local store, runs
// the scheduler against the local clock, plays live streams pushed over
// WebRTC, executes operator commands, and reports device telemetry.
package avs

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teris-io/shortid"

	"github.com/alxayo/go-rts/internal/logger"
	"github.com/alxayo/go-rts/internal/rts/channel"
	"github.com/alxayo/go-rts/internal/rts/dispatch"
	"github.com/alxayo/go-rts/internal/rts/wire"
	"github.com/alxayo/go-rts/internal/schedule"
	"github.com/alxayo/go-rts/internal/sfu"
)

// Config carries the agent's knobs. Zero values get production defaults.
type Config struct {
	APIURL       string // coordinator websocket URL
	DatabasePath string // local buntdb file
	DataPath     string // record cache root
	Description  string // device description sent at first provisioning
	Address      string // physical placement sent at first provisioning

	Player schedule.PlayerConfig

	RedialWait      time.Duration // pause between reconnect attempts
	PingWait        time.Duration // pause between a pong and the next ping
	TelemetryPeriod time.Duration // avs_info cadence while authenticated
	CommandTimeout  time.Duration // bound on one operator command chain
}

func (c *Config) applyDefaults() {
	if c.APIURL == "" {
		c.APIURL = "ws://localhost:1452/ws"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "devdata/db/rts-avs.db"
	}
	if c.DataPath == "" {
		c.DataPath = "devdata/assets"
	}
	if c.Description == "" {
		c.Description = "RTS endpoint"
	}
	if c.Address == "" {
		c.Address = "unplaced"
	}
	if c.RedialWait == 0 {
		c.RedialWait = 15 * time.Second
	}
	if c.PingWait == 0 {
		c.PingWait = 25 * time.Second
	}
	if c.TelemetryPeriod == 0 {
		c.TelemetryPeriod = 5 * time.Minute
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = time.Minute
	}
}

// Agent owns the endpoint's moving parts: local store, scheduler, playback
// sink, and the current live-stream consumer.
type Agent struct {
	cfg    Config
	store  *schedule.Store
	assets *schedule.Assets
	sink   schedule.Sink
	runner *schedule.Runner
	device *schedule.Device
	d      *dispatch.Dispatcher
	log    *slog.Logger

	mu       sync.Mutex
	consumer *sfu.Consumer
	bridge   *oggSink
	turn     wire.Turn
}

// setTurn caches the coordinator's ICE relay credentials for the next stream.
func (a *Agent) setTurn(t wire.Turn) {
	a.mu.Lock()
	a.turn = t
	a.mu.Unlock()
}

func (a *Agent) turnConfig() wire.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turn
}

// New opens the local store, provisions the device row on first run, and
// wires the scheduler and handler table.
func New(cfg Config) (*Agent, error) {
	cfg.applyDefaults()
	log := logger.Logger().With("component", "avs")

	st, err := schedule.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	device, err := st.Device()
	if stderrors.Is(err, schedule.ErrNotFound) {
		uid, genErr := shortid.Generate()
		if genErr != nil {
			_ = st.Close()
			return nil, genErr
		}
		device = &schedule.Device{UID: uid, Description: cfg.Description, Address: cfg.Address}
		if err := st.CreateDevice(device); err != nil {
			_ = st.Close()
			return nil, err
		}
		log.Info("device provisioned", "uid", uid)
	} else if err != nil {
		_ = st.Close()
		return nil, err
	}

	assets, err := schedule.NewAssets(cfg.DataPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	sink := schedule.NewPlayer(cfg.Player)
	runner := schedule.NewRunner(schedule.RunnerConfig{}, st, assets, sink)

	a := &Agent{
		cfg:    cfg,
		store:  st,
		assets: assets,
		sink:   sink,
		runner: runner,
		device: device,
		log:    log.With("uid", device.UID),
	}
	a.d = newDispatcher(a)
	return a, nil
}

// Device returns the provisioned identity row.
func (a *Agent) Device() *schedule.Device { return a.device }

// Streaming reports whether a live consumer is up.
func (a *Agent) Streaming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consumer != nil
}

// Sids lists the schedule ids mirrored locally.
func (a *Agent) Sids() ([]int, error) { return a.store.Sids() }

// Close releases the local store.
func (a *Agent) Close() error {
	a.runner.Stop()
	a.sink.Clear()
	return a.store.Close()
}

// Run starts the scheduler and keeps one connection to the coordinator alive
// until ctx is cancelled. Schedules keep firing between reconnects; only the
// control plane goes quiet.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.runner.Run(); err != nil {
		return err
	}
	defer a.runner.Stop()

	for {
		a.connectOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.RedialWait):
		}
	}
}

// connectOnce dials the coordinator and serves the session to its end. The
// serve loop blocks in socket reads, so cancellation closes the channel out
// from under it.
func (a *Agent) connectOnce(ctx context.Context) {
	ch, err := channel.Dial(ctx, a.cfg.APIURL)
	if err != nil {
		a.log.Warn("coordinator unreachable", "url", a.cfg.APIURL, "error", err)
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()

	a.log.Info("connected to coordinator", "url", a.cfg.APIURL)
	a.d.Serve(ctx, ch)
	a.log.Info("connection lost", "redial_wait", a.cfg.RedialWait.String())
}
