package avs

import (
	"context"
	"strconv"
	"time"

	"github.com/alxayo/go-rts/internal/rts/channel"
	"github.com/alxayo/go-rts/internal/rts/dispatch"
	"github.com/alxayo/go-rts/internal/rts/wire"
)

// newDispatcher builds the endpoint's handler table. The same dispatch
// fabric runs on both ends of the wire; this is the client-side table.
func newDispatcher(a *Agent) *dispatch.Dispatcher {
	state := dispatch.NewState()
	dispatch.Set(state, a)

	d := dispatch.New(state)
	d.Register(wire.EventStart, start)
	d.Register(wire.EventPong, pong)
	d.Register(wire.EventEnd, end)
	d.Register(wire.EventAuthenticated, authenticated)
	d.Register(wire.EventSync, applySync)
	d.Register(wire.EventResync, resync)
	d.Register(wire.EventTurn, turnReply)
	d.Register(wire.EventOffer, offer)
	d.Register(wire.EventICES, ices)
	d.Register(wire.EventStreamClose, streamClose)
	d.Register(wire.EventVolume, liveVolume)
	d.Register(wire.EventCommand, command)
	return d
}

// start fires when the connection comes up: introduce the device, then open
// the ping/pong heartbeat.
func start(_ context.Context, s *dispatch.Session) error {
	a := dispatch.MustGet[*Agent](s.State)
	auth := wire.Authenticate{
		ClientID:          a.device.UID,
		ClientType:        wire.ClientEndpoint,
		ClientDescription: a.device.Description,
		ClientAddress:     a.device.Address,
	}
	s.Log().Info("authenticating")
	if err := s.Ch.Write(wire.EventAuth, auth); err != nil {
		return err
	}
	return s.Ch.Write(wire.EventPing, nil)
}

// pong re-arms the heartbeat: the next ping goes out after the ping wait,
// unless the session ends first.
func pong(ctx context.Context, s *dispatch.Session) error {
	a := dispatch.MustGet[*Agent](s.State)
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(a.cfg.PingWait):
			if err := s.Ch.Write(wire.EventPing, nil); err != nil {
				s.Log().Debug("ping failed", "error", err)
			}
		}
	}()
	return nil
}

// authenticated means the coordinator accepted the device: start the
// telemetry loop, fetch relay credentials, and ask for the schedule delta.
func authenticated(ctx context.Context, s *dispatch.Session) error {
	a := dispatch.MustGet[*Agent](s.State)
	s.Log().Info("authenticated, requesting schedule sync")
	go a.telemetryLoop(ctx, s.Ch)
	if err := s.Ch.Write(wire.EventTurn, nil); err != nil {
		return err
	}
	return a.sendSyncRequest(s.Ch)
}

// turnReply caches the ICE relay credentials for the next live stream.
func turnReply(_ context.Context, s *dispatch.Session) error {
	a := dispatch.MustGet[*Agent](s.State)
	var turn wire.Turn
	if err := s.Decode(&turn); err != nil {
		return err
	}
	a.setTurn(turn)
	s.Log().Debug("turn credentials received", "url", turn.URL)
	return nil
}

// applySync lands the coordinator's delta and reloads the scheduler when
// anything actually changed.
func applySync(_ context.Context, s *dispatch.Session) error {
	a := dispatch.MustGet[*Agent](s.State)
	var delta wire.SyncReply
	if err := s.Decode(&delta); err != nil {
		return err
	}
	if err := a.store.ApplySync(delta); err != nil {
		return err
	}
	s.Log().Info("schedules synced", "added", len(delta.Add), "removed", len(delta.Remove))
	if len(delta.Add) > 0 || len(delta.Remove) > 0 {
		return a.runner.Reload()
	}
	return nil
}

// resync is the coordinator telling us our assignments changed.
func resync(_ context.Context, s *dispatch.Session) error {
	a := dispatch.MustGet[*Agent](s.State)
	return a.sendSyncRequest(s.Ch)
}

// offer starts a live stream toward this endpoint.
func offer(_ context.Context, s *dispatch.Session) error {
	a := dispatch.MustGet[*Agent](s.State)
	var req wire.Offer
	if err := s.Decode(&req); err != nil {
		return err
	}
	return a.startStreaming(s.Ch, req.Offer)
}

// ices lands the coordinator's candidate batch on the live consumer.
func ices(_ context.Context, s *dispatch.Session) error {
	a := dispatch.MustGet[*Agent](s.State)
	var req wire.Ices
	if err := s.Decode(&req); err != nil {
		return err
	}
	return a.addICES(req.Ices)
}

// streamClose tears the live stream down and lets schedules play again.
func streamClose(_ context.Context, s *dispatch.Session) error {
	a := dispatch.MustGet[*Agent](s.State)
	a.closeStreaming()
	return nil
}

// liveVolume updates the playback volume; the decimal string parses with a
// 1.0 fallback. A stream in progress picks the change up immediately.
func liveVolume(_ context.Context, s *dispatch.Session) error {
	a := dispatch.MustGet[*Agent](s.State)
	var req wire.Volume
	if err := s.Decode(&req); err != nil {
		return err
	}
	volume, err := strconv.ParseFloat(req.Volume, 64)
	if err != nil {
		volume = 1.0
	}
	if err := a.setLiveVolume(volume); err != nil {
		return err
	}
	s.Log().Debug("stream volume updated", "volume", volume)
	return nil
}

// command executes an operator shell command and reports its output back.
func command(ctx context.Context, s *dispatch.Session) error {
	a := dispatch.MustGet[*Agent](s.State)
	var req wire.CmdRequest
	if err := s.Decode(&req); err != nil {
		return err
	}
	s.Log().Info("executing command", "sender", req.Sender)
	out := a.execute(ctx, req.Command)
	return s.Ch.Write(wire.EventCommand, wire.CmdResponse{
		Response: out,
		Sender:   req.Sender,
		Target:   req.Target,
	})
}

// end releases the session's stream, if one is up. Schedules keep running.
func end(_ context.Context, s *dispatch.Session) error {
	a := dispatch.MustGet[*Agent](s.State)
	a.closeStreaming()
	s.Log().Info("session ended")
	return nil
}

// sendSyncRequest reports the local sid set so the coordinator can compute
// the delta.
func (a *Agent) sendSyncRequest(ch *channel.Channel) error {
	sids, err := a.store.Sids()
	if err != nil {
		return err
	}
	return ch.Write(wire.EventSync, wire.SyncRequest{Local: sids})
}

// telemetryLoop pushes avs_info immediately and then on every period until
// the session ends.
func (a *Agent) telemetryLoop(ctx context.Context, ch *channel.Channel) {
	ticker := time.NewTicker(a.cfg.TelemetryPeriod)
	defer ticker.Stop()
	for {
		if err := ch.Write(wire.EventAVSInfo, collectInfo()); err != nil {
			a.log.Debug("telemetry stopped", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
