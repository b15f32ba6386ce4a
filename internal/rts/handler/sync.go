package handler

import (
	"context"
	"fmt"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/logger"
	"github.com/alxayo/go-rts/internal/rts/dispatch"
	"github.com/alxayo/go-rts/internal/rts/registry"
	"github.com/alxayo/go-rts/internal/rts/wire"
	"github.com/alxayo/go-rts/internal/store"
)

// NotifyResync tells the named devices their assignments changed; each live
// one re-runs the sync exchange. Offline devices reconcile at their next
// connect, so write failures only get logged.
func NotifyResync(deps Deps, uids ...string) {
	for _, uid := range uids {
		ch := deps.Registry.EndpointChannel(uid)
		if ch == nil {
			continue
		}
		if err := ch.Write(wire.EventResync, nil); err != nil {
			logger.Logger().Debug("resync push failed", "unique_id", uid, "error", err)
		}
	}
}

// syncSchedules answers an endpoint's reconciliation request. The endpoint
// reports the schedule ids it holds; the reply carries full rows for
// everything it is missing and the ids of everything it must drop. Sending
// only the delta keeps the exchange cheap for devices on thin links.
func syncSchedules(ctx context.Context, s *dispatch.Session) error {
	reg := dispatch.MustGet[*registry.Registry](s.State)
	repo := dispatch.MustGet[*store.Store](s.State)

	origin := dispatch.MustGet[Origin](s.State)

	uid, ok := reg.LookupEndpoint(s.Ch.ID())
	if !ok {
		return errors.NewAuth("sync", fmt.Errorf("sync from a session with no endpoint identity"))
	}
	var req wire.SyncRequest
	if err := s.Decode(&req); err != nil {
		return err
	}

	// Sync has no failure payload: a storage error bubbles to the task
	// boundary, which logs it, and the endpoint retries at its next sync.
	ep, err := repo.EndpointByUID(uid)
	if err != nil {
		return err
	}
	pairs, err := repo.SchedulesWithRecordsForEndpoint(ep.ID)
	if err != nil {
		return err
	}

	local := make(map[int]bool, len(req.Local))
	for _, sid := range req.Local {
		local[sid] = true
	}
	reply := wire.SyncReply{Add: []wire.Schedule{}, Remove: []int{}}
	current := make(map[int]bool, len(pairs))
	for _, p := range pairs {
		current[p.Schedule.Sid] = true
		if !local[p.Schedule.Sid] {
			reply.Add = append(reply.Add, p.Schedule.ToWire(ep.ID, origin.Resolve(p.Record.FileURL)))
		}
	}
	for _, sid := range req.Local {
		if !current[sid] {
			reply.Remove = append(reply.Remove, sid)
		}
	}

	s.Log().Debug("sync delta computed",
		"unique_id", uid, "add", len(reply.Add), "remove", len(reply.Remove))
	return s.Ch.Write(wire.EventSync, reply)
}
