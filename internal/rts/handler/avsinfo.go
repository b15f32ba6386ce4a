package handler

import (
	"context"
	stderrors "errors"

	"github.com/alxayo/go-rts/internal/rts/dispatch"
	"github.com/alxayo/go-rts/internal/rts/registry"
	"github.com/alxayo/go-rts/internal/rts/wire"
	"github.com/alxayo/go-rts/internal/store"
)

// avsInfo persists a device's telemetry report. Reports from sessions without
// an endpoint identity are dropped.
func avsInfo(ctx context.Context, s *dispatch.Session) error {
	reg := dispatch.MustGet[*registry.Registry](s.State)
	repo := dispatch.MustGet[*store.Store](s.State)

	uid, ok := reg.LookupEndpoint(s.Ch.ID())
	if !ok {
		return nil
	}
	var info wire.AvsInfo
	if err := s.Decode(&info); err != nil {
		return err
	}
	if err := repo.UpdateTelemetry(uid, info); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	s.Log().Debug("telemetry updated", "unique_id", uid)
	return nil
}
