package handler

import (
	"context"

	"github.com/alxayo/go-rts/internal/rts/dispatch"
	"github.com/alxayo/go-rts/internal/rts/registry"
	"github.com/alxayo/go-rts/internal/rts/wire"
	"github.com/alxayo/go-rts/internal/sfu"
)

// volume adjusts the playback volume of the sender's live stream. Frames from
// anyone but an operator are ignored.
func volume(ctx context.Context, s *dispatch.Session) error {
	reg := dispatch.MustGet[*registry.Registry](s.State)
	engine := dispatch.MustGet[*sfu.Engine](s.State)

	operatorID, ok := reg.LookupOperator(s.Ch.ID())
	if !ok {
		return nil
	}
	var req wire.Volume
	if err := s.Decode(&req); err != nil {
		return err
	}
	if !engine.SetVolume(operatorID, req.Volume) {
		s.Log().Debug("volume with no live stream", "operator_id", operatorID)
	}
	return nil
}
