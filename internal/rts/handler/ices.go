package handler

import (
	"context"
	"fmt"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/rts/dispatch"
	"github.com/alxayo/go-rts/internal/rts/registry"
	"github.com/alxayo/go-rts/internal/rts/wire"
	"github.com/alxayo/go-rts/internal/sfu"
)

// ices routes a candidate batch by the sender's identity: operators feed
// their publisher leg, endpoints their forwarder leg.
func ices(ctx context.Context, s *dispatch.Session) error {
	reg := dispatch.MustGet[*registry.Registry](s.State)
	engine := dispatch.MustGet[*sfu.Engine](s.State)

	var req wire.Ices
	if err := s.Decode(&req); err != nil {
		return err
	}
	if operatorID, ok := reg.LookupOperator(s.Ch.ID()); ok {
		return engine.OperatorICES(operatorID, req.Ices)
	}
	if uid, ok := reg.LookupEndpoint(s.Ch.ID()); ok {
		return engine.EndpointICES(uid, req.Ices)
	}
	return errors.NewAuth("ices", fmt.Errorf("ices from an unbound session"))
}
