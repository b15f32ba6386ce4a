package handler

import (
	"context"
	"fmt"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/rts/dispatch"
	"github.com/alxayo/go-rts/internal/rts/registry"
	"github.com/alxayo/go-rts/internal/rts/wire"
)

// turnCredentials hands the configured ICE relay to any bound peer. Sessions
// that never authenticated get dropped instead.
func turnCredentials(ctx context.Context, s *dispatch.Session) error {
	reg := dispatch.MustGet[*registry.Registry](s.State)
	_, isOperator := reg.LookupOperator(s.Ch.ID())
	_, isEndpoint := reg.LookupEndpoint(s.Ch.ID())
	if !isOperator && !isEndpoint {
		return errors.NewAuth("turn", fmt.Errorf("turn request from an unbound session"))
	}
	turn := dispatch.MustGet[wire.Turn](s.State)
	return s.Ch.Write(wire.EventTurn, turn)
}
