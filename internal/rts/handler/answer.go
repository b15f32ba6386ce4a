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

// answer routes an endpoint's session description to the forwarder serving
// it.
func answer(ctx context.Context, s *dispatch.Session) error {
	reg := dispatch.MustGet[*registry.Registry](s.State)
	engine := dispatch.MustGet[*sfu.Engine](s.State)

	uid, ok := reg.LookupEndpoint(s.Ch.ID())
	if !ok {
		return errors.NewAuth("answer", fmt.Errorf("answer from a session with no endpoint identity"))
	}
	var req wire.Answer
	if err := s.Decode(&req); err != nil {
		return err
	}
	return engine.Answer(uid, req.Answer)
}
