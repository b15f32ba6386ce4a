package handler

import (
	"context"

	"github.com/alxayo/go-rts/internal/rts/dispatch"
	"github.com/alxayo/go-rts/internal/rts/registry"
	"github.com/alxayo/go-rts/internal/rts/wire"
	"github.com/alxayo/go-rts/internal/sfu"
	"github.com/alxayo/go-rts/internal/store"
)

// start fires when a connection is accepted, before any frame arrives. The
// peer introduces itself with auth; until then the session has no identity.
func start(ctx context.Context, s *dispatch.Session) error {
	s.Log().Info("connection accepted", "remote", s.Ch.RemoteAddr())
	return nil
}

// ping answers the peer's liveness probe. Both operators and endpoints probe;
// neither needs to be authenticated for it.
func ping(ctx context.Context, s *dispatch.Session) error {
	return s.Ch.Write(wire.EventPong, nil)
}

// end releases everything the session held once the transport is gone:
// operators lose their live stream, endpoints leave whatever stream was
// playing to them and get marked disconnected in the repository.
func end(ctx context.Context, s *dispatch.Session) error {
	reg := dispatch.MustGet[*registry.Registry](s.State)
	engine := dispatch.MustGet[*sfu.Engine](s.State)
	repo := dispatch.MustGet[*store.Store](s.State)

	if operatorID, ok := reg.LookupOperator(s.Ch.ID()); ok {
		engine.CloseStream(operatorID)
		s.Log().Info("operator disconnected", "operator_id", operatorID)
	}
	if uid, ok := reg.LookupEndpoint(s.Ch.ID()); ok {
		if operatorID, wasLive := engine.DropEndpoint(uid); wasLive {
			reg.SetOngoing(operatorID, engine.Ongoing()[operatorID])
		}
		if err := repo.SetEndpointStatus(uid, store.StatusDisconnected); err != nil {
			s.Log().Warn("failed to mark endpoint disconnected", "unique_id", uid, "error", err)
		}
		s.Log().Info("endpoint disconnected", "unique_id", uid)
	}
	reg.UnbindBySession(s.Ch.ID())
	return s.Ch.Close()
}
