package handler

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/alxayo/go-rts/internal/auth"
	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/rts/dispatch"
	"github.com/alxayo/go-rts/internal/rts/registry"
	"github.com/alxayo/go-rts/internal/rts/wire"
	"github.com/alxayo/go-rts/internal/store"
	"github.com/alxayo/go-rts/internal/timeslot"
)

// authenticate establishes the session's identity. Operators present a bearer
// token, endpoints their device unique id; anything else is ignored. All
// rejections drop the channel without a reply frame.
func authenticate(ctx context.Context, s *dispatch.Session) error {
	var req wire.Authenticate
	if err := s.Decode(&req); err != nil {
		return err
	}
	switch req.ClientType {
	case wire.ClientOperator:
		return authOperator(s, req)
	case wire.ClientEndpoint:
		return authEndpoint(s, req)
	}
	s.Log().Warn("auth with unknown client type", "client_type", req.ClientType)
	return nil
}

func authOperator(s *dispatch.Session, req wire.Authenticate) error {
	verifier := dispatch.MustGet[*auth.Verifier](s.State)
	reg := dispatch.MustGet[*registry.Registry](s.State)

	user, err := verifier.VerifyOperator(req.ClientID)
	if err != nil {
		return err
	}
	if !reg.BindOperator(user.ID, s.Ch) {
		return errors.NewAuth("auth.operator",
			fmt.Errorf("operator %d already has a live session", user.ID))
	}
	s.Ch.BindOperator(user.ID)
	s.Ch.MarkAuthenticated()
	s.Log().Info("operator authenticated", "operator_id", user.ID, "role", user.Role)
	return s.Ch.Write(wire.EventAuthenticated, nil)
}

func authEndpoint(s *dispatch.Session, req wire.Authenticate) error {
	repo := dispatch.MustGet[*store.Store](s.State)
	reg := dispatch.MustGet[*registry.Registry](s.State)

	ep, err := repo.EndpointByUID(req.ClientID)
	if err != nil {
		if !stderrors.Is(err, store.ErrNotFound) {
			return errors.NewAuth("auth.endpoint", err)
		}
		return provisionEndpoint(s, req)
	}

	if !reg.BindEndpoint(ep.UniqueID, s.Ch) {
		return errors.NewAuth("auth.endpoint",
			fmt.Errorf("device %q already has a live session", ep.UniqueID))
	}
	s.Ch.BindEndpoint(ep.UniqueID)
	if err := repo.SetEndpointStatus(ep.UniqueID, store.StatusConnected); err != nil {
		s.Log().Warn("failed to mark endpoint connected", "unique_id", ep.UniqueID, "error", err)
	}
	// Devices an operator has not yet approved stay connected but silent:
	// no authenticated frame means no telemetry loop and no sync.
	if ep.Pending != 0 {
		s.Log().Info("pending endpoint connected", "unique_id", ep.UniqueID)
		return nil
	}
	s.Ch.MarkAuthenticated()
	s.Log().Info("endpoint authenticated", "unique_id", ep.UniqueID, "avs_id", ep.ID)
	return s.Ch.Write(wire.EventAuthenticated, nil)
}

// Accept approves a pending device. When its session is still up, the
// authentication the auth handler held back completes on the retained
// channel, so the device starts syncing without reconnecting.
func Accept(deps Deps, uid string) error {
	if err := deps.Store.AcceptEndpoint(uid); err != nil {
		return err
	}
	ch := deps.Registry.EndpointChannel(uid)
	if ch == nil {
		return nil
	}
	if mc, ok := ch.(interface{ MarkAuthenticated() }); ok {
		mc.MarkAuthenticated()
	}
	return ch.Write(wire.EventAuthenticated, nil)
}

// provisionEndpoint self-registers a device the repository has never seen.
// The row starts pending, so the session is kept but not authenticated.
func provisionEndpoint(s *dispatch.Session, req wire.Authenticate) error {
	repo := dispatch.MustGet[*store.Store](s.State)
	reg := dispatch.MustGet[*registry.Registry](s.State)

	slots, err := timeslot.New().JSON()
	if err != nil {
		return errors.NewAuth("auth.endpoint", err)
	}
	ep := &store.Endpoint{
		UniqueID:    req.ClientID,
		Description: req.ClientDescription,
		Address:     req.ClientAddress,
		Pending:     1,
		Status:      store.StatusConnected,
		Slots:       slots,
	}
	if err := repo.CreateEndpoint(ep); err != nil {
		return errors.NewAuth("auth.endpoint", err)
	}
	if !reg.BindEndpoint(ep.UniqueID, s.Ch) {
		return errors.NewAuth("auth.endpoint",
			fmt.Errorf("device %q already has a live session", ep.UniqueID))
	}
	s.Ch.BindEndpoint(ep.UniqueID)
	s.Log().Info("new endpoint registered, awaiting approval",
		"unique_id", ep.UniqueID, "avs_id", ep.ID)
	return nil
}
