package handler

import (
	"context"
	"fmt"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/rts/dispatch"
	"github.com/alxayo/go-rts/internal/rts/registry"
	"github.com/alxayo/go-rts/internal/rts/wire"
	"github.com/alxayo/go-rts/internal/sfu"
	"github.com/alxayo/go-rts/internal/store"
)

// offer starts a live stream from an operator to the named endpoints. The
// operator gets either an answer or an offer:fail naming what went wrong.
// Targets that are merely offline are skipped rather than fatal, so one dead
// device never blocks an announcement to the rest.
func offer(ctx context.Context, s *dispatch.Session) error {
	reg := dispatch.MustGet[*registry.Registry](s.State)
	engine := dispatch.MustGet[*sfu.Engine](s.State)
	repo := dispatch.MustGet[*store.Store](s.State)

	operatorID, ok := reg.LookupOperator(s.Ch.ID())
	if !ok {
		return errors.NewAuth("offer", fmt.Errorf("offer from a session with no operator identity"))
	}
	var req wire.Offer
	if err := s.Decode(&req); err != nil {
		return err
	}
	if len(req.Target) == 0 {
		return failOffer(s, "offer.targets", "target avs is empty", nil)
	}

	// A storage hiccup is answered on the channel, not by dropping it.
	user, err := repo.UserByID(operatorID)
	if err != nil {
		return failOffer(s, "offer.user", "failed to add offer", err)
	}
	if user.Role == store.RoleAdmin {
		for _, uid := range req.Target {
			ep, err := repo.EndpointByUID(uid)
			if err != nil || !user.MayTarget(ep.ID) {
				return failOffer(s, "offer.authorize", "target avs not found", err)
			}
		}
	}

	targets := make([]sfu.Target, 0, len(req.Target))
	for _, uid := range req.Target {
		ch := reg.EndpointChannel(uid)
		if ch == nil {
			s.Log().Debug("target endpoint offline", "unique_id", uid)
			continue
		}
		targets = append(targets, sfu.Target{UID: uid, Endpoint: ch})
	}
	if len(targets) == 0 {
		return failOffer(s, "offer.targets", "target avs not found", nil)
	}

	answerText, uids, err := engine.CreateStream(operatorID, s.Ch, req.Offer, targets)
	if err != nil {
		reg.ClearOngoing(operatorID)
		msg := "failed to add offer"
		if isDomain, m := errors.IsDomain(err); isDomain {
			msg = m
		}
		return failOffer(s, "offer.stream", msg, err)
	}
	reg.SetOngoing(operatorID, uids)
	return s.Ch.Write(wire.EventAnswer, wire.Answer{Answer: answerText})
}

// failOffer reports an offer rejection to the operator and classifies it so
// the dispatcher logs it as a handled request failure.
func failOffer(s *dispatch.Session, op, msg string, cause error) error {
	if err := s.Ch.Write(wire.EventOfferFail, wire.Fail{Msg: msg}); err != nil {
		return err
	}
	return errors.NewDomain(op, msg, cause)
}
