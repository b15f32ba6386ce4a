package handler

import (
	"context"

	"github.com/alxayo/go-rts/internal/rts/dispatch"
	"github.com/alxayo/go-rts/internal/rts/registry"
	"github.com/alxayo/go-rts/internal/rts/wire"
)

// command relays maintenance commands between operators and devices. The
// direction comes from the sender's identity: operators address an endpoint
// by unique id, endpoints send the result back to an operator by numeric id.
// An offline counterpart is logged and the frame dropped; the relay makes no
// delivery promise.
func command(ctx context.Context, s *dispatch.Session) error {
	reg := dispatch.MustGet[*registry.Registry](s.State)

	if _, ok := reg.LookupEndpoint(s.Ch.ID()); ok {
		var resp wire.CmdResponse
		if err := s.Decode(&resp); err != nil {
			return err
		}
		operator := reg.OperatorChannel(resp.Sender)
		if operator == nil {
			s.Log().Warn("command response for an offline operator", "operator_id", resp.Sender)
			return nil
		}
		return operator.Write(wire.EventCommand, resp)
	}
	if _, ok := reg.LookupOperator(s.Ch.ID()); ok {
		var req wire.CmdRequest
		if err := s.Decode(&req); err != nil {
			return err
		}
		endpoint := reg.EndpointChannel(req.Target)
		if endpoint == nil {
			s.Log().Warn("command for an offline endpoint", "unique_id", req.Target)
			return nil
		}
		return endpoint.Write(wire.EventCommand, req)
	}
	return nil
}
