// Package handler implements the coordinator side of the control protocol:
// the event table served to operator consoles and endpoint devices over the
// streaming port.
//
// Every handler pulls its collaborators out of the dispatcher state, which
// the bootstrap seeds once from Deps. Identity is established exactly once
// per connection by the auth handler; frames that require an identity the
// session never earned make the handler drop the channel without a reply,
// so a probing client learns nothing.
package handler

import (
	"strings"

	"github.com/alxayo/go-rts/internal/auth"
	"github.com/alxayo/go-rts/internal/rts/dispatch"
	"github.com/alxayo/go-rts/internal/rts/registry"
	"github.com/alxayo/go-rts/internal/rts/wire"
	"github.com/alxayo/go-rts/internal/sfu"
	"github.com/alxayo/go-rts/internal/store"
)

// Origin is the public base URL of the asset server. Record rows store
// site-relative paths like /assets/audio/call.mp3; the sync reply must carry
// a URL the device can actually fetch.
type Origin string

// Resolve absolutizes a relative record path against the origin. Empty
// values and full URLs pass through.
func (o Origin) Resolve(fileURL string) string {
	if o == "" || fileURL == "" || strings.Contains(fileURL, "://") {
		return fileURL
	}
	return strings.TrimRight(string(o), "/") + "/" + strings.TrimLeft(fileURL, "/")
}

// Deps bundles everything the event table needs at runtime.
type Deps struct {
	Store    *store.Store
	Registry *registry.Registry
	Engine   *sfu.Engine
	Verifier *auth.Verifier
	Turn     wire.Turn
	Origin   Origin
}

// New builds the coordinator dispatcher: shared state seeded from deps and
// the full event table registered.
func New(deps Deps) *dispatch.Dispatcher {
	st := dispatch.NewState()
	dispatch.Set(st, deps.Store)
	dispatch.Set(st, deps.Registry)
	dispatch.Set(st, deps.Engine)
	dispatch.Set(st, deps.Verifier)
	dispatch.Set(st, deps.Turn)
	dispatch.Set(st, deps.Origin)

	d := dispatch.New(st)
	d.Register(wire.EventStart, start)
	d.Register(wire.EventPing, ping)
	d.Register(wire.EventEnd, end)
	d.Register(wire.EventAuth, authenticate)
	d.Register(wire.EventSync, syncSchedules)
	d.Register(wire.EventTurn, turnCredentials)
	d.Register(wire.EventOffer, offer)
	d.Register(wire.EventAnswer, answer)
	d.Register(wire.EventICES, ices)
	d.Register(wire.EventVolume, volume)
	d.Register(wire.EventAVSInfo, avsInfo)
	d.Register(wire.EventCommand, command)
	return d
}
