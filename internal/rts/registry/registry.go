// Package registry tracks which logical identity owns which live channel.
//
// Thread-safe mapping between session ids and bound identities: endpoints by
// unique id, operators by numeric id, each with a reverse index from session
// id. A fifth map records which endpoints an operator is currently streaming
// to, for observability.
//
// Concurrency model: one sync.RWMutex guards all five maps so every operation
// observes direct and reverse indices in a consistent state. No operation
// blocks for I/O.
package registry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	endpointsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rts",
		Subsystem: "registry",
		Name:      "endpoints",
		Help:      "Endpoints with a live bound session.",
	})
	operatorsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rts",
		Subsystem: "registry",
		Name:      "operators",
		Help:      "Operators with a live bound session.",
	})
	ongoingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rts",
		Subsystem: "registry",
		Name:      "ongoing_streams",
		Help:      "Operators currently streaming.",
	})
)

// Conn is the subset of the message channel the registry hands out to
// callers that need to reach a bound peer.
type Conn interface {
	ID() string
	Write(event string, payload any) error
	Close() error
}

// Registry holds all identity bindings for one server process.
type Registry struct {
	mu                sync.RWMutex
	endpoints         map[string]Conn   // unique id → channel
	endpointBySession map[string]string // session id → unique id
	operators         map[int]Conn      // operator id → channel
	operatorBySession map[string]int    // session id → operator id
	ongoing           map[int][]string  // operator id → streamed endpoint unique ids
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		endpoints:         make(map[string]Conn),
		endpointBySession: make(map[string]string),
		operators:         make(map[int]Conn),
		operatorBySession: make(map[string]int),
		ongoing:           make(map[int][]string),
	}
}

// BindEndpoint binds uniqueID to ch. Returns false, with no mutation, when
// the unique id is already bound to a live channel; callers pre-check with
// EndpointBound for the reject path.
func (r *Registry) BindEndpoint(uniqueID string, ch Conn) bool {
	if uniqueID == "" || ch == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[uniqueID]; ok {
		return false
	}
	r.endpoints[uniqueID] = ch
	r.endpointBySession[ch.ID()] = uniqueID
	endpointsGauge.Set(float64(len(r.endpoints)))
	return true
}

// BindOperator binds the operator id to ch. Same contract as BindEndpoint.
func (r *Registry) BindOperator(operatorID int, ch Conn) bool {
	if operatorID == 0 || ch == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.operators[operatorID]; ok {
		return false
	}
	r.operators[operatorID] = ch
	r.operatorBySession[ch.ID()] = operatorID
	operatorsGauge.Set(float64(len(r.operators)))
	return true
}

// EndpointBound reports whether the unique id currently has a session.
func (r *Registry) EndpointBound(uniqueID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.endpoints[uniqueID]
	return ok
}

// OperatorBound reports whether the operator currently has a session.
func (r *Registry) OperatorBound(operatorID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.operators[operatorID]
	return ok
}

// LookupEndpoint resolves a session id to its endpoint unique id.
func (r *Registry) LookupEndpoint(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uid, ok := r.endpointBySession[sessionID]
	return uid, ok
}

// LookupOperator resolves a session id to its operator id.
func (r *Registry) LookupOperator(sessionID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.operatorBySession[sessionID]
	return id, ok
}

// EndpointChannel returns the live channel for uniqueID, nil when offline.
func (r *Registry) EndpointChannel(uniqueID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[uniqueID]
}

// OperatorChannel returns the live channel for the operator, nil when offline.
func (r *Registry) OperatorChannel(operatorID int) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operators[operatorID]
}

// UnbindBySession drops whatever identity the session holds from both the
// direct and reverse indices. Unknown sessions are a no-op.
func (r *Registry) UnbindBySession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if uid, ok := r.endpointBySession[sessionID]; ok {
		delete(r.endpointBySession, sessionID)
		// Only drop the direct entry if it still points at this session;
		// a newer channel may have bound after the old one was rejected.
		if ch, ok := r.endpoints[uid]; ok && ch.ID() == sessionID {
			delete(r.endpoints, uid)
		}
		endpointsGauge.Set(float64(len(r.endpoints)))
	}
	if opID, ok := r.operatorBySession[sessionID]; ok {
		delete(r.operatorBySession, sessionID)
		if ch, ok := r.operators[opID]; ok && ch.ID() == sessionID {
			delete(r.operators, opID)
		}
		delete(r.ongoing, opID)
		operatorsGauge.Set(float64(len(r.operators)))
		ongoingGauge.Set(float64(len(r.ongoing)))
	}
}

// SetOngoing records the endpoint set an operator is streaming to.
func (r *Registry) SetOngoing(operatorID int, uniqueIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(uniqueIDs))
	copy(ids, uniqueIDs)
	r.ongoing[operatorID] = ids
	ongoingGauge.Set(float64(len(r.ongoing)))
}

// ClearOngoing removes the operator's streaming record.
func (r *Registry) ClearOngoing(operatorID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ongoing, operatorID)
	ongoingGauge.Set(float64(len(r.ongoing)))
}

// OngoingFor returns a snapshot of the streaming map restricted to the given
// operator ids; with no ids it returns the whole map.
func (r *Registry) OngoingFor(operatorIDs ...int) map[int][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int][]string)
	if len(operatorIDs) == 0 {
		for id, targets := range r.ongoing {
			out[id] = append([]string(nil), targets...)
		}
		return out
	}
	for _, id := range operatorIDs {
		if targets, ok := r.ongoing[id]; ok {
			out[id] = append([]string(nil), targets...)
		}
	}
	return out
}

// OngoingForEndpoints is the unique-id keyed view: streams whose target list
// contains any of the given endpoint unique ids.
func (r *Registry) OngoingForEndpoints(uids ...string) map[int][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	want := make(map[string]bool, len(uids))
	for _, uid := range uids {
		want[uid] = true
	}
	out := make(map[int][]string)
	for id, targets := range r.ongoing {
		for _, uid := range targets {
			if want[uid] {
				out[id] = append([]string(nil), targets...)
				break
			}
		}
	}
	return out
}

// ConnectedEndpoints returns a snapshot of all bound endpoint unique ids.
func (r *Registry) ConnectedEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.endpoints))
	for uid := range r.endpoints {
		ids = append(ids, uid)
	}
	return ids
}

// EndpointCount returns the number of bound endpoints.
func (r *Registry) EndpointCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// OperatorCount returns the number of bound operators.
func (r *Registry) OperatorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.operators)
}

// Snapshot is a point-in-time view of every binding, for observability
// surfaces.
type Snapshot struct {
	Endpoints []string         `json:"endpoints"`
	Operators []int            `json:"operators"`
	Ongoing   map[int][]string `json:"ongoing"`
}

// Snapshot copies the registry's current state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		Endpoints: make([]string, 0, len(r.endpoints)),
		Operators: make([]int, 0, len(r.operators)),
		Ongoing:   make(map[int][]string, len(r.ongoing)),
	}
	for uid := range r.endpoints {
		snap.Endpoints = append(snap.Endpoints, uid)
	}
	for id := range r.operators {
		snap.Operators = append(snap.Operators, id)
	}
	for id, targets := range r.ongoing {
		snap.Ongoing[id] = append([]string(nil), targets...)
	}
	return snap
}
