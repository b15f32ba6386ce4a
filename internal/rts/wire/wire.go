// Package wire defines the control-plane frame and every payload shape that
// travels over a message channel. A frame is a JSON object with two string
// fields; the inner payload is itself JSON, encoded into Data, and stays
// opaque to the channel layer.
package wire

// Message is the outer frame: {"event": <name>, "data": <inner JSON>}.
type Message struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// Event names. Direction notes follow the protocol table; "local" events are
// synthesized by the dispatcher and never appear on the wire.
const (
	EventStart         = "start"         // local: connection accepted
	EventAuth          = "auth"          // client→server
	EventAuthenticated = "authenticated" // server→peer
	EventPing          = "ping"          // either
	EventPong          = "pong"          // either
	EventSync          = "sync"          // endpoint→server (request) / server→endpoint (reply)
	EventResync        = "resync"        // server→endpoint
	EventTurn          = "turn"          // server→peer
	EventOffer         = "offer"         // operator→server / server→endpoint
	EventOfferFail     = "offer:fail"    // server→operator
	EventAnswer        = "answer"        // either
	EventICES          = "ices"          // either
	EventVolume        = "volume"        // either
	EventStreamClose   = "stream:close"  // server→endpoint
	EventCommand       = "command"       // operator↔endpoint via server
	EventAVSInfo       = "avs_info"      // endpoint→server
	EventEnd           = "end"           // local: connection lost
)

// Client types carried in the auth payload.
const (
	ClientOperator = 1
	ClientEndpoint = 2
)

// Schedule kinds.
const (
	KindRepetition = 1
	KindCalendar   = 2
)

// Operator roles.
const (
	RoleRoot       = 1
	RoleSuperadmin = 2
	RoleAdmin      = 3
)

// Authenticate is the auth payload. For operators ClientID carries the bearer
// token; for endpoints it carries the device unique id.
type Authenticate struct {
	ClientID          string `json:"client_id"`
	ClientType        int    `json:"client_type"`
	ClientDescription string `json:"client_description"`
	ClientAddress     string `json:"client_address"`
}

// Schedule is the sync-reply view of one schedule, with the per-endpoint
// volume already resolved. Optional fields stay nil when absent so the JSON
// matches what peers expect.
type Schedule struct {
	Sid       int      `json:"sid"`
	Name      string   `json:"name"`
	Days      []int    `json:"days,omitempty"`
	RecordURL string   `json:"record_url"`
	Kind      int      `json:"kind"`
	Weeks     []int    `json:"weeks,omitempty"`
	Dates     []int    `json:"dates,omitempty"`
	Times     []string `json:"times,omitempty"`
	Month     *int     `json:"month,omitempty"`
	Year      *int     `json:"year,omitempty"`
	Volume    *float64 `json:"volume,omitempty"`
}

// SyncRequest is the endpoint's sync payload: the sids it currently holds.
type SyncRequest struct {
	Local []int `json:"local"`
}

// SyncReply is the server's sync payload: the delta the endpoint must apply.
type SyncReply struct {
	Add    []Schedule `json:"add"`
	Remove []int      `json:"remove"`
}

// Turn carries ICE relay credentials.
type Turn struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Offer carries a serialized session description. Operator→server the Target
// list names the endpoints to stream to; server→endpoint it is empty.
type Offer struct {
	Offer  string   `json:"offer"`
	Target []string `json:"target"`
}

// Answer carries a serialized session description in reply to an offer.
type Answer struct {
	Answer string `json:"answer"`
}

// Ices carries the complete local candidate set, serialized as one inner JSON
// array, sent once when gathering finishes.
type Ices struct {
	Ices string `json:"ices"`
}

// Volume carries a decimal volume scalar as text; endpoints parse it with a
// 1.0 fallback.
type Volume struct {
	Volume string `json:"volume"`
}

// Fail is the generic event-specific failure payload (offer:fail).
type Fail struct {
	Msg string `json:"msg"`
}

// CmdRequest travels operator→server→endpoint. Sender is the operator id the
// response must come back to; Target the endpoint unique id.
type CmdRequest struct {
	Command string `json:"command"`
	Sender  int    `json:"sender"`
	Target  string `json:"target"`
}

// CmdResponse travels endpoint→server→operator.
type CmdResponse struct {
	Response string `json:"response"`
	Sender   int    `json:"sender"`
	Target   string `json:"target"`
}

// AvsInfo is endpoint telemetry; all fields are optional free-form text.
type AvsInfo struct {
	Networks  *string `json:"networks,omitempty"`
	MemTotal  *string `json:"mem_total,omitempty"`
	MemFree   *string `json:"mem_free,omitempty"`
	DiskTotal *string `json:"disk_total,omitempty"`
	DiskFree  *string `json:"disk_free,omitempty"`
	CPUTemp   *string `json:"cpu_temp,omitempty"`
}
