package store

import (
	"strconv"
	"strings"
	"time"

	"github.com/alxayo/go-rts/internal/rts/wire"
)

// Endpoint is one field playback device as the server knows it. Pending is 1
// from self-registration until an operator accepts the device; Status tracks
// connectivity. Slots carries the device's serialized occupancy grid.
type Endpoint struct {
	ID          int    `json:"id"`
	UniqueID    string `json:"unique_id"`
	Description string `json:"description"`
	Address     string `json:"address"`
	Pending     int    `json:"pending"`
	Status      int    `json:"status"`
	Slots       string `json:"slots,omitempty"`

	// Last reported telemetry.
	Networks  string `json:"networks,omitempty"`
	MemTotal  string `json:"mem_total,omitempty"`
	MemFree   string `json:"mem_free,omitempty"`
	DiskTotal string `json:"disk_total,omitempty"`
	DiskFree  string `json:"disk_free,omitempty"`
	CPUTemp   string `json:"cpu_temp,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	StatusConnected    = 1
	StatusDisconnected = 2
)

// Record is one uploaded recording in the catalog.
type Record struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	Hash            string `json:"hash"`
	FileURL         string `json:"file_url"`
	DurationSeconds int    `json:"duration_seconds"`
	Status          int    `json:"status"` // 0 pending upload, 1 active
}

// DurationMinutes is the record length rounded up to whole minutes, the unit
// the occupancy grid works in.
func (r *Record) DurationMinutes() int {
	return (r.DurationSeconds + 59) / 60
}

// Schedule is the server-side schedule row. DeviceIDs targets endpoints by
// their numeric id; Volumes holds per-device overrides encoded "id:volume".
type Schedule struct {
	Sid       int      `json:"sid"`
	Name      string   `json:"name"`
	Kind      int      `json:"kind"`
	Days      []int    `json:"days,omitempty"`
	Weeks     []string `json:"weeks,omitempty"`
	Dates     []string `json:"dates,omitempty"`
	Times     []string `json:"times,omitempty"`
	Month     *int     `json:"month,omitempty"`
	Year      *int     `json:"year,omitempty"`
	RecordID  int      `json:"record_id"`
	UserID    int      `json:"user_id"`
	DeviceIDs []int    `json:"device_ids"`
	Volumes   []string `json:"volumes,omitempty"`
}

// Targets reports whether the schedule includes the endpoint.
func (s *Schedule) Targets(endpointID int) bool {
	for _, id := range s.DeviceIDs {
		if id == endpointID {
			return true
		}
	}
	return false
}

// VolumeFor resolves the playback volume for one endpoint. Entries are
// "id:volume"; a missing or unparseable entry falls back to 1.0.
func (s *Schedule) VolumeFor(endpointID int) float64 {
	prefix := strconv.Itoa(endpointID) + ":"
	for _, v := range s.Volumes {
		if !strings.HasPrefix(v, prefix) {
			continue
		}
		f, err := strconv.ParseFloat(v[len(prefix):], 64)
		if err != nil {
			break
		}
		return f
	}
	return 1.0
}

// intList converts the stored string lists (as submitted by the management
// forms) to the numeric form the wire schema uses. Unparseable entries are
// dropped.
func intList(in []string) []int {
	var out []int
	for _, s := range in {
		if n, err := strconv.Atoi(s); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// ToWire converts the schedule to its sync-reply form for one endpoint, with
// the record URL resolved and the endpoint's volume flattened to a scalar.
func (s *Schedule) ToWire(endpointID int, recordURL string) wire.Schedule {
	vol := s.VolumeFor(endpointID)
	return wire.Schedule{
		Sid:       s.Sid,
		Name:      s.Name,
		Kind:      s.Kind,
		Days:      s.Days,
		Weeks:     intList(s.Weeks),
		Dates:     intList(s.Dates),
		Times:     s.Times,
		Month:     s.Month,
		Year:      s.Year,
		RecordURL: recordURL,
		Volume:    &vol,
	}
}

// User roles. Admins (role 3) are restricted to the endpoints listed in their
// DeviceIDs; root and superadmin see the whole fleet.
const (
	RoleRoot       = 1
	RoleSuperadmin = 2
	RoleAdmin      = 3
)

// User is an operator account.
type User struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      int    `json:"role"`
	DeviceIDs []int  `json:"device_ids,omitempty"`
}

// MayTarget reports whether the user is authorized to stream to the endpoint.
func (u *User) MayTarget(endpointID int) bool {
	if u.Role != RoleAdmin {
		return true
	}
	for _, id := range u.DeviceIDs {
		if id == endpointID {
			return true
		}
	}
	return false
}

// OpSession is one issued operator bearer token.
type OpSession struct {
	Token     string    `json:"token"`
	UserID    int       `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its validity window.
func (s *OpSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
