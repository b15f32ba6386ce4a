// Package store is the repository layer over an embedded buntdb database.
//
// The server keeps five kinds of rows, each a JSON document under a prefixed
// key:
//
//	avs:<unique_id>      endpoint device row (avsid:<id> aliases the numeric id)
//	record:<id>          recording catalog row
//	schedule:<sid>       schedule row
//	user:<id>            operator account
//	opsession:<token>    issued operator bearer token
//	seq:<name>           id counters
//
// Schedule creation and deletion maintain each targeted endpoint's occupancy
// grid inside the same transaction, so a collision aborts the whole write.
//
// DATABASE_URL points at the database file; ":memory:" runs ephemeral, which
// the tests use.
package store

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/logger"
	"github.com/alxayo/go-rts/internal/rts/wire"
	"github.com/alxayo/go-rts/internal/timeslot"
)

// ErrNotFound marks a lookup that matched no row.
var ErrNotFound = stderrors.New("store: not found")

// ErrCollision marks a schedule write that would double-book an endpoint.
var ErrCollision = stderrors.New("store: schedule collides with existing occupancy")

// Store is the server-side repository.
type Store struct {
	db  *buntdb.DB
	log *slog.Logger
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.NewStorage("store.open", err)
	}
	return &Store{db: db, log: logger.Logger().With("component", "store")}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error { return s.db.Close() }

func getJSON[T any](tx *buntdb.Tx, key string) (*T, error) {
	v, err := tx.Get(key)
	if err != nil {
		if stderrors.Is(err, buntdb.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal([]byte(v), out); err != nil {
		return nil, err
	}
	return out, nil
}

func setJSON(tx *buntdb.Tx, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, string(b), nil)
	return err
}

// nextSeq increments and returns the named id counter.
func nextSeq(tx *buntdb.Tx, name string) (int, error) {
	key := "seq:" + name
	cur := 0
	v, err := tx.Get(key)
	switch {
	case err == nil:
		cur, _ = strconv.Atoi(v)
	case stderrors.Is(err, buntdb.ErrNotFound):
	default:
		return 0, err
	}
	cur++
	if _, _, err := tx.Set(key, strconv.Itoa(cur), nil); err != nil {
		return 0, err
	}
	return cur, nil
}

func endpointKey(uid string) string { return "avs:" + uid }
func endpointIDKey(id int) string   { return "avsid:" + strconv.Itoa(id) }
func recordKey(id int) string       { return "record:" + strconv.Itoa(id) }
func scheduleKey(sid int) string    { return "schedule:" + strconv.Itoa(sid) }
func userKey(id int) string         { return "user:" + strconv.Itoa(id) }
func opSessionKey(token string) string { return "opsession:" + token }

// --- endpoints ---

// CreateEndpoint inserts a new device row, assigning its numeric id.
func (s *Store) CreateEndpoint(e *Endpoint) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(endpointKey(e.UniqueID)); err == nil {
			return fmt.Errorf("endpoint %q already exists", e.UniqueID)
		}
		id, err := nextSeq(tx, "avs")
		if err != nil {
			return err
		}
		e.ID = id
		now := time.Now().UTC()
		e.CreatedAt = now
		e.UpdatedAt = now
		if _, _, err := tx.Set(endpointIDKey(id), e.UniqueID, nil); err != nil {
			return err
		}
		return setJSON(tx, endpointKey(e.UniqueID), e)
	})
	if err != nil {
		return errors.NewStorage("store.create_endpoint", err)
	}
	return nil
}

// EndpointByUID loads a device row by its unique id.
func (s *Store) EndpointByUID(uid string) (*Endpoint, error) {
	var e *Endpoint
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		e, err = getJSON[Endpoint](tx, endpointKey(uid))
		return err
	})
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, errors.NewStorage("store.endpoint_by_uid", err)
	}
	return e, nil
}

// EndpointByID loads a device row by its numeric id.
func (s *Store) EndpointByID(id int) (*Endpoint, error) {
	var e *Endpoint
	err := s.db.View(func(tx *buntdb.Tx) error {
		uid, err := tx.Get(endpointIDKey(id))
		if err != nil {
			if stderrors.Is(err, buntdb.ErrNotFound) {
				return fmt.Errorf("%w: avs id %d", ErrNotFound, id)
			}
			return err
		}
		e, err = getJSON[Endpoint](tx, endpointKey(uid))
		return err
	})
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, errors.NewStorage("store.endpoint_by_id", err)
	}
	return e, nil
}

// ListEndpoints returns every device row.
func (s *Store) ListEndpoints() ([]Endpoint, error) {
	var out []Endpoint
	err := s.db.View(func(tx *buntdb.Tx) error {
		var inner error
		tx.AscendKeys("avs:*", func(key, value string) bool {
			var e Endpoint
			if err := json.Unmarshal([]byte(value), &e); err != nil {
				inner = err
				return false
			}
			out = append(out, e)
			return true
		})
		return inner
	})
	if err != nil {
		return nil, errors.NewStorage("store.list_endpoints", err)
	}
	return out, nil
}

// updateEndpoint loads, mutates, and rewrites one device row.
func (s *Store) updateEndpoint(op, uid string, mutate func(e *Endpoint)) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		e, err := getJSON[Endpoint](tx, endpointKey(uid))
		if err != nil {
			return err
		}
		mutate(e)
		e.UpdatedAt = time.Now().UTC()
		return setJSON(tx, endpointKey(uid), e)
	})
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return err
		}
		return errors.NewStorage(op, err)
	}
	return nil
}

// SetEndpointStatus flips the connectivity flag.
func (s *Store) SetEndpointStatus(uid string, status int) error {
	return s.updateEndpoint("store.set_endpoint_status", uid, func(e *Endpoint) {
		e.Status = status
	})
}

// AcceptEndpoint clears the pending flag once an operator approves the
// device.
func (s *Store) AcceptEndpoint(uid string) error {
	return s.updateEndpoint("store.accept_endpoint", uid, func(e *Endpoint) {
		e.Pending = 0
	})
}

// UpdateTelemetry merges the fields present in one avs_info report.
func (s *Store) UpdateTelemetry(uid string, info wire.AvsInfo) error {
	return s.updateEndpoint("store.update_telemetry", uid, func(e *Endpoint) {
		if info.Networks != nil {
			e.Networks = *info.Networks
		}
		if info.MemTotal != nil {
			e.MemTotal = *info.MemTotal
		}
		if info.MemFree != nil {
			e.MemFree = *info.MemFree
		}
		if info.DiskTotal != nil {
			e.DiskTotal = *info.DiskTotal
		}
		if info.DiskFree != nil {
			e.DiskFree = *info.DiskFree
		}
		if info.CPUTemp != nil {
			e.CPUTemp = *info.CPUTemp
		}
	})
}

// --- records ---

// CreateRecord inserts a catalog row, assigning its id.
func (s *Store) CreateRecord(r *Record) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		id, err := nextSeq(tx, "record")
		if err != nil {
			return err
		}
		r.ID = id
		return setJSON(tx, recordKey(id), r)
	})
	if err != nil {
		return errors.NewStorage("store.create_record", err)
	}
	return nil
}

// RecordByID loads one catalog row.
func (s *Store) RecordByID(id int) (*Record, error) {
	var r *Record
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		r, err = getJSON[Record](tx, recordKey(id))
		return err
	})
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, errors.NewStorage("store.record_by_id", err)
	}
	return r, nil
}

// --- schedules ---

func parseHHMM(s string) (int, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad time %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("time %q out of range", s)
	}
	return h, m, nil
}

func atoiList(in []string) ([]int, error) {
	out := make([]int, 0, len(in))
	for _, s := range in {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", s)
		}
		out = append(out, n)
	}
	return out, nil
}

// applyOccupancy walks every minute range the schedule claims and either adds
// it to or removes it from ts. Returns ErrCollision as soon as an add is
// refused.
func applyOccupancy(ts *timeslot.TimeSlots, sch *Schedule, durMin int, add bool) error {
	weeks, err := atoiList(sch.Weeks)
	if err != nil {
		return err
	}
	dates, err := atoiList(sch.Dates)
	if err != nil {
		return err
	}
	for _, t := range sch.Times {
		hh, mm, err := parseHHMM(t)
		if err != nil {
			return err
		}
		switch sch.Kind {
		case wire.KindRepetition:
			for _, w := range weeks {
				for _, d := range sch.Days {
					if add {
						collided, err := ts.AddWeek(w, d, hh, mm, durMin)
						if err != nil {
							return err
						}
						if collided {
							return ErrCollision
						}
					} else if err := ts.RemoveWeek(w, d, hh, mm, durMin); err != nil {
						return err
					}
				}
			}
			for _, date := range dates {
				if add {
					collided, err := ts.Add(date, hh, mm, durMin)
					if err != nil {
						return err
					}
					if collided {
						return ErrCollision
					}
				} else if err := ts.Remove(date, hh, mm, durMin); err != nil {
					return err
				}
			}
		case wire.KindCalendar:
			if sch.Month == nil || sch.Year == nil {
				return fmt.Errorf("calendar schedule %d missing month/year", sch.Sid)
			}
			for _, date := range dates {
				if add {
					collided, err := ts.AddOnce(*sch.Year, *sch.Month, date, hh, mm, durMin)
					if err != nil {
						return err
					}
					if collided {
						return ErrCollision
					}
				} else if err := ts.RemoveOnce(*sch.Year, *sch.Month, date, hh, mm, durMin); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unknown schedule kind %d", sch.Kind)
		}
	}
	return nil
}

// CreateSchedule validates the schedule against every targeted endpoint's
// occupancy grid and persists row and grids atomically. Returns ErrCollision
// (leaving the database untouched) when any target is double-booked.
func (s *Store) CreateSchedule(sch *Schedule) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		rec, err := getJSON[Record](tx, recordKey(sch.RecordID))
		if err != nil {
			return err
		}
		durMin := rec.DurationMinutes()

		for _, devID := range sch.DeviceIDs {
			uid, err := tx.Get(endpointIDKey(devID))
			if err != nil {
				if stderrors.Is(err, buntdb.ErrNotFound) {
					return fmt.Errorf("%w: avs id %d", ErrNotFound, devID)
				}
				return err
			}
			e, err := getJSON[Endpoint](tx, endpointKey(uid))
			if err != nil {
				return err
			}
			ts := timeslot.New()
			if e.Slots != "" {
				if ts, err = timeslot.Parse(e.Slots); err != nil {
					return err
				}
			}
			if err := applyOccupancy(ts, sch, durMin, true); err != nil {
				return err
			}
			if e.Slots, err = ts.JSON(); err != nil {
				return err
			}
			e.UpdatedAt = time.Now().UTC()
			if err := setJSON(tx, endpointKey(uid), e); err != nil {
				return err
			}
		}

		sid, err := nextSeq(tx, "schedule")
		if err != nil {
			return err
		}
		sch.Sid = sid
		return setJSON(tx, scheduleKey(sid), sch)
	})
	if err != nil {
		if stderrors.Is(err, ErrCollision) || stderrors.Is(err, ErrNotFound) {
			return err
		}
		return errors.NewStorage("store.create_schedule", err)
	}
	return nil
}

// DeleteSchedule removes the row and releases its minutes on every targeted
// endpoint.
func (s *Store) DeleteSchedule(sid int) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		sch, err := getJSON[Schedule](tx, scheduleKey(sid))
		if err != nil {
			return err
		}
		rec, err := getJSON[Record](tx, recordKey(sch.RecordID))
		if err != nil {
			return err
		}
		durMin := rec.DurationMinutes()

		for _, devID := range sch.DeviceIDs {
			uid, err := tx.Get(endpointIDKey(devID))
			if err != nil {
				// The device row may be gone already; nothing to release.
				if stderrors.Is(err, buntdb.ErrNotFound) {
					continue
				}
				return err
			}
			e, err := getJSON[Endpoint](tx, endpointKey(uid))
			if err != nil {
				return err
			}
			if e.Slots == "" {
				continue
			}
			ts, err := timeslot.Parse(e.Slots)
			if err != nil {
				return err
			}
			if err := applyOccupancy(ts, sch, durMin, false); err != nil {
				return err
			}
			if e.Slots, err = ts.JSON(); err != nil {
				return err
			}
			e.UpdatedAt = time.Now().UTC()
			if err := setJSON(tx, endpointKey(uid), e); err != nil {
				return err
			}
		}

		_, err = tx.Delete(scheduleKey(sid))
		return err
	})
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return err
		}
		return errors.NewStorage("store.delete_schedule", err)
	}
	return nil
}

// ScheduleBySid loads one schedule row.
func (s *Store) ScheduleBySid(sid int) (*Schedule, error) {
	var sch *Schedule
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		sch, err = getJSON[Schedule](tx, scheduleKey(sid))
		return err
	})
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, errors.NewStorage("store.schedule_by_sid", err)
	}
	return sch, nil
}

// SchedulesForEndpoint returns every schedule whose target set includes the
// endpoint.
func (s *Store) SchedulesForEndpoint(endpointID int) ([]Schedule, error) {
	var out []Schedule
	err := s.db.View(func(tx *buntdb.Tx) error {
		var inner error
		tx.AscendKeys("schedule:*", func(key, value string) bool {
			var sch Schedule
			if err := json.Unmarshal([]byte(value), &sch); err != nil {
				inner = err
				return false
			}
			if sch.Targets(endpointID) {
				out = append(out, sch)
			}
			return true
		})
		return inner
	})
	if err != nil {
		return nil, errors.NewStorage("store.schedules_for_endpoint", err)
	}
	return out, nil
}

// ScheduleWithRecord pairs a schedule row with the recording it plays.
type ScheduleWithRecord struct {
	Schedule Schedule
	Record   Record
}

// SchedulesWithRecordsForEndpoint is the sync-reply query: every schedule
// targeting the endpoint, joined with its record so the reply can carry the
// file URL.
func (s *Store) SchedulesWithRecordsForEndpoint(endpointID int) ([]ScheduleWithRecord, error) {
	schedules, err := s.SchedulesForEndpoint(endpointID)
	if err != nil {
		return nil, err
	}
	out := make([]ScheduleWithRecord, 0, len(schedules))
	for _, sch := range schedules {
		rec, err := s.RecordByID(sch.RecordID)
		if err != nil {
			if stderrors.Is(err, ErrNotFound) {
				s.log.Warn("schedule references missing record",
					"sid", sch.Sid, "record_id", sch.RecordID)
				continue
			}
			return nil, err
		}
		out = append(out, ScheduleWithRecord{Schedule: sch, Record: *rec})
	}
	return out, nil
}

// --- users ---

// CreateUser inserts an operator account, assigning its id.
func (s *Store) CreateUser(u *User) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		id, err := nextSeq(tx, "user")
		if err != nil {
			return err
		}
		u.ID = id
		return setJSON(tx, userKey(id), u)
	})
	if err != nil {
		return errors.NewStorage("store.create_user", err)
	}
	return nil
}

// UserByID loads one operator account.
func (s *Store) UserByID(id int) (*User, error) {
	var u *User
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		u, err = getJSON[User](tx, userKey(id))
		return err
	})
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, errors.NewStorage("store.user_by_id", err)
	}
	return u, nil
}

// --- operator sessions ---

// CreateOpSession records an issued bearer token.
func (s *Store) CreateOpSession(sess *OpSession) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, opSessionKey(sess.Token), sess)
	})
	if err != nil {
		return errors.NewStorage("store.create_opsession", err)
	}
	return nil
}

// OpSessionByToken loads the session row for a presented token.
func (s *Store) OpSessionByToken(token string) (*OpSession, error) {
	var sess *OpSession
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		sess, err = getJSON[OpSession](tx, opSessionKey(token))
		return err
	})
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, errors.NewStorage("store.opsession_by_token", err)
	}
	return sess, nil
}
