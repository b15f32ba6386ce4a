package schedule

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/buntdb"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/rts/wire"
)

// ErrNotFound marks a lookup that matched no row.
var ErrNotFound = stderrors.New("schedule: not found")

// Device is the endpoint's own identity row. Exactly one exists once the
// agent has provisioned itself.
type Device struct {
	ID          int    `json:"id"`
	UID         string `json:"uid"`
	Description string `json:"description"`
	Address     string `json:"address"`
}

// Store is the endpoint-local mirror: the device row plus the schedule rows
// the coordinator has synced down. Rows are JSON documents in an embedded
// buntdb file under DATA_PATH.
type Store struct {
	db *buntdb.DB
}

// Open opens (or creates) the local database at path.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.NewStorage("schedule.open", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error { return s.db.Close() }

const deviceKey = "device"

func scheduleKey(sid int) string { return "schedule:" + strconv.Itoa(sid) }

// Device returns the identity row, ErrNotFound before first provisioning.
func (s *Store) Device() (*Device, error) {
	var d *Device
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(deviceKey)
		if err != nil {
			if stderrors.Is(err, buntdb.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		d = new(Device)
		return json.Unmarshal([]byte(v), d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// CreateDevice writes the identity row. A second call fails.
func (s *Store) CreateDevice(d *Device) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(deviceKey); err == nil {
			return fmt.Errorf("device row already exists")
		}
		d.ID = 1
		b, err := json.Marshal(d)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(deviceKey, string(b), nil)
		return err
	})
}

// Schedules returns every synced schedule row.
func (s *Store) Schedules() ([]wire.Schedule, error) {
	var out []wire.Schedule
	err := s.db.View(func(tx *buntdb.Tx) error {
		var inner error
		tx.AscendKeys("schedule:*", func(_, v string) bool {
			var sc wire.Schedule
			if inner = json.Unmarshal([]byte(v), &sc); inner != nil {
				return false
			}
			out = append(out, sc)
			return true
		})
		return inner
	})
	if err != nil {
		return nil, errors.NewStorage("schedule.list", err)
	}
	return out, nil
}

// Sids returns the sid of every held schedule, for the sync request.
func (s *Store) Sids() ([]int, error) {
	sids := []int{}
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("schedule:*", func(k, _ string) bool {
			if sid, err := strconv.Atoi(strings.TrimPrefix(k, "schedule:")); err == nil {
				sids = append(sids, sid)
			}
			return true
		})
	})
	if err != nil {
		return nil, errors.NewStorage("schedule.sids", err)
	}
	return sids, nil
}

// ApplySync applies a coordinator delta in one transaction: removals first,
// then inserts. Re-adding an existing sid overwrites the row.
func (s *Store) ApplySync(delta wire.SyncReply) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		for _, sid := range delta.Remove {
			if _, err := tx.Delete(scheduleKey(sid)); err != nil && !stderrors.Is(err, buntdb.ErrNotFound) {
				return err
			}
		}
		for _, sc := range delta.Add {
			b, err := json.Marshal(sc)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(scheduleKey(sc.Sid), string(b), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.NewStorage("schedule.apply_sync", err)
	}
	return nil
}
