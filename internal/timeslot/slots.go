// Package timeslot models per-endpoint minute-granularity playback occupancy.
//
// The grid covers a rolling month: five week positions, each with seven day
// arrays of 1440 minute cells (0 = free, 1 = occupied). One-shot calendar
// schedules live in dedicated {year, month} buckets so they never dirty the
// recurring grid. Adds are atomic: if any minute in the target range is
// already occupied nothing is flipped and the add reports a collision.
//
// Concurrency: instances are not shared. Each caller constructs or parses one,
// mutates it locally, and persists the serialized form.
package timeslot

import (
	"encoding/json"
	"fmt"
)

const (
	minutesPerDay = 1440
	daysPerWeek   = 7
	weeksPerMonth = 5
)

// MinuteDay is one day's occupancy bitmap.
type MinuteDay struct {
	Slots [minutesPerDay]uint8 `json:"slots"`
}

// MinuteWeek groups seven days; position 1 is Sunday.
type MinuteWeek struct {
	Days [daysPerWeek]MinuteDay `json:"days"`
}

// OnceBucket holds the occupancy of a single future {year, month} for
// one-shot calendar schedules.
type OnceBucket struct {
	Year  int                        `json:"year"`
	Month int                        `json:"month"`
	Weeks [weeksPerMonth]MinuteWeek `json:"weeks"`
}

// TimeSlots is the full occupancy structure stored per endpoint.
type TimeSlots struct {
	Weeks [weeksPerMonth]MinuteWeek `json:"weeks"`
	Onces []OnceBucket              `json:"onces"`
}

// New returns an empty structure.
func New() *TimeSlots { return &TimeSlots{} }

// Parse decodes the serialized form produced by JSON.
func Parse(text string) (*TimeSlots, error) {
	ts := &TimeSlots{}
	if err := json.Unmarshal([]byte(text), ts); err != nil {
		return nil, fmt.Errorf("parse timeslots: %w", err)
	}
	return ts, nil
}

// JSON emits the single-blob serialized form.
func (ts *TimeSlots) JSON() (string, error) {
	b, err := json.Marshal(ts)
	if err != nil {
		return "", fmt.Errorf("encode timeslots: %w", err)
	}
	return string(b), nil
}

// slotRef addresses one minute cell inside a five-week grid.
type slotRef struct {
	week int // 1..5
	day  int // 1..7
	min  int // 0..1439
}

// expand resolves the inclusive minute range [start, start+duration] anchored
// at (week, day, hour, minute) into cell references. Minutes past the end of a
// day roll into the next day; past Saturday they roll into day 1 of the next
// week. Anything past week 5 falls off the month edge and is dropped.
func expand(week, day, hour, minute, duration int) ([]slotRef, error) {
	if week < 1 || week > weeksPerMonth {
		return nil, fmt.Errorf("week %d out of range 1..%d", week, weeksPerMonth)
	}
	if day < 1 || day > daysPerWeek {
		return nil, fmt.Errorf("day %d out of range 1..%d", day, daysPerWeek)
	}
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("hour %d out of range 0..23", hour)
	}
	if minute < 0 || minute > 59 {
		return nil, fmt.Errorf("minute %d out of range 0..59", minute)
	}
	if duration < 0 {
		return nil, fmt.Errorf("negative duration %d", duration)
	}

	start := hour*60 + minute
	refs := make([]slotRef, 0, duration+1)
	for m := 0; m <= duration; m++ {
		g := start + m
		cellDay := day + g/minutesPerDay
		cellWeek := week
		for cellDay > daysPerWeek {
			cellDay -= daysPerWeek
			cellWeek++
		}
		if cellWeek > weeksPerMonth {
			break
		}
		refs = append(refs, slotRef{week: cellWeek, day: cellDay, min: g % minutesPerDay})
	}
	return refs, nil
}

// occupied reports whether any referenced cell in grid is set.
func occupied(grid *[weeksPerMonth]MinuteWeek, refs []slotRef) bool {
	for _, r := range refs {
		if grid[r.week-1].Days[r.day-1].Slots[r.min] == 1 {
			return true
		}
	}
	return false
}

func fill(grid *[weeksPerMonth]MinuteWeek, refs []slotRef, v uint8) {
	for _, r := range refs {
		grid[r.week-1].Days[r.day-1].Slots[r.min] = v
	}
}

// AddWeek occupies the inclusive range anchored at (week, day, hour, minute)
// in the recurring grid. It reports collided=true, with no cell modified, when
// any minute of the range is already occupied.
func (ts *TimeSlots) AddWeek(week, day, hour, minute, duration int) (bool, error) {
	refs, err := expand(week, day, hour, minute, duration)
	if err != nil {
		return false, err
	}
	if occupied(&ts.Weeks, refs) {
		return true, nil
	}
	fill(&ts.Weeks, refs, 1)
	return false, nil
}

// RemoveWeek clears the same range AddWeek occupies.
func (ts *TimeSlots) RemoveWeek(week, day, hour, minute, duration int) error {
	refs, err := expand(week, day, hour, minute, duration)
	if err != nil {
		return err
	}
	fill(&ts.Weeks, refs, 0)
	return nil
}

// dateToCell maps a day-of-month to its (week, day) cell using fixed 7-day
// chunks: date 1..7 → week 1, 8..14 → week 2, and so on. This is the
// date-anchored addressing for recurring schedules given by day of month.
func dateToCell(date int) (int, int, error) {
	if date < 1 || date > 31 {
		return 0, 0, fmt.Errorf("date %d out of range 1..31", date)
	}
	week := (date-1)/daysPerWeek + 1
	day := (date-1)%daysPerWeek + 1
	return week, day, nil
}

// Add occupies a range addressed by day of month, inferring week and weekday.
func (ts *TimeSlots) Add(date, hour, minute, duration int) (bool, error) {
	week, day, err := dateToCell(date)
	if err != nil {
		return false, err
	}
	return ts.AddWeek(week, day, hour, minute, duration)
}

// Remove clears a range addressed by day of month.
func (ts *TimeSlots) Remove(date, hour, minute, duration int) error {
	week, day, err := dateToCell(date)
	if err != nil {
		return err
	}
	return ts.RemoveWeek(week, day, hour, minute, duration)
}

// onceBucket returns the bucket for {year, month}, creating it when create is
// set. Buckets are kept sorted so the serialized form is stable.
func (ts *TimeSlots) onceBucket(year, month int, create bool) *OnceBucket {
	for i := range ts.Onces {
		if ts.Onces[i].Year == year && ts.Onces[i].Month == month {
			return &ts.Onces[i]
		}
	}
	if !create {
		return nil
	}
	idx := len(ts.Onces)
	for i := range ts.Onces {
		if ts.Onces[i].Year > year || (ts.Onces[i].Year == year && ts.Onces[i].Month > month) {
			idx = i
			break
		}
	}
	ts.Onces = append(ts.Onces, OnceBucket{})
	copy(ts.Onces[idx+1:], ts.Onces[idx:])
	ts.Onces[idx] = OnceBucket{Year: year, Month: month}
	return &ts.Onces[idx]
}

// AddOnce occupies a one-shot range anchored at a real calendar date. The cell
// position comes from the calendar (week 1 runs through the first Saturday of
// the month). The range must be free in BOTH the recurring grid and the
// {year, month} bucket; cells are set only in the bucket.
func (ts *TimeSlots) AddOnce(year, month, date, hour, minute, duration int) (bool, error) {
	week, day, err := calendarCell(year, month, date)
	if err != nil {
		return false, err
	}
	refs, err := expand(week, day, hour, minute, duration)
	if err != nil {
		return false, err
	}
	if occupied(&ts.Weeks, refs) {
		return true, nil
	}
	bucket := ts.onceBucket(year, month, true)
	if occupied(&bucket.Weeks, refs) {
		return true, nil
	}
	fill(&bucket.Weeks, refs, 1)
	return false, nil
}

// RemoveOnce clears a one-shot range. Removing the last occupied minute of a
// bucket leaves the (empty) bucket in place; it is harmless and keeps the
// operation cheap.
func (ts *TimeSlots) RemoveOnce(year, month, date, hour, minute, duration int) error {
	week, day, err := calendarCell(year, month, date)
	if err != nil {
		return err
	}
	refs, err := expand(week, day, hour, minute, duration)
	if err != nil {
		return err
	}
	bucket := ts.onceBucket(year, month, false)
	if bucket == nil {
		return nil
	}
	fill(&bucket.Weeks, refs, 0)
	return nil
}

// IsZero reports whether no minute anywhere in the structure is occupied.
func (ts *TimeSlots) IsZero() bool {
	zero := func(grid *[weeksPerMonth]MinuteWeek) bool {
		for w := range grid {
			for d := range grid[w].Days {
				for _, v := range grid[w].Days[d].Slots {
					if v != 0 {
						return false
					}
				}
			}
		}
		return true
	}
	if !zero(&ts.Weeks) {
		return false
	}
	for i := range ts.Onces {
		if !zero(&ts.Onces[i].Weeks) {
			return false
		}
	}
	return true
}
