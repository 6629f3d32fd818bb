// Package resolve turns a container row plus its enrichment into the
// parameters of an appointment check. Everything here is pure.
package resolve

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/example/appointment-scheduler/internal/emodal"
	"github.com/example/appointment-scheduler/internal/internaltypes"
	"github.com/example/appointment-scheduler/internal/inventory"
)

type MoveType string

const (
	PickFull  MoveType = "PICK FULL"
	DropFull  MoveType = "DROP FULL"
	PickEmpty MoveType = "PICK EMPTY"
	DropEmpty MoveType = "DROP EMPTY"
)

// NotFound is the sheet value for a date that could not be determined.
const NotFound = "Not Found"

var (
	ErrTerminalNotFound = fmt.Errorf("terminal code not mapped: %w", internaltypes.ErrData)
	ErrNoCarrier        = fmt.Errorf("no carrier configured: %w", internaltypes.ErrData)
	ErrUnknownTrade     = fmt.Errorf("unknown trade direction: %w", internaltypes.ErrData)
)

// TerminalCode picks the location code used to look up the terminal:
// current location when known, else origin (imports) or destination (exports).
func TerminalCode(it inventory.Item) string {
	if present(it.CurrentLoc) {
		return strings.TrimSpace(it.CurrentLoc)
	}
	if it.Trade == inventory.TradeInbound {
		return strings.TrimSpace(it.Origin)
	}
	return strings.TrimSpace(it.Destination)
}

// present treats spreadsheet NaN artifacts as empty.
func present(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && !strings.EqualFold(s, "nan")
}

func Terminal(it inventory.Item, terminals map[string]string) (string, error) {
	code := TerminalCode(it)
	name, ok := terminals[code]
	if !ok || name == "" {
		return "", fmt.Errorf("%w: %q (container %s)", ErrTerminalNotFound, code, it.ID)
	}
	return name, nil
}

// Move picks the move type. Exports always drop full; imports drop the empty once the
// container has passed the gate, else pick it up full. An unknown gate state
// counts as not passed.
func Move(it inventory.Item, gatePassed *bool) (MoveType, error) {
	switch it.Trade {
	case inventory.TradeOutbound:
		return DropFull, nil
	case inventory.TradeInbound:
		if gatePassed != nil && *gatePassed {
			return DropEmpty, nil
		}
		return PickFull, nil
	}
	return "", fmt.Errorf("%w: container %s", ErrUnknownTrade, it.ID)
}

// Carrier returns the first configured carrier for every item.
// TODO(product): choose among eligible carriers once selection rules exist.
func Carrier(_ inventory.Item, carriers []string) (string, error) {
	for _, c := range carriers {
		if strings.TrimSpace(c) != "" {
			return c, nil
		}
	}
	return "", ErrNoCarrier
}

// AvailabilityColumn is the sheet column that receives the earliest slot.
func AvailabilityColumn(mt MoveType) string {
	switch mt {
	case DropEmpty, PickEmpty:
		return inventory.ColAfter
	}
	return inventory.ColBefore
}

const (
	slotLayout = "01/02/2006 03:04 PM"
	dateLayout = "01/02/2006"
)

// EarliestSlot returns the date of the earliest slot in strings like
// "10/10/2025 08:00 AM - 09:00 AM". When nothing parses it falls back to the
// date part of the first entry.
func EarliestSlot(times []string) string {
	if len(times) == 0 {
		return NotFound
	}
	var parsed []time.Time
	for _, s := range times {
		start, _, ok := strings.Cut(s, " - ")
		if !ok {
			continue
		}
		t, err := time.Parse(slotLayout, strings.TrimSpace(start))
		if err != nil {
			continue
		}
		parsed = append(parsed, t)
	}
	if len(parsed) == 0 {
		if date, _, ok := strings.Cut(strings.TrimSpace(times[0]), " "); ok {
			return date
		}
		return NotFound
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Before(parsed[j]) })
	return parsed[0].Format(dateLayout)
}

// MilestoneDate returns the date part ("MM/DD/YYYY") of the first milestone
// with the given name.
func MilestoneDate(timeline []emodal.Milestone, name string) string {
	for _, m := range timeline {
		if m.Milestone != name {
			continue
		}
		d := strings.TrimSpace(m.Date)
		if d == "" || d == "N/A" {
			return NotFound
		}
		date, _, _ := strings.Cut(d, " ")
		return date
	}
	return NotFound
}
