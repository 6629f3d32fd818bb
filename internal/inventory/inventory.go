package inventory

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Source columns of the remote container listing.
const (
	ColContainer   = "Container #"
	ColTrade       = "Trade Type"
	ColHolds       = "Holds"
	ColPregate     = "Pregate Ticket#"
	ColCurrentLoc  = "Current Loc"
	ColOrigin      = "Origin"
	ColDestination = "Destination"
)

// Columns appended to the filtered sheet and filled during a run.
const (
	ColManifested    = "Manifested"
	ColBefore        = "First Appointment Available (Before)"
	ColDeparted      = "Departed Terminal"
	ColAfter         = "First Appointment Available (After)"
	ColEmptyReceived = "Empty Received"
)

var EnrichmentColumns = []string{ColManifested, ColBefore, ColDeparted, ColAfter, ColEmptyReceived}

// Placeholder marks an enrichment cell that has not been filled yet.
const Placeholder = "N/A"

// The listing has historically carried holds in column D and the pregate
// ticket in column E; used when the header names are missing.
const (
	holdsPos   = 3
	pregatePos = 4
)

type Trade int

const (
	TradeUnknown Trade = iota
	TradeInbound
	TradeOutbound
)

func ParseTrade(s string) Trade {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IMPORT", "INBOUND":
		return TradeInbound
	case "EXPORT", "OUTBOUND":
		return TradeOutbound
	}
	return TradeUnknown
}

func (t Trade) String() string {
	switch t {
	case TradeInbound:
		return "IMPORT"
	case TradeOutbound:
		return "EXPORT"
	}
	return "UNKNOWN"
}

// Item is one container row of a sheet.
type Item struct {
	Row         int
	ID          string
	Trade       Trade
	Hold        string
	GateTicket  string
	CurrentLoc  string
	Origin      string
	Destination string
}

// Sheet is the first worksheet of a listing, held as strings.
type Sheet struct {
	Header []string
	Rows   [][]string
}

func Open(path string) (*Sheet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func Read(r io.Reader) (*Sheet, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("inventory: open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("inventory: workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("inventory: read rows: %w", err)
	}
	if len(rows) == 0 {
		return &Sheet{}, nil
	}

	s := &Sheet{Header: trimAll(rows[0])}
	for _, row := range rows[1:] {
		if blank(row) {
			continue
		}
		s.Rows = append(s.Rows, pad(row, len(s.Header)))
	}
	return s, nil
}

// Save writes the sheet as a single-worksheet workbook. The file is replaced
// atomically so readers never observe a partial workbook.
func (s *Sheet) Save(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	const name = "Sheet1"
	if err := writeRow(f, name, 1, s.Header); err != nil {
		return err
	}
	for i, row := range s.Rows {
		if err := writeRow(f, name, i+2, row); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sheet-*.xlsx")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := f.Write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("inventory: write workbook: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeRow(f *excelize.File, sheet string, n int, row []string) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &row)
}

func (s *Sheet) Len() int { return len(s.Rows) }

// Col returns the index of a header, or -1.
func (s *Sheet) Col(name string) int {
	for i, h := range s.Header {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

func (s *Sheet) Get(row int, col string) string {
	i := s.Col(col)
	if i < 0 || row < 0 || row >= len(s.Rows) || i >= len(s.Rows[row]) {
		return ""
	}
	return strings.TrimSpace(s.Rows[row][i])
}

func (s *Sheet) Set(row int, col, v string) {
	i := s.Col(col)
	if i < 0 || row < 0 || row >= len(s.Rows) {
		return
	}
	s.Rows[row] = pad(s.Rows[row], i+1)
	s.Rows[row][i] = v
}

// AddColumns appends missing headers and fills them with v.
func (s *Sheet) AddColumns(names []string, v string) {
	for _, n := range names {
		if s.Col(n) >= 0 {
			continue
		}
		s.Header = append(s.Header, n)
		for r := range s.Rows {
			s.Rows[r] = append(pad(s.Rows[r], len(s.Header)-1), v)
		}
	}
}

// Items maps rows to typed records, skipping rows without a container id.
func (s *Sheet) Items() []Item {
	out := make([]Item, 0, len(s.Rows))
	for r := range s.Rows {
		it := Item{
			Row:         r,
			ID:          s.Get(r, ColContainer),
			Trade:       ParseTrade(s.Get(r, ColTrade)),
			Hold:        s.cell(r, ColHolds, holdsPos),
			GateTicket:  s.cell(r, ColPregate, pregatePos),
			CurrentLoc:  s.Get(r, ColCurrentLoc),
			Origin:      s.Get(r, ColOrigin),
			Destination: s.Get(r, ColDestination),
		}
		if it.ID == "" {
			continue
		}
		out = append(out, it)
	}
	return out
}

// cell reads by header name, falling back to a fixed position.
func (s *Sheet) cell(row int, name string, pos int) string {
	if s.Col(name) >= 0 {
		return s.Get(row, name)
	}
	if pos < len(s.Rows[row]) {
		return strings.TrimSpace(s.Rows[row][pos])
	}
	return ""
}

// Keep is the filter predicate: no hold, and no pregate ticket issued yet.
func Keep(hold, gateTicket string) bool {
	return strings.EqualFold(strings.TrimSpace(hold), "NO") &&
		strings.Contains(strings.ToUpper(gateTicket), "N/A")
}

// Filter returns a new sheet with the rows that pass Keep.
func Filter(s *Sheet) *Sheet {
	out := &Sheet{Header: append([]string(nil), s.Header...)}
	for r, row := range s.Rows {
		if Keep(s.cell(r, ColHolds, holdsPos), s.cell(r, ColPregate, pregatePos)) {
			out.Rows = append(out.Rows, append([]string(nil), row...))
		}
	}
	return out
}

func trimAll(row []string) []string {
	out := make([]string, len(row))
	for i, v := range row {
		out[i] = strings.TrimSpace(v)
	}
	return out
}

func pad(row []string, n int) []string {
	for len(row) < n {
		row = append(row, "")
	}
	return row
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
