package emodal

import "encoding/json"

type Credentials struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	CaptchaAPIKey string `json:"captcha_api_key"`
}

type SessionResult struct {
	Token string
	IsNew bool
}

type Session struct {
	ID       string `json:"session_id"`
	Username string `json:"username"`
}

// InventorySnapshot points at a spreadsheet the remote service prepared;
// the bytes are fetched separately with Download.
type InventorySnapshot struct {
	Count   int
	Locator string
}

type Milestone struct {
	Milestone string `json:"milestone"`
	Date      string `json:"date"`
}

type Timeline struct {
	PassedPregate bool
	Milestones    []Milestone
}

type ImportInfo struct {
	ContainerID    string      `json:"container_id"`
	Success        *bool       `json:"success,omitempty"`
	PregateStatus  *bool       `json:"pregate_status"`
	Timeline       []Milestone `json:"timeline"`
	MilestoneCount int         `json:"milestone_count"`
	Error          string      `json:"error,omitempty"`
}

// OK reports whether the entry carries a usable gate-pass answer.
func (i ImportInfo) OK() bool {
	return (i.Success == nil || *i.Success) && i.Error == "" && i.PregateStatus != nil
}

type ExportInfo struct {
	ContainerID   string `json:"container_id"`
	Success       *bool  `json:"success,omitempty"`
	BookingNumber string `json:"booking_number"`
	Error         string `json:"error,omitempty"`
}

func (e ExportInfo) OK() bool {
	return (e.Success == nil || *e.Success) && e.Error == "" && e.BookingNumber != ""
}

// BulkResult is keyed by container id.
type BulkResult struct {
	Imports map[string]ImportInfo `json:"imports"`
	Exports map[string]ExportInfo `json:"exports"`
}

const (
	ContainerTypeImport = "import"
	ContainerTypeExport = "export"
)

type CheckParams struct {
	ContainerType   string `json:"container_type"`
	TruckingCompany string `json:"trucking_company"`
	Terminal        string `json:"terminal"`
	MoveType        string `json:"move_type"`
	ContainerID     string `json:"container_id,omitempty"`
	BookingNumber   string `json:"booking_number,omitempty"`
	TruckPlate      string `json:"truck_plate"`
	OwnChassis      bool   `json:"own_chassis"`
}

type AppointmentResult struct {
	Success               bool     `json:"success"`
	AvailableTimes        []string `json:"available_times"`
	DropdownScreenshotURL string   `json:"dropdown_screenshot_url,omitempty"`
	CalendarScreenshotURL string   `json:"calendar_screenshot_url,omitempty"`
	CalendarFound         *bool    `json:"calendar_found,omitempty"`
	Error                 string   `json:"error,omitempty"`

	// Raw is the response body as received, persisted next to the run.
	Raw json.RawMessage `json:"-"`
}

// ScreenshotLocator prefers the dropdown capture over the calendar one.
func (r AppointmentResult) ScreenshotLocator() string {
	if r.DropdownScreenshotURL != "" {
		return r.DropdownScreenshotURL
	}
	return r.CalendarScreenshotURL
}
