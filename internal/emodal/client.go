package emodal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/appointment-scheduler/internal/internaltypes"
	"github.com/example/appointment-scheduler/internal/telemetry"
)

// Client talks to the terminal-operations automation service. Every call,
// downloads included, runs under one semaphore so the remote side never sees
// two requests from the same client at once; long calls queue the rest.
type Client struct {
	baseURL string
	hc      *http.Client
	sem     *semaphore.Weighted
	logger  zerolog.Logger

	callTimeout time.Duration
	bulkTimeout time.Duration
}

type Options struct {
	CallTimeout time.Duration
	BulkTimeout time.Duration
	HTTPClient  *http.Client
	Logger      zerolog.Logger
}

func New(baseURL string, opts Options) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Minute
	}
	if opts.BulkTimeout <= 0 {
		opts.BulkTimeout = 30 * time.Minute
	}
	hc := opts.HTTPClient
	if hc == nil {
		// no client-level Timeout: deadlines come from per-call contexts
		hc = &http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:        4,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     15 * time.Minute,
		}}
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		hc:          hc,
		sem:         semaphore.NewWeighted(1),
		logger:      opts.Logger.With().Str("component", "emodal").Logger(),
		callTimeout: opts.CallTimeout,
		bulkTimeout: opts.BulkTimeout,
	}
}

// StatusError describes a non-2xx answer; Unwrap yields its failure class.
type StatusError struct {
	Op   string
	Code int
	Body string
	Kind error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("emodal: %s: status %d: %s", e.Op, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return e.Kind }

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e envelope) reason() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

var sessionMarkers = []string{"invalid session", "session expired", "session not found", "unauthorized", "401"}

func isSessionMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range sessionMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// AcquireSession reuses an active remote session for the username when one
// exists, otherwise performs the full (slow) login.
func (c *Client) AcquireSession(ctx context.Context, creds Credentials) (SessionResult, error) {
	sessions, err := c.ActiveSessions(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("listing active sessions failed, falling back to login")
	}
	for _, s := range sessions {
		if s.Username == creds.Username && s.ID != "" {
			return SessionResult{Token: s.ID, IsNew: false}, nil
		}
	}
	return c.Login(ctx, creds)
}

func (c *Client) Login(ctx context.Context, creds Credentials) (SessionResult, error) {
	var res struct {
		envelope
		SessionID string `json:"session_id"`
		IsNew     bool   `json:"is_new"`
	}
	if err := c.call(ctx, "get_session", c.callTimeout, http.MethodPost, "/get_session", creds, &res); err != nil {
		var se *StatusError
		if errors.Is(err, internaltypes.ErrSessionInvalid) || (errors.As(err, &se) && se.Code == http.StatusForbidden) {
			// 400/401/403 from the login endpoint means the credentials were refused
			return SessionResult{}, fmt.Errorf("emodal: get_session: %w: %v", internaltypes.ErrAuth, err)
		}
		return SessionResult{}, err
	}
	if !res.Success || res.SessionID == "" {
		return SessionResult{}, fmt.Errorf("emodal: get_session: %w: %s", internaltypes.ErrAuth, res.reason())
	}
	c.logger.Info().Str("username", creds.Username).Bool("is_new", res.IsNew).Msg("remote session acquired")
	return SessionResult{Token: res.SessionID, IsNew: res.IsNew}, nil
}

func (c *Client) ActiveSessions(ctx context.Context) ([]Session, error) {
	var res struct {
		ActiveSessions int       `json:"active_sessions"`
		Sessions       []Session `json:"sessions"`
	}
	if err := c.call(ctx, "sessions", c.callTimeout, http.MethodGet, "/sessions", nil, &res); err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

type listingRequest struct {
	SessionID         string `json:"session_id"`
	InfiniteScrolling bool   `json:"infinite_scrolling"`
	ReturnURL         bool   `json:"return_url"`
}

// FetchInventory asks for the full container listing as a downloadable file.
func (c *Client) FetchInventory(ctx context.Context, token string) (InventorySnapshot, error) {
	var res struct {
		envelope
		FileURL         string `json:"file_url"`
		ContainersCount int    `json:"containers_count"`
	}
	req := listingRequest{SessionID: token, InfiniteScrolling: true, ReturnURL: true}
	if err := c.call(ctx, "get_containers", c.callTimeout, http.MethodPost, "/get_containers", req, &res); err != nil {
		return InventorySnapshot{}, err
	}
	if err := listingFailure("get_containers", res.envelope, res.FileURL); err != nil {
		return InventorySnapshot{}, err
	}
	return InventorySnapshot{Count: res.ContainersCount, Locator: res.FileURL}, nil
}

// FetchAppointments asks for the booked appointment listing as a file.
func (c *Client) FetchAppointments(ctx context.Context, token string) (InventorySnapshot, error) {
	var res struct {
		envelope
		FileURL       string `json:"file_url"`
		SelectedCount int    `json:"selected_count"`
	}
	req := listingRequest{SessionID: token, InfiniteScrolling: true, ReturnURL: true}
	if err := c.call(ctx, "get_appointments", c.callTimeout, http.MethodPost, "/get_appointments", req, &res); err != nil {
		return InventorySnapshot{}, err
	}
	if err := listingFailure("get_appointments", res.envelope, res.FileURL); err != nil {
		return InventorySnapshot{}, err
	}
	return InventorySnapshot{Count: res.SelectedCount, Locator: res.FileURL}, nil
}

func listingFailure(op string, e envelope, fileURL string) error {
	switch {
	case !e.Success && isSessionMessage(e.reason()):
		return fmt.Errorf("emodal: %s: %w: %s", op, internaltypes.ErrSessionInvalid, e.reason())
	case !e.Success:
		// the remote automation fails intermittently; let the caller retry
		return fmt.Errorf("emodal: %s: %w: %s", op, internaltypes.ErrRemoteUnavailable, e.reason())
	case fileURL == "":
		return fmt.Errorf("emodal: %s: %w: missing file_url", op, internaltypes.ErrData)
	}
	return nil
}

type containerRequest struct {
	SessionID   string `json:"session_id"`
	ContainerID string `json:"container_id"`
}

func (c *Client) FetchTimeline(ctx context.Context, token, containerID string) (Timeline, error) {
	var res struct {
		envelope
		PassedPregate bool        `json:"passed_pregate"`
		Timeline      []Milestone `json:"timeline"`
	}
	req := containerRequest{SessionID: token, ContainerID: containerID}
	if err := c.call(ctx, "get_container_timeline", c.callTimeout, http.MethodPost, "/get_container_timeline", req, &res); err != nil {
		return Timeline{}, err
	}
	if err := itemFailure("get_container_timeline", res.envelope); err != nil {
		return Timeline{}, err
	}
	return Timeline{PassedPregate: res.PassedPregate, Milestones: res.Timeline}, nil
}

func (c *Client) FetchBookingNumber(ctx context.Context, token, containerID string) (string, error) {
	var res struct {
		envelope
		BookingNumber string `json:"booking_number"`
	}
	req := containerRequest{SessionID: token, ContainerID: containerID}
	if err := c.call(ctx, "get_booking_number", c.callTimeout, http.MethodPost, "/get_booking_number", req, &res); err != nil {
		return "", err
	}
	if err := itemFailure("get_booking_number", res.envelope); err != nil {
		return "", err
	}
	if res.BookingNumber == "" {
		return "", fmt.Errorf("emodal: get_booking_number: %w: empty booking number for %s", internaltypes.ErrData, containerID)
	}
	return res.BookingNumber, nil
}

func itemFailure(op string, e envelope) error {
	if e.Success {
		return nil
	}
	if isSessionMessage(e.reason()) {
		return fmt.Errorf("emodal: %s: %w: %s", op, internaltypes.ErrSessionInvalid, e.reason())
	}
	return fmt.Errorf("emodal: %s: %w: %s", op, internaltypes.ErrData, e.reason())
}

// FetchBulkInfo enriches every import (gate pass + timeline) and export
// (booking number) in one call. It runs under the bulk timeout.
func (c *Client) FetchBulkInfo(ctx context.Context, token string, importIDs, exportIDs []string) (BulkResult, error) {
	req := struct {
		SessionID        string   `json:"session_id"`
		ImportContainers []string `json:"import_containers"`
		ExportContainers []string `json:"export_containers"`
	}{token, nonNil(importIDs), nonNil(exportIDs)}

	var res struct {
		envelope
		Results struct {
			ImportResults []ImportInfo `json:"import_results"`
			ExportResults []ExportInfo `json:"export_results"`
		} `json:"results"`
	}
	if err := c.call(ctx, "get_info_bulk", c.bulkTimeout, http.MethodPost, "/get_info_bulk", req, &res); err != nil {
		return BulkResult{}, err
	}
	if !res.Success {
		return BulkResult{}, listingFailure("get_info_bulk", res.envelope, "-")
	}

	out := BulkResult{
		Imports: make(map[string]ImportInfo, len(res.Results.ImportResults)),
		Exports: make(map[string]ExportInfo, len(res.Results.ExportResults)),
	}
	for _, r := range res.Results.ImportResults {
		out.Imports[r.ContainerID] = r
	}
	for _, r := range res.Results.ExportResults {
		out.Exports[r.ContainerID] = r
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// CheckAppointmentSlots runs the availability check. A response with
// success=false is returned as a result, not an error, unless it reports an
// invalid session.
func (c *Client) CheckAppointmentSlots(ctx context.Context, token string, p CheckParams) (AppointmentResult, error) {
	req := struct {
		SessionID string `json:"session_id"`
		CheckParams
	}{token, p}

	var raw json.RawMessage
	if err := c.call(ctx, "check_appointments", c.callTimeout, http.MethodPost, "/check_appointments", req, &raw); err != nil {
		return AppointmentResult{}, err
	}
	var res AppointmentResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return AppointmentResult{}, fmt.Errorf("emodal: check_appointments: %w: %v", internaltypes.ErrData, err)
	}
	res.Raw = raw
	if !res.Success && isSessionMessage(res.Error) {
		return res, fmt.Errorf("emodal: check_appointments: %w: %s", internaltypes.ErrSessionInvalid, res.Error)
	}
	return res, nil
}

// Download streams the file behind locator into w. Relative locators are
// resolved against the service base URL.
func (c *Client) Download(ctx context.Context, locator string, w io.Writer) (int64, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer c.sem.Release(1)

	start := time.Now()
	n, err := c.download(ctx, locator, w)
	telemetry.ObserveRemoteCall("download", start, err)
	return n, err
}

func (c *Client) download(ctx context.Context, locator string, w io.Writer) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	u := locator
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = c.baseURL + "/" + strings.TrimLeft(u, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("emodal: download: %w: %v", internaltypes.ErrData, err)
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return 0, transportError(ctx, "download", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return 0, statusError("download", res.StatusCode, b)
	}
	n, err := io.Copy(w, res.Body)
	if err != nil {
		return n, transportError(ctx, "download", err)
	}
	return n, nil
}

// call performs one JSON round trip under the client semaphore. out may be a
// *json.RawMessage to keep the body verbatim.
func (c *Client) call(ctx context.Context, op string, timeout time.Duration, method, path string, body, out any) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	start := time.Now()
	err := c.do(ctx, op, timeout, method, path, body, out)
	telemetry.ObserveRemoteCall(op, start, err)
	if err != nil {
		c.logger.Debug().Err(err).Str("op", op).Dur("took", time.Since(start)).Msg("remote call failed")
	}
	return err
}

func (c *Client) do(ctx context.Context, op string, timeout time.Duration, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("accept", "application/json")
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return transportError(ctx, op, err)
	}
	if res.StatusCode >= 300 {
		return statusError(op, res.StatusCode, b)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("emodal: %s: %w: invalid json: %v", op, internaltypes.ErrData, err)
	}
	return nil
}

func transportError(ctx context.Context, op string, err error) error {
	// a cancelled caller is not a remote fault
	if errors.Is(err, context.Canceled) && ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("emodal: %s: %w", op, err)
	}
	return fmt.Errorf("emodal: %s: %w: %v", op, internaltypes.ErrRemoteUnavailable, err)
}

func statusError(op string, code int, body []byte) error {
	var kind error
	switch {
	case code == http.StatusBadRequest || code == http.StatusUnauthorized:
		kind = internaltypes.ErrSessionInvalid
	case code == http.StatusTooManyRequests || code >= 500:
		kind = internaltypes.ErrRemoteUnavailable
	default:
		kind = internaltypes.ErrData
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return &StatusError{Op: op, Code: code, Body: s, Kind: kind}
}
