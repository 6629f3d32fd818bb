package emodal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/appointment-scheduler/internal/internaltypes"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, Options{CallTimeout: 2 * time.Second, BulkTimeout: 2 * time.Second, Logger: zerolog.Nop()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestAcquireSessionReusesActiveSession(t *testing.T) {
	var logins int32
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{
			"active_sessions": 2,
			"sessions": []map[string]string{
				{"session_id": "s-other", "username": "someone"},
				{"session_id": "s-123", "username": "jdoe"},
			},
		})
	})
	mux.HandleFunc("/get_session", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&logins, 1)
		writeJSON(w, 200, map[string]any{"success": true, "session_id": "s-new", "is_new": true})
	})
	c := newTestClient(t, mux)

	res, err := c.AcquireSession(context.Background(), Credentials{Username: "jdoe", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, SessionResult{Token: "s-123", IsNew: false}, res)
	assert.Zero(t, atomic.LoadInt32(&logins))
}

func TestAcquireSessionLogsInWhenNoneActive(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"active_sessions": 0, "sessions": []any{}})
	})
	mux.HandleFunc("/get_session", func(w http.ResponseWriter, r *http.Request) {
		var body Credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "jdoe", body.Username)
		assert.Equal(t, "captcha", body.CaptchaAPIKey)
		writeJSON(w, 200, map[string]any{"success": true, "session_id": "s-new", "is_new": true})
	})
	c := newTestClient(t, mux)

	res, err := c.AcquireSession(context.Background(), Credentials{Username: "jdoe", Password: "pw", CaptchaAPIKey: "captcha"})
	require.NoError(t, err)
	assert.Equal(t, SessionResult{Token: "s-new", IsNew: true}, res)
}

func TestLoginRejectedIsAuthError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "bad password"})
	}))
	_, err := c.Login(context.Background(), Credentials{Username: "u", Password: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, internaltypes.ErrAuth)
	assert.NotErrorIs(t, err, internaltypes.ErrSessionInvalid)

	c = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"success": false, "error": "captcha failed"})
	}))
	_, err = c.Login(context.Background(), Credentials{Username: "u", Password: "p"})
	assert.ErrorIs(t, err, internaltypes.ErrAuth)

	c = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "account locked"})
	}))
	_, err = c.Login(context.Background(), Credentials{Username: "u", Password: "p"})
	assert.ErrorIs(t, err, internaltypes.ErrAuth)
}

func TestFetchInventoryErrorClasses(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   map[string]any
		want   error
	}{
		{"bad request", 400, map[string]any{"error": "BAD REQUEST"}, internaltypes.ErrSessionInvalid},
		{"unauthorized", 401, map[string]any{}, internaltypes.ErrSessionInvalid},
		{"expired message", 200, map[string]any{"success": false, "error": "Session expired"}, internaltypes.ErrSessionInvalid},
		{"forbidden", 403, map[string]any{"error": "forbidden"}, internaltypes.ErrData},
		{"server error", 503, map[string]any{}, internaltypes.ErrRemoteUnavailable},
		{"remote failure", 200, map[string]any{"success": false, "error": "grid did not load"}, internaltypes.ErrRemoteUnavailable},
		{"no file", 200, map[string]any{"success": true}, internaltypes.ErrData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, tc.body)
			}))
			_, err := c.FetchInventory(context.Background(), "tok")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFetchInventoryRequestShape(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/get_containers", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tok", body["session_id"])
		assert.Equal(t, true, body["infinite_scrolling"])
		assert.Equal(t, true, body["return_url"])
		writeJSON(w, 200, map[string]any{"success": true, "file_url": "/files/c.xlsx", "containers_count": 42})
	}))
	snap, err := c.FetchInventory(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, InventorySnapshot{Count: 42, Locator: "/files/c.xlsx"}, snap)
}

func TestFetchBulkInfo(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Imports []string `json:"import_containers"`
			Exports []string `json:"export_containers"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"MSCU1"}, body.Imports)
		assert.Equal(t, []string{}, body.Exports)
		writeJSON(w, 200, map[string]any{
			"success": true,
			"results": map[string]any{
				"import_results": []map[string]any{{
					"container_id":    "MSCU1",
					"pregate_status":  true,
					"timeline":        []map[string]string{{"milestone": "Manifested", "date": "03/24/2025 13:10"}},
					"milestone_count": 1,
				}},
				"export_results": []any{},
			},
		})
	}))
	res, err := c.FetchBulkInfo(context.Background(), "tok", []string{"MSCU1"}, nil)
	require.NoError(t, err)
	info, ok := res.Imports["MSCU1"]
	require.True(t, ok)
	assert.True(t, info.OK())
	assert.True(t, *info.PregateStatus)
	assert.Equal(t, "Manifested", info.Timeline[0].Milestone)
	assert.Empty(t, res.Exports)
}

func TestCheckAppointmentSlots(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tok", body["session_id"])
		assert.Equal(t, "PICK FULL", body["move_type"])
		assert.Equal(t, "MSCU1", body["container_id"])
		assert.NotContains(t, body, "booking_number")
		writeJSON(w, 200, map[string]any{
			"success":                 true,
			"available_times":         []string{"10/10/2025 08:00 AM - 09:00 AM"},
			"dropdown_screenshot_url": "/files/shot.png",
		})
	}))
	res, err := c.CheckAppointmentSlots(context.Background(), "tok", CheckParams{
		ContainerType: ContainerTypeImport, MoveType: "PICK FULL", ContainerID: "MSCU1", Terminal: "T", TruckingCompany: "K", TruckPlate: "ABC123",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.AvailableTimes, 1)
	assert.Equal(t, "/files/shot.png", res.ScreenshotLocator())
	assert.Contains(t, string(res.Raw), "available_times")
}

func TestCheckAppointmentSlotsFailureIsResult(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"success": false, "error": "terminal not in dropdown"})
	}))
	res, err := c.CheckAppointmentSlots(context.Background(), "tok", CheckParams{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "terminal not in dropdown", res.Error)

	c = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"success": false, "error": "Invalid session"})
	}))
	_, err = c.CheckAppointmentSlots(context.Background(), "tok", CheckParams{})
	assert.ErrorIs(t, err, internaltypes.ErrSessionInvalid)
}

func TestTimelineAndBookingNumber(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/get_container_timeline", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"success": true, "passed_pregate": true, "timeline": []map[string]string{{"milestone": "Departed Terminal", "date": "N/A"}}})
	})
	mux.HandleFunc("/get_booking_number", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"success": true, "booking_number": "BK-9"})
	})
	c := newTestClient(t, mux)

	tl, err := c.FetchTimeline(context.Background(), "tok", "MSCU1")
	require.NoError(t, err)
	assert.True(t, tl.PassedPregate)
	assert.Len(t, tl.Milestones, 1)

	bn, err := c.FetchBookingNumber(context.Background(), "tok", "TGHU2")
	require.NoError(t, err)
	assert.Equal(t, "BK-9", bn)
}

func TestDownloadStreamsRelativeLocator(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/c.xlsx", r.URL.Path)
		_, _ = w.Write([]byte("spreadsheet-bytes"))
	}))
	var buf bytes.Buffer
	n, err := c.Download(context.Background(), "files/c.xlsx", &buf)
	require.NoError(t, err)
	assert.EqualValues(t, len("spreadsheet-bytes"), n)
	assert.Equal(t, "spreadsheet-bytes", buf.String())
}

func TestDownloadNotFound(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.Download(context.Background(), "/missing", &bytes.Buffer{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.Code)
}

func TestCallTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	c := New(srv.URL, Options{CallTimeout: 50 * time.Millisecond, Logger: zerolog.Nop()})

	_, err := c.FetchInventory(context.Background(), "tok")
	assert.ErrorIs(t, err, internaltypes.ErrRemoteUnavailable)
}

func TestCallsAreSerialized(t *testing.T) {
	var inflight, peak int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		writeJSON(w, 200, map[string]any{"success": true, "booking_number": "B"})
	}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.FetchBookingNumber(context.Background(), "tok", "X")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&peak))
}

func TestAcquireBlockedByCancelledContext(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, 200, map[string]any{"success": true, "booking_number": "B"})
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.FetchBookingNumber(context.Background(), "tok", "X")
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.FetchBookingNumber(ctx, "tok", "Y")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done
}
