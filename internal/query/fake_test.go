package query

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/appointment-scheduler/internal/artifacts"
	"github.com/example/appointment-scheduler/internal/checkpoint"
	"github.com/example/appointment-scheduler/internal/emodal"
	"github.com/example/appointment-scheduler/internal/internaltypes"
	"github.com/example/appointment-scheduler/internal/inventory"
	"github.com/example/appointment-scheduler/internal/jobs"
	"github.com/example/appointment-scheduler/internal/resolve"
	"github.com/example/appointment-scheduler/internal/retry"
)

// fakeService imitates the remote automation service.
type fakeService struct {
	t *testing.T

	mu           sync.Mutex
	calls        map[string]int
	checks       []map[string]any
	rejectFirst  map[string]int // op -> number of leading calls answered 401
	bulkStatus   int
	checkStatus  []int // statuses answered by the leading check calls
	noSlots      bool
	containers   []byte
	appointments []byte
}

func newFakeService(t *testing.T) *fakeService {
	return &fakeService{
		t:            t,
		calls:        map[string]int{},
		rejectFirst:  map[string]int{},
		containers:   workbook(t, containerSheet()),
		appointments: workbook(t, &inventory.Sheet{Header: []string{"Appointment #", "Container #"}, Rows: [][]string{{"AP1", "MSCU1000001"}}}),
	}
}

func containerSheet() *inventory.Sheet {
	return &inventory.Sheet{
		Header: []string{"Container #", "Trade Type", "Status", "Holds", "Pregate Ticket#", "Current Loc", "Origin", "Destination"},
		Rows: [][]string{
			{"MSCU1000001", "IMPORT", "On Vessel", "NO", "N/A", "ITS", "", ""},
			{"TGHU2000002", "EXPORT", "Booked", "NO", "N/A", "", "", "TTI"},
			{"HLDU3000003", "IMPORT", "Hold", "YES", "N/A", "ITS", "", ""},
		},
	}
}

func workbook(t *testing.T, s *inventory.Sheet) []byte {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fixture.xlsx")
	require.NoError(t, s.Save(p))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	return b
}

func (f *fakeService) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// hit records a call and reports whether it should be rejected as an
// invalid session.
func (f *fakeService) hit(op string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.rejectFirst[op] > 0 {
		f.rejectFirst[op]--
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	listing := func(op, file, countKey string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if f.hit(op) {
				http.Error(w, `{"success":false,"error":"Invalid session"}`, http.StatusUnauthorized)
				return
			}
			writeJSON(w, map[string]any{"success": true, "file_url": "/files/" + file, countKey: 3})
		}
	}
	mux.HandleFunc("/get_containers", listing("get_containers", "containers.xlsx", "containers_count"))
	mux.HandleFunc("/get_appointments", listing("get_appointments", "appointments.xlsx", "selected_count"))

	mux.HandleFunc("/get_info_bulk", func(w http.ResponseWriter, r *http.Request) {
		f.hit("get_info_bulk")
		if f.bulkStatus != 0 {
			w.WriteHeader(f.bulkStatus)
			return
		}
		var req struct {
			Imports []string `json:"import_containers"`
			Exports []string `json:"export_containers"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		var imports, exports []map[string]any
		for _, id := range req.Imports {
			imports = append(imports, map[string]any{
				"container_id":   id,
				"pregate_status": false,
				"timeline": []map[string]string{
					{"milestone": "Manifested", "date": "10/01/2025 10:00"},
					{"milestone": "Departed Terminal", "date": "N/A"},
				},
			})
		}
		for _, id := range req.Exports {
			exports = append(exports, map[string]any{"container_id": id, "booking_number": "BK-" + id})
		}
		writeJSON(w, map[string]any{"success": true, "results": map[string]any{"import_results": imports, "export_results": exports}})
	})

	mux.HandleFunc("/check_appointments", func(w http.ResponseWriter, r *http.Request) {
		rejected := f.hit("check_appointments")
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.checks = append(f.checks, req)
		status := 0
		if len(f.checkStatus) > 0 {
			status, f.checkStatus = f.checkStatus[0], f.checkStatus[1:]
		}
		f.mu.Unlock()
		if rejected {
			http.Error(w, "session expired", http.StatusUnauthorized)
			return
		}
		if status != 0 {
			http.Error(w, "forbidden", status)
			return
		}
		times := []string{"10/12/2025 01:00 PM - 02:00 PM", "10/10/2025 08:00 AM - 09:00 AM"}
		if f.noSlots {
			times = []string{}
		}
		writeJSON(w, map[string]any{
			"success":                 true,
			"available_times":         times,
			"dropdown_screenshot_url": "/files/shot.png",
		})
	})

	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		f.hit("download")
		switch filepath.Base(r.URL.Path) {
		case "containers.xlsx":
			_, _ = w.Write(f.containers)
		case "appointments.xlsx":
			_, _ = w.Write(f.appointments)
		case "shot.png":
			_, _ = w.Write([]byte("\x89PNG"))
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

type fakeSessions struct {
	mu        sync.Mutex
	token     string
	ensures   int
	recovers  int
	ensureErr error
}

func (s *fakeSessions) Ensure(context.Context, int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensures++
	if s.ensureErr != nil {
		return "", s.ensureErr
	}
	return s.token, nil
}

func (s *fakeSessions) Recover(_ context.Context, _ int64, stale string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovers++
	s.token = stale + "-renewed"
	return s.token, nil
}

type memJobs struct {
	mu          sync.Mutex
	m           map[string]jobs.Job
	completeErr error
}

func newMemJobs() *memJobs { return &memJobs{m: map[string]jobs.Job{}} }

func (s *memJobs) Create(_ context.Context, j jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[j.ID]; ok {
		return fmt.Errorf("duplicate job %s", j.ID)
	}
	s.m[j.ID] = j
	return nil
}

func (s *memJobs) Get(_ context.Context, id string) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.m[id]
	if !ok {
		return jobs.Job{}, internaltypes.ErrNotFound
	}
	return j, nil
}

func (s *memJobs) move(id string, to jobs.Status, fn func(*jobs.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.m[id]
	if !ok || !jobs.CanTransition(j.Status, to) {
		return jobs.ErrInvalidTransition
	}
	j.Status = to
	if fn != nil {
		fn(&j)
	}
	s.m[id] = j
	return nil
}

func (s *memJobs) MarkInProgress(_ context.Context, id string) error {
	return s.move(id, jobs.StatusInProgress, nil)
}

func (s *memJobs) Complete(_ context.Context, id string, stats jobs.Stats) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	return s.move(id, jobs.StatusCompleted, func(j *jobs.Job) {
		now := time.Now()
		j.Stats = &stats
		j.CompletedAt = &now
	})
}

func (s *memJobs) Fail(_ context.Context, id, msg string) error {
	return s.move(id, jobs.StatusFailed, func(j *jobs.Job) {
		now := time.Now()
		j.ErrorMessage = &msg
		j.CompletedAt = &now
	})
}

type harness struct {
	svc      *fakeService
	sessions *fakeSessions
	jobs     *memJobs
	store    *artifacts.Store
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	svc := newFakeService(t)
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	h := &harness{
		svc:      svc,
		sessions: &fakeSessions{token: "tok"},
		jobs:     newMemJobs(),
		store:    artifacts.New(t.TempDir(), nil, zerolog.Nop()),
	}
	clock := time.Date(2025, 10, 9, 12, 0, 0, 0, time.UTC)
	h.orch = &Orchestrator{
		Remote:      emodal.New(srv.URL, emodal.Options{CallTimeout: 5 * time.Second, BulkTimeout: 5 * time.Second, Logger: zerolog.Nop()}),
		Sessions:    h.sessions,
		Jobs:        h.jobs,
		Store:       h.store,
		Checkpoints: checkpoint.FileOpener(),
		Tables:      resolve.Default(),
		Retry:       retry.Transient(2, time.Millisecond),
		SaveEvery:   5,
		TruckPlate:  "ABC123",
		Logger:      zerolog.Nop(),
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	}
	return h
}
