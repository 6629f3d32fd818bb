// Package artifacts lays out and writes the files a query run produces.
//
//	{root}/users/{tenant}/emodal/all_containers.xlsx      tenant master
//	{root}/users/{tenant}/emodal/all_appointments.xlsx    tenant master
//	{root}/users/{tenant}/emodal/queries/{job}/...        per-run folder
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/appointment-scheduler/internal/internaltypes"
)

const (
	AllContainers      = "all_containers.xlsx"
	FilteredContainers = "filtered_containers.xlsx"
	AllAppointments    = "all_appointments.xlsx"
	BulkInfo           = "bulk_info.json"

	attemptsDir = "containers_checking_attempts"
)

// Mirror receives a copy of every artifact written, keyed by its path
// relative to the storage root.
type Mirror interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type Store struct {
	root   string
	mirror Mirror
	logger zerolog.Logger
}

// New returns a store rooted at root. mirror may be nil.
func New(root string, mirror Mirror, logger zerolog.Logger) *Store {
	return &Store{root: root, mirror: mirror, logger: logger.With().Str("component", "artifacts").Logger()}
}

func (s *Store) TenantDir(tenantID int64) string {
	return filepath.Join(s.root, "users", strconv.FormatInt(tenantID, 10), "emodal")
}

func (s *Store) JobDir(tenantID int64, jobID string) string {
	return filepath.Join(s.TenantDir(tenantID), "queries", jobID)
}

// Folder is one run's artifact directory.
type Folder string

func (f Folder) Path(name string) string { return filepath.Join(string(f), name) }

func (f Folder) ResponsesDir() string { return filepath.Join(string(f), attemptsDir, "responses") }

func (f Folder) ScreenshotsDir() string { return filepath.Join(string(f), attemptsDir, "screenshots") }

// Response and Screenshot name per-item attempt files by {item}_{timestamp}.
func (f Folder) Response(stem string) string {
	return filepath.Join(f.ResponsesDir(), stem+".json")
}

func (f Folder) Screenshot(stem string) string {
	return filepath.Join(f.ScreenshotsDir(), stem+".png")
}

// Prepare creates the run folder tree. Failure here is fatal to the run.
func (s *Store) Prepare(tenantID int64, jobID string) (Folder, error) {
	f := Folder(s.JobDir(tenantID, jobID))
	for _, dir := range []string{f.ResponsesDir(), f.ScreenshotsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("artifacts: create %s: %w: %v", dir, internaltypes.ErrStorage, err)
		}
	}
	return f, nil
}

func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WriteFile replaces path atomically with body.
func (s *Store) WriteFile(ctx context.Context, path string, body []byte) error {
	return s.WriteFrom(ctx, path, func(w io.Writer) error {
		_, err := w.Write(body)
		return err
	})
}

func (s *Store) WriteJSON(ctx context.Context, path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("artifacts: encode %s: %w", filepath.Base(path), err)
	}
	return s.WriteFile(ctx, path, b)
}

// WriteFrom streams fill into a temp file beside path and renames it into
// place once fill succeeds.
func (s *Store) WriteFrom(ctx context.Context, path string, fill func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return storageErr(path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return storageErr(path, err)
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("artifacts: write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return storageErr(path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return storageErr(path, err)
	}
	return s.Sync(ctx, path)
}

// Sync pushes an already written file to the mirror, if one is configured.
// Mirror failures are logged, not returned.
func (s *Store) Sync(ctx context.Context, path string) error {
	if s.mirror == nil {
		return nil
	}
	key, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(key, "..") {
		return fmt.Errorf("artifacts: %s is outside storage root", path)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return storageErr(path, err)
	}
	loc, err := s.mirror.Upload(ctx, filepath.ToSlash(key), body, contentType(path))
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("mirror upload failed")
		return nil
	}
	s.logger.Debug().Str("location", loc).Msg("mirrored")
	return nil
}

// PublishMaster copies a run artifact over the tenant-level master file of
// the same name.
func (s *Store) PublishMaster(ctx context.Context, tenantID int64, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return storageErr(src, err)
	}
	defer in.Close()
	dst := filepath.Join(s.TenantDir(tenantID), filepath.Base(src))
	return s.WriteFrom(ctx, dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// RemoveJob deletes a run folder. A missing folder is not an error.
func (s *Store) RemoveJob(tenantID int64, jobID string) error {
	dir := s.JobDir(tenantID, jobID)
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storageErr(dir, err)
	}
	return nil
}

func storageErr(path string, err error) error {
	return fmt.Errorf("artifacts: %s: %w: %v", filepath.Base(path), internaltypes.ErrStorage, err)
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".jsonl":
		return "application/x-ndjson"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
