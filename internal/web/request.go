package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/example/appointment-scheduler/internal/jobs"
)

var validate = validator.New()

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

type scheduleRequest struct {
	Enabled   *bool `json:"enabled"`
	Frequency *int  `json:"frequency_minutes" validate:"omitempty,min=1,max=10080"`
}

const (
	defaultLimit = 50
	maxLimit     = 200
)

// parseListFilter reads status, limit and offset query parameters.
func parseListFilter(r *http.Request) (jobs.ListFilter, error) {
	q := r.URL.Query()
	f := jobs.ListFilter{Status: jobs.Status(q.Get("status")), Limit: defaultLimit}
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("unknown status %q", f.Status)
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return f, fmt.Errorf("invalid limit")
		}
		f.Limit = n
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid offset")
		}
		f.Offset = n
	}
	return f, nil
}
