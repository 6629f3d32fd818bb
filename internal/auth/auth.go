package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/appointment-scheduler/internal/internaltypes"
	"github.com/example/appointment-scheduler/internal/tenants"
)

type TenantGetter interface {
	Get(ctx context.Context, id int64) (tenants.Tenant, error)
}

type Store struct {
	tenants TenantGetter
}

type ctxKey string

const tenantIDKey ctxKey = "tenantID"

func NewStore(t TenantGetter) *Store { return &Store{tenants: t} }

// NewToken returns a random bearer token for a tenant's HTTP access.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func HashToken(tok string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(tok), bcrypt.DefaultCost)
	return string(b), err
}

func CheckToken(hash, tok string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(tok))
	return err == nil
}

// BearerToken extracts the token of an "Authorization: Bearer ..." header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// Authorize checks the request's bearer token against the tenant's stored
// hash. Unknown tenants and bad tokens both yield ErrUnauthorized.
func (s *Store) Authorize(ctx context.Context, tenantID int64, r *http.Request) error {
	tok, ok := BearerToken(r)
	if !ok {
		return fmt.Errorf("missing bearer token: %w", internaltypes.ErrUnauthorized)
	}
	t, err := s.tenants.Get(ctx, tenantID)
	if errors.Is(err, internaltypes.ErrNotFound) {
		return internaltypes.ErrUnauthorized
	}
	if err != nil {
		return err
	}
	if !CheckToken(t.APITokenHash, tok) {
		return internaltypes.ErrUnauthorized
	}
	return nil
}

// RequireTenant authorizes routes carrying the tenant id in URL param.
func (s *Store) RequireTenant(param string, onErr func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
			if err != nil || id <= 0 {
				onErr(w, fmt.Errorf("bad tenant id: %w", internaltypes.ErrNotFound))
				return
			}
			if err := s.Authorize(r.Context(), id, r); err != nil {
				onErr(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), tenantIDKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func TenantIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(tenantIDKey).(int64)
	return id, ok
}
