package tenants

import (
	"context"
	"fmt"
	"time"

	"github.com/example/appointment-scheduler/internal/crypto"
	"github.com/example/appointment-scheduler/internal/db"
)

const DefaultFrequency = 60

type Tenant struct {
	ID                int64
	Name              string
	RemoteUsername    string
	SessionToken      *string
	APITokenHash      string
	ScheduleEnabled   bool
	ScheduleFrequency int // minutes

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Credentials are the decrypted remote-service login values of a tenant.
type Credentials struct {
	Username      string
	Password      string
	CaptchaAPIKey string
}

type NewTenant struct {
	Name          string
	Credentials   Credentials
	APITokenHash  string
	Schedule      bool
	FrequencyMins int
}

func (n NewTenant) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("name required")
	}
	if n.Credentials.Username == "" || n.Credentials.Password == "" {
		return fmt.Errorf("remote username and password required")
	}
	if n.APITokenHash == "" {
		return fmt.Errorf("api token hash required")
	}
	if n.FrequencyMins < 1 {
		return fmt.Errorf("schedule frequency must be at least 1 minute")
	}
	return nil
}

type Repo struct {
	db   *db.DB
	aead *crypto.AEAD
}

func NewRepo(d *db.DB, aead *crypto.AEAD) *Repo { return &Repo{db: d, aead: aead} }

const columns = `id,name,remote_username,session_token,api_token_hash,schedule_enabled,schedule_frequency,created_at,updated_at`

func scanTenant(row db.Row) (Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.RemoteUsername, &t.SessionToken, &t.APITokenHash,
		&t.ScheduleEnabled, &t.ScheduleFrequency, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (r *Repo) Create(ctx context.Context, n NewTenant) (int64, error) {
	if err := n.Validate(); err != nil {
		return 0, err
	}
	pw, err := r.aead.EncryptToString(n.Credentials.Password)
	if err != nil {
		return 0, fmt.Errorf("tenants: seal password: %w", err)
	}
	key, err := r.aead.EncryptToString(n.Credentials.CaptchaAPIKey)
	if err != nil {
		return 0, fmt.Errorf("tenants: seal captcha key: %w", err)
	}

	var id int64
	err = r.db.QueryRow(ctx, `
INSERT INTO tenants(name,remote_username,remote_password,captcha_api_key,api_token_hash,schedule_enabled,schedule_frequency)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id`,
		n.Name, n.Credentials.Username, pw, key, n.APITokenHash, n.Schedule, n.FrequencyMins,
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

func (r *Repo) Get(ctx context.Context, id int64) (Tenant, error) {
	t, err := scanTenant(r.db.QueryRow(ctx, `SELECT `+columns+` FROM tenants WHERE id=$1`, id))
	if err != nil {
		return Tenant{}, db.WrapNotFound(err)
	}
	return t, nil
}

func (r *Repo) List(ctx context.Context) ([]Tenant, error) {
	return r.list(ctx, `SELECT `+columns+` FROM tenants ORDER BY id`)
}

// ListScheduled returns tenants with scheduling enabled, oldest first.
func (r *Repo) ListScheduled(ctx context.Context) ([]Tenant, error) {
	return r.list(ctx, `SELECT `+columns+` FROM tenants WHERE schedule_enabled ORDER BY id`)
}

func (r *Repo) list(ctx context.Context, sql string, args ...any) ([]Tenant, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("tenants: list: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repo) Credentials(ctx context.Context, id int64) (Credentials, error) {
	var c Credentials
	var pw, key string
	err := r.db.QueryRow(ctx, `SELECT remote_username,remote_password,captcha_api_key FROM tenants WHERE id=$1`, id).
		Scan(&c.Username, &pw, &key)
	if err != nil {
		return Credentials{}, db.WrapNotFound(err)
	}
	if c.Password, err = r.aead.DecryptString(pw); err != nil {
		return Credentials{}, fmt.Errorf("tenants: open password: %w", err)
	}
	if key != "" {
		if c.CaptchaAPIKey, err = r.aead.DecryptString(key); err != nil {
			return Credentials{}, fmt.Errorf("tenants: open captcha key: %w", err)
		}
	}
	return c, nil
}

// SwapSessionToken stores next only if the cached token still equals prev
// (nil meaning "no token"). It reports whether the swap applied.
func (r *Repo) SwapSessionToken(ctx context.Context, id int64, prev *string, next string) (bool, error) {
	n, err := r.db.ExecCount(ctx, `
UPDATE tenants SET session_token=$3, updated_at=now()
WHERE id=$1 AND session_token IS NOT DISTINCT FROM $2`, id, prev, next)
	if err != nil {
		return false, fmt.Errorf("tenants: swap session: %w", err)
	}
	return n == 1, nil
}

func (r *Repo) UpdateSchedule(ctx context.Context, id int64, enabled *bool, frequency *int) (Tenant, error) {
	if frequency != nil && *frequency < 1 {
		return Tenant{}, fmt.Errorf("schedule frequency must be at least 1 minute")
	}
	t, err := scanTenant(r.db.QueryRow(ctx, `
UPDATE tenants
SET schedule_enabled=COALESCE($2, schedule_enabled),
    schedule_frequency=COALESCE($3, schedule_frequency),
    updated_at=now()
WHERE id=$1
RETURNING `+columns, id, enabled, frequency))
	if err != nil {
		return Tenant{}, db.WrapNotFound(err)
	}
	return t, nil
}

func (r *Repo) Delete(ctx context.Context, id int64) error {
	n, err := r.db.ExecCount(ctx, `DELETE FROM tenants WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("tenants: delete: %w", err)
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}
