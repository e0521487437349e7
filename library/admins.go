package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const adminColumns = `id, phone_number, name, COALESCE(username, ''), COALESCE(password_hash, ''),
    is_active, is_setup_complete, created_at`

func scanAdmin(row rowScanner) (*AdminUser, error) {
	var a AdminUser
	var created string
	if err := row.Scan(&a.ID, &a.PhoneNumber, &a.Name, &a.Username, &a.PasswordHash,
		&a.IsActive, &a.IsSetupComplete, &created); err != nil {
		return nil, err
	}
	var err error
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAdmin provisions a phone number for admin access. The account starts
// active and pending setup.
func (d *Database) CreateAdmin(ctx context.Context, phone, name string, now time.Time) (*AdminUser, error) {
	a := &AdminUser{
		ID:          uuid.NewString(),
		PhoneNumber: phone,
		Name:        name,
		IsActive:    true,
	}
	ts := formatTime(now)
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO admins(id, phone_number, name, is_active, is_setup_complete, created_at) VALUES(?,?,?,1,0,?)`,
		a.ID, a.PhoneNumber, a.Name, ts); err != nil {
		if isUniqueViolation(err) {
			return nil, invalid("phoneNumber", "phone number %s is already provisioned", phone)
		}
		return nil, fmt.Errorf("insert admin: %w", err)
	}
	a.CreatedAt, _ = parseTime(ts)
	return a, nil
}

// GetAdmin fetches an admin by id.
func (d *Database) GetAdmin(ctx context.Context, id string) (*AdminUser, error) {
	return d.getAdminWhere(ctx, "id", id)
}

// GetAdminByPhone fetches an admin by provisioned phone number.
func (d *Database) GetAdminByPhone(ctx context.Context, phone string) (*AdminUser, error) {
	return d.getAdminWhere(ctx, "phone_number", phone)
}

// GetAdminByUsername fetches an admin by login name.
func (d *Database) GetAdminByUsername(ctx context.Context, username string) (*AdminUser, error) {
	return d.getAdminWhere(ctx, "username", username)
}

func (d *Database) getAdminWhere(ctx context.Context, column, value string) (*AdminUser, error) {
	a, err := scanAdmin(d.db.QueryRowContext(ctx,
		`SELECT `+adminColumns+` FROM admins WHERE `+column+` = ?`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("admin %s=%s: %w", column, value, ErrNotFound)
	}
	return a, err
}

// CompleteSetup stores credentials for a pending admin. It fails with
// ErrSetupComplete if the account was already set up.
func (d *Database) CompleteSetup(ctx context.Context, adminID, username, passwordHash, name string) (*AdminUser, error) {
	var admin *AdminUser
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE admins SET username=?, password_hash=?, name=?, is_setup_complete=1
             WHERE id=? AND is_active=1 AND is_setup_complete=0`,
			username, passwordHash, name, adminID)
		if err != nil {
			if isUniqueViolation(err) {
				return invalid("username", "username %s is already taken", username)
			}
			return fmt.Errorf("complete setup: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("admin %s: %w", adminID, ErrSetupComplete)
		}
		admin, err = scanAdmin(tx.QueryRowContext(ctx, `SELECT `+adminColumns+` FROM admins WHERE id = ?`, adminID))
		return err
	})
	return admin, err
}

// SetAdminActive enables or disables an admin. Disabling also revokes every
// live session of that admin.
func (d *Database) SetAdminActive(ctx context.Context, phone string, active bool, now time.Time) (*AdminUser, error) {
	var admin *AdminUser
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE admins SET is_active=? WHERE phone_number=?`, active, phone)
		if err != nil {
			return fmt.Errorf("set admin active: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("admin phone_number=%s: %w", phone, ErrNotFound)
		}
		admin, err = scanAdmin(tx.QueryRowContext(ctx, `SELECT `+adminColumns+` FROM admins WHERE phone_number = ?`, phone))
		if err != nil {
			return err
		}
		if !active {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET revoked_at=? WHERE admin_id=? AND revoked_at IS NULL`,
				formatTime(now), admin.ID); err != nil {
				return fmt.Errorf("revoke sessions: %w", err)
			}
		}
		return nil
	})
	return admin, err
}

// ListAdmins returns every provisioned admin, oldest first.
func (d *Database) ListAdmins(ctx context.Context) ([]*AdminUser, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+adminColumns+` FROM admins ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AdminUser
	for rows.Next() {
		a, err := scanAdmin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// session is a server-side login session. Tokens handed to clients only
// carry the id; revocation and expiry are decided here.
type session struct {
	ID        string
	AdminID   string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

func (s *session) live(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

func (d *Database) createSession(ctx context.Context, adminID string, now time.Time, ttl time.Duration) (*session, error) {
	s := &session{
		ID:        uuid.NewString(),
		AdminID:   adminID,
		CreatedAt: now.UTC(),
		ExpiresAt: now.Add(ttl).UTC(),
	}
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO sessions(id, admin_id, created_at, expires_at) VALUES(?,?,?,?)`,
		s.ID, s.AdminID, formatTime(s.CreatedAt), formatTime(s.ExpiresAt)); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

func (d *Database) getSession(ctx context.Context, id string) (*session, error) {
	var s session
	var created, expires string
	var revoked sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT id, admin_id, created_at, expires_at, revoked_at FROM sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.AdminID, &created, &expires, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionExpired)
	}
	if err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = parseTime(expires); err != nil {
		return nil, err
	}
	if s.RevokedAt, err = parseNullTime(revoked); err != nil {
		return nil, err
	}
	return &s, nil
}

// revokeSession marks a session revoked. Revoking twice is a no-op.
func (d *Database) revokeSession(ctx context.Context, id string, now time.Time) error {
	if _, err := d.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, formatTime(now), id); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// PurgeSessions deletes sessions that expired or were revoked before cutoff.
func (d *Database) PurgeSessions(ctx context.Context, cutoff time.Time) (int, error) {
	ts := formatTime(cutoff)
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ? OR (revoked_at IS NOT NULL AND revoked_at < ?)`, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, err := rowsAffected(res)
	return int(n), err
}
