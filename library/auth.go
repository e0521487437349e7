package library

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const sessionCookieName = "library_session"

// SetupRequest carries the one-time credentials of a pending admin.
type SetupRequest struct {
	PhoneNumber string `json:"phoneNumber" binding:"required"`
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required"`
	Name        string `json:"name" binding:"required"`
}

// ProvisionAdmin authorizes a phone number for admin access. The holder
// completes setup later.
func (lm *LibraryManager) ProvisionAdmin(ctx context.Context, phone, name string) (*AdminUser, error) {
	phone = NormalizePhone(phone)
	if err := ValidatePhone("phoneNumber", phone); err != nil {
		return nil, err
	}
	a, err := lm.db.CreateAdmin(ctx, phone, strings.TrimSpace(name), lm.now())
	if err != nil {
		return nil, err
	}
	lm.logger.Info("admin provisioned", zap.String("admin_id", a.ID), zap.String("phone", a.PhoneNumber))
	return a, nil
}

// DeactivateAdmin revokes admin access for phone and ends its sessions.
func (lm *LibraryManager) DeactivateAdmin(ctx context.Context, phone string) (*AdminUser, error) {
	a, err := lm.db.SetAdminActive(ctx, NormalizePhone(phone), false, lm.now())
	if err != nil {
		return nil, err
	}
	lm.logger.Info("admin deactivated", zap.String("admin_id", a.ID))
	return a, nil
}

// ActivateAdmin restores admin access for phone.
func (lm *LibraryManager) ActivateAdmin(ctx context.Context, phone string) (*AdminUser, error) {
	a, err := lm.db.SetAdminActive(ctx, NormalizePhone(phone), true, lm.now())
	if err != nil {
		return nil, err
	}
	lm.logger.Info("admin activated", zap.String("admin_id", a.ID))
	return a, nil
}

func (lm *LibraryManager) ListAdmins(ctx context.Context) ([]*AdminUser, error) {
	return lm.db.ListAdmins(ctx)
}

// PhoneLookup is the first step of the admin flow: it tells the caller
// whether the number may proceed and whether setup is still pending.
func (lm *LibraryManager) PhoneLookup(ctx context.Context, phone string) (PhoneLookupResult, error) {
	phone = NormalizePhone(phone)
	if err := ValidatePhone("phoneNumber", phone); err != nil {
		return PhoneLookupResult{}, err
	}
	a, err := lm.authorizedAdmin(ctx, phone)
	if err != nil {
		return PhoneLookupResult{}, err
	}
	return PhoneLookupResult{AdminID: a.ID, NeedsSetup: !a.IsSetupComplete}, nil
}

func (lm *LibraryManager) authorizedAdmin(ctx context.Context, phone string) (*AdminUser, error) {
	a, err := lm.db.GetAdminByPhone(ctx, phone)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotAuthorized
	}
	if err != nil {
		return nil, err
	}
	if !a.IsActive {
		return nil, ErrNotAuthorized
	}
	return a, nil
}

// SetupAccount sets the username and password of a pending admin and logs
// them in. An account that already finished setup is left untouched.
func (lm *LibraryManager) SetupAccount(ctx context.Context, req SetupRequest) (AuthState, error) {
	phone := NormalizePhone(req.PhoneNumber)
	if err := ValidatePhone("phoneNumber", phone); err != nil {
		return Anonymous(), err
	}
	a, err := lm.authorizedAdmin(ctx, phone)
	if err != nil {
		return Anonymous(), err
	}
	if a.IsSetupComplete {
		return Anonymous(), ErrSetupComplete
	}

	username := strings.TrimSpace(req.Username)
	name := strings.TrimSpace(req.Name)
	if err := ValidateUsername(username); err != nil {
		return Anonymous(), err
	}
	if err := ValidatePassword(req.Password); err != nil {
		return Anonymous(), err
	}
	if err := required("name", name); err != nil {
		return Anonymous(), err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), lm.bcryptCost)
	if err != nil {
		return Anonymous(), fmt.Errorf("hash password: %w", err)
	}
	a, err = lm.db.CompleteSetup(ctx, a.ID, username, string(hash), name)
	if err != nil {
		return Anonymous(), err
	}
	lm.logger.Info("admin setup completed", zap.String("admin_id", a.ID), zap.String("username", a.Username))
	return lm.issueSession(ctx, a)
}

// Login authenticates an active admin. Unknown usernames and wrong passwords
// fail the same way and take about the same time.
func (lm *LibraryManager) Login(ctx context.Context, username, password string) (AuthState, error) {
	a, err := lm.db.GetAdminByUsername(ctx, strings.TrimSpace(username))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Anonymous(), err
	}

	hash := lm.dummyHash
	if a != nil && a.PasswordHash != "" {
		hash = []byte(a.PasswordHash)
	}
	match := bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
	if a == nil || !match || !a.IsActive || !a.IsSetupComplete {
		lm.logger.Info("admin login failed", zap.String("username", username))
		return Anonymous(), ErrInvalidCredentials
	}

	lm.logger.Info("admin logged in", zap.String("admin_id", a.ID))
	return lm.issueSession(ctx, a)
}

func (lm *LibraryManager) issueSession(ctx context.Context, a *AdminUser) (AuthState, error) {
	s, err := lm.db.createSession(ctx, a.ID, lm.now(), lm.sessionTTL)
	if err != nil {
		return Anonymous(), err
	}
	token, err := lm.codec.Encode(sessionCookieName, s.ID)
	if err != nil {
		return Anonymous(), fmt.Errorf("encode session token: %w", err)
	}
	return AuthState{
		Authenticated: true,
		User:          a,
		Role:          RoleAdmin,
		Token:         token,
		ExpiresAt:     s.ExpiresAt,
	}, nil
}

// LoadSession resolves a token into the caller's AuthState. A missing,
// tampered, expired or revoked token yields ErrSessionExpired and the
// anonymous student state.
func (lm *LibraryManager) LoadSession(ctx context.Context, token string) (AuthState, error) {
	if token == "" {
		return Anonymous(), ErrSessionExpired
	}
	s, err := lm.sessionFromToken(ctx, token)
	if err != nil {
		return Anonymous(), err
	}
	if !s.live(lm.now()) {
		return Anonymous(), ErrSessionExpired
	}
	a, err := lm.db.GetAdmin(ctx, s.AdminID)
	if errors.Is(err, ErrNotFound) {
		return Anonymous(), ErrSessionExpired
	}
	if err != nil {
		return Anonymous(), err
	}
	if !a.IsActive || !a.IsSetupComplete {
		return Anonymous(), ErrSessionExpired
	}
	return AuthState{
		Authenticated: true,
		User:          a,
		Role:          RoleAdmin,
		Token:         token,
		ExpiresAt:     s.ExpiresAt,
	}, nil
}

func (lm *LibraryManager) sessionFromToken(ctx context.Context, token string) (*session, error) {
	var id string
	if err := lm.codec.Decode(sessionCookieName, token, &id); err != nil {
		return nil, ErrSessionExpired
	}
	return lm.db.getSession(ctx, id)
}

// Logout revokes the session behind token. Unknown or already revoked
// tokens are ignored.
func (lm *LibraryManager) Logout(ctx context.Context, token string) error {
	s, err := lm.sessionFromToken(ctx, token)
	if errors.Is(err, ErrSessionExpired) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := lm.db.revokeSession(ctx, s.ID, lm.now()); err != nil {
		return err
	}
	lm.logger.Info("admin logged out", zap.String("admin_id", s.AdminID))
	return nil
}

// PurgeSessions drops session rows that can no longer authenticate anyone.
func (lm *LibraryManager) PurgeSessions(ctx context.Context) (int, error) {
	n, err := lm.db.PurgeSessions(ctx, lm.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		lm.logger.Debug("sessions purged", zap.Int("count", n))
	}
	return n, nil
}
