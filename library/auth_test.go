package library

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminPhone    = "+15550100001"
	adminPassword = "Shelves2025"
)

func setupAdmin(t *testing.T, mgr *LibraryManager) AuthState {
	t.Helper()
	ctx := context.Background()
	_, err := mgr.ProvisionAdmin(ctx, adminPhone, "Head Librarian")
	require.NoError(t, err)
	state, err := mgr.SetupAccount(ctx, SetupRequest{
		PhoneNumber: adminPhone,
		Username:    "librarian",
		Password:    adminPassword,
		Name:        "Head Librarian",
	})
	require.NoError(t, err)
	return state
}

func TestPhoneLookup(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	_, err := mgr.PhoneLookup(ctx, "+15550109999")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = mgr.PhoneLookup(ctx, "abc")
	assert.True(t, IsValidation(err))

	a, err := mgr.ProvisionAdmin(ctx, "+1 555-010-0001", "Head Librarian")
	require.NoError(t, err)
	assert.Equal(t, adminPhone, a.PhoneNumber)

	res, err := mgr.PhoneLookup(ctx, adminPhone)
	require.NoError(t, err)
	assert.Equal(t, PhoneLookupResult{AdminID: a.ID, NeedsSetup: true}, res)

	_, err = mgr.ProvisionAdmin(ctx, adminPhone, "Duplicate")
	assert.True(t, IsValidation(err))
}

func TestSetupAccountIsOneTime(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	state := setupAdmin(t, mgr)
	assert.True(t, state.Authenticated)
	assert.Equal(t, RoleAdmin, state.Role)
	assert.NotEmpty(t, state.Token)
	require.NotNil(t, state.User)
	assert.Equal(t, "librarian", state.User.Username)
	assert.True(t, state.User.IsSetupComplete)

	res, err := mgr.PhoneLookup(ctx, adminPhone)
	require.NoError(t, err)
	assert.False(t, res.NeedsSetup)

	again, err := mgr.SetupAccount(ctx, SetupRequest{
		PhoneNumber: adminPhone,
		Username:    "intruder",
		Password:    "Takeover2025",
		Name:        "Someone Else",
	})
	assert.ErrorIs(t, err, ErrSetupComplete)
	assert.False(t, again.Authenticated)

	_, err = mgr.Login(ctx, "librarian", adminPassword)
	require.NoError(t, err, "original credentials must survive a second setup attempt")
	_, err = mgr.Login(ctx, "intruder", "Takeover2025")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSetupAccountValidation(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()
	_, err := mgr.ProvisionAdmin(ctx, adminPhone, "")
	require.NoError(t, err)

	tests := []struct {
		name  string
		req   SetupRequest
		field string
	}{
		{"short username", SetupRequest{adminPhone, "ab", adminPassword, "Lib"}, "username"},
		{"username punctuation", SetupRequest{adminPhone, "lib-rarian", adminPassword, "Lib"}, "username"},
		{"short password", SetupRequest{adminPhone, "librarian", "Ab1", "Lib"}, "password"},
		{"password without digit", SetupRequest{adminPhone, "librarian", "Shelvesss", "Lib"}, "password"},
		{"missing name", SetupRequest{adminPhone, "librarian", adminPassword, " "}, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.SetupAccount(ctx, tt.req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	_, err = mgr.SetupAccount(ctx, SetupRequest{"+15550109999", "librarian", adminPassword, "Lib"})
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestSetupAccountUsernameTaken(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()
	setupAdmin(t, mgr)

	_, err := mgr.ProvisionAdmin(ctx, "+15550100002", "Assistant")
	require.NoError(t, err)
	_, err = mgr.SetupAccount(ctx, SetupRequest{"+15550100002", "librarian", adminPassword, "Assistant"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "username", ve.Field)

	res, err := mgr.PhoneLookup(ctx, "+15550100002")
	require.NoError(t, err)
	assert.True(t, res.NeedsSetup)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()
	setupAdmin(t, mgr)

	_, unknownErr := mgr.Login(ctx, "nobody", adminPassword)
	_, wrongErr := mgr.Login(ctx, "librarian", "Wrong2025x")
	assert.ErrorIs(t, unknownErr, ErrInvalidCredentials)
	assert.ErrorIs(t, wrongErr, ErrInvalidCredentials)
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())

	// A pending admin has no password and cannot log in.
	_, err := mgr.ProvisionAdmin(ctx, "+15550100002", "Assistant")
	require.NoError(t, err)
	_, err = mgr.Login(ctx, "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSessionLifecycle(t *testing.T) {
	mgr, clock := newManager(t, WithSessionTTL(time.Hour))
	ctx := context.Background()
	setupAdmin(t, mgr)

	state, err := mgr.Login(ctx, "librarian", adminPassword)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Hour), state.ExpiresAt)

	loaded, err := mgr.LoadSession(ctx, state.Token)
	require.NoError(t, err)
	assert.True(t, loaded.Authenticated)
	assert.Equal(t, "librarian", loaded.User.Username)

	require.NoError(t, mgr.Logout(ctx, state.Token))
	loaded, err = mgr.LoadSession(ctx, state.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, Anonymous(), loaded)
	require.NoError(t, mgr.Logout(ctx, state.Token), "logging out twice is harmless")

	state, err = mgr.Login(ctx, "librarian", adminPassword)
	require.NoError(t, err)
	clock.Advance(time.Hour + time.Second)
	_, err = mgr.LoadSession(ctx, state.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestLoadSessionRejectsGarbage(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	for _, token := range []string{"", "garbage", "MTcwMDAwMDAwMHxhYmN8ZGVm"} {
		state, err := mgr.LoadSession(ctx, token)
		assert.ErrorIs(t, err, ErrSessionExpired)
		assert.Equal(t, RoleStudent, state.Role)
	}

	// Tokens from another key set are rejected.
	other, _ := newManager(t)
	setupAdmin(t, other)
	state, err := other.Login(ctx, "librarian", adminPassword)
	require.NoError(t, err)
	_, err = mgr.LoadSession(ctx, state.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestDeactivateAdminEndsSessions(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()
	state := setupAdmin(t, mgr)

	a, err := mgr.DeactivateAdmin(ctx, adminPhone)
	require.NoError(t, err)
	assert.False(t, a.IsActive)

	_, err = mgr.LoadSession(ctx, state.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
	_, err = mgr.PhoneLookup(ctx, adminPhone)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = mgr.Login(ctx, "librarian", adminPassword)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = mgr.ActivateAdmin(ctx, adminPhone)
	require.NoError(t, err)
	_, err = mgr.Login(ctx, "librarian", adminPassword)
	require.NoError(t, err)

	_, err = mgr.DeactivateAdmin(ctx, "+15550109999")
	assert.ErrorIs(t, err, ErrNotFound)
}
