package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"campus-library/internal/config"
	"campus-library/library"
)

func useConfig(t *testing.T) {
	t.Helper()
	prevCfg, prevLogger := cfg, logger
	t.Cleanup(func() { cfg, logger = prevCfg, prevLogger })

	cfg = config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "lib.db")
	cfg.BcryptCost = 4
	cfg.SessionHashKey = "0123456789abcdef0123456789abcdef"
	cfg.NotificationSpool = filepath.Join(t.TempDir(), "spool", "notifications.jsonl")
	logger = zap.NewNop()
}

func TestOpenManagerAppliesConfig(t *testing.T) {
	useConfig(t)
	cfg.LoanPeriod = 21 * 24 * time.Hour

	mgr, err := openManager(prometheus.NewRegistry())
	require.NoError(t, err)
	defer mgr.Close()

	due := mgr.DefaultDueDate()
	assert.WithinDuration(t, time.Now().Add(21*24*time.Hour), due, time.Minute)
	require.NoError(t, mgr.Ping(context.Background()))
}

func TestSessionsSurviveReopenWithConfiguredKeys(t *testing.T) {
	useConfig(t)
	ctx := context.Background()

	mgr, err := openManager(prometheus.NewRegistry())
	require.NoError(t, err)
	_, err = mgr.ProvisionAdmin(ctx, "+15551234567", "Desk")
	require.NoError(t, err)
	state, err := mgr.SetupAccount(ctx, library.SetupRequest{
		PhoneNumber: "+15551234567", Username: "desk", Password: "S3cure-pass", Name: "Desk",
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Close())

	reopened, err := openManager(prometheus.NewRegistry())
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadSession(ctx, state.Token)
	require.NoError(t, err)
	assert.Equal(t, "desk", loaded.User.Username)
}

func TestRunMaintenanceStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	useConfig(t)

	mgr, err := openManager(prometheus.NewRegistry())
	require.NoError(t, err)
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		runMaintenance(ctx, mgr, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance loop did not stop")
	}
}
