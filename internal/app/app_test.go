package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpesa-analytics/riskpipe/internal/config"
	"github.com/mpesa-analytics/riskpipe/internal/pipeline"
	"github.com/mpesa-analytics/riskpipe/internal/txn"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:             "8080",
		StoreTimeout:     time.Second,
		AmountCeiling:    "250000",
		ClockSkew:        5 * time.Minute,
		RetentionHorizon: 100 * 365 * 24 * time.Hour,
		AccountPattern:   `^254\d{9}$`,
		Timezone:         "Africa/Nairobi",
		ConflictPolicy:   "overwrite",
		CASAttempts:      5,
		ClaimLease:       time.Minute,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuild_InMemory(t *testing.T) {
	a, err := Build(context.Background(), testConfig(), quietLogger(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	healthy, statuses := a.Health.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Len(t, statuses, 3)

	rep, err := a.Coordinator.Run(context.Background(), pipeline.Batch{Records: []txn.Raw{{
		Source:    "mpesa",
		SourceID:  "T1",
		Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Sender:    "254700000001",
		Receiver:  "254700000002",
		Amount:    "500",
		Type:      txn.TypeP2PTransfer,
	}}})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Counts.Written)
}

func TestBuild_BadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("weights: {novelty: \n"), 0o600))

	cfg := testConfig()
	cfg.RulesFile = path
	_, err := Build(context.Background(), cfg, quietLogger(), nil)
	assert.Error(t, err)
}

func TestBuild_BadPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.ConflictPolicy = "merge"
	_, err := Build(context.Background(), cfg, quietLogger(), nil)
	assert.Error(t, err)
}

func TestMaskDSN(t *testing.T) {
	masked := MaskDSN("postgres://riskpipe:secret@db:5432/riskpipe?sslmode=disable")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "riskpipe:")
	assert.Contains(t, masked, "@db:5432/riskpipe")

	assert.Equal(t, "postgres://db/riskpipe", MaskDSN("postgres://db/riskpipe"))
	assert.Equal(t, "***", MaskDSN("://bad"))
}
