package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voting-ledger/config"
	"voting-ledger/models"
	"voting-ledger/service"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.DataDir = filepath.Join(dir, "db")
	cfg.Snapshot.Dir = filepath.Join(dir, "snapshots")
	cfg.Receipt.KeyFile = filepath.Join(dir, "receipt_key.json")
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func seedElection(t *testing.T, cfg *config.Config, votes int) string {
	t.Helper()
	store, svc, err := openLedger(cfg, discardLogger(), nil)
	require.NoError(t, err)
	defer store.Close()

	election, position := uuid.NewString(), uuid.NewString()
	for range votes {
		_, err := svc.Cast(context.Background(), service.CastRequest{
			VoterID:     uuid.NewString(),
			CandidateID: uuid.NewString(),
			PositionID:  position,
			ElectionID:  election,
		})
		require.NoError(t, err)
	}
	return election
}

func TestOpenLedgerWritesReceiptKey(t *testing.T) {
	cfg := testConfig(t)
	store, _, err := openLedger(cfg, discardLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.FileExists(t, cfg.Receipt.KeyFile)
}

func TestExportAndVerifySnapshot(t *testing.T) {
	cfg := testConfig(t)
	election := seedElection(t, cfg, 3)
	ctx := context.Background()

	stored, err := verifyStored(ctx, cfg, election, discardLogger())
	require.NoError(t, err)
	assert.True(t, stored.Valid)
	assert.Len(t, stored.Blocks, 3)

	path, err := exportChain(ctx, cfg, election, false, discardLogger())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "chain_"+election+"_"))

	fromFile, err := verifySnapshot(path, discardLogger())
	require.NoError(t, err)
	assert.True(t, fromFile.Valid)
	assert.Equal(t, stored.Blocks[2].Hash, fromFile.Blocks[2].Hash)

	newest, err := verifyLatest(cfg, election, discardLogger())
	require.NoError(t, err)
	assert.True(t, newest.Valid)
	assert.Len(t, newest.Blocks, 3)

	table, err := renderVerification(fromFile)
	require.NoError(t, err)
	assert.Contains(t, table, "Previous hash")
	assert.Contains(t, table, fromFile.Blocks[0].CandidateID)
}

func TestExportRefusesBrokenChain(t *testing.T) {
	cfg := testConfig(t)
	election := seedElection(t, cfg, 2)

	store, err := openStore(cfg, discardLogger())
	require.NoError(t, err)
	err = store.DB().
		Model(&models.Block{}).
		Where(&models.Block{ElectionID: election, Index: 2}).
		Update("candidate_id", uuid.NewString()).Error
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = exportChain(context.Background(), cfg, election, false, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing")

	path, err := exportChain(context.Background(), cfg, election, true, discardLogger())
	require.NoError(t, err)

	result, err := verifySnapshot(path, discardLogger())
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(2), result.BrokenAt)

	var out bytes.Buffer
	err = reportVerification(&out, result)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block 2")
}

func TestReconcileCommand(t *testing.T) {
	cfg := testConfig(t)
	election := seedElection(t, cfg, 1)

	store, err := openStore(cfg, discardLogger())
	require.NoError(t, err)
	orphan := &models.Vote{
		VoterID:     uuid.NewString(),
		CandidateID: uuid.NewString(),
		PositionID:  uuid.NewString(),
		ElectionID:  election,
		CastAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.InsertVote(context.Background(), orphan, nil))
	require.NoError(t, store.Close())

	result, err := reconcileRun(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, service.SweepResult{Orphans: 1, Repaired: 1}, result)

	stored, err := verifyStored(context.Background(), cfg, election, discardLogger())
	require.NoError(t, err)
	assert.True(t, stored.Valid)
	assert.Len(t, stored.Blocks, 2)
}

func TestVersionCommand(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cmd := rootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), programName+" devel")
}

func TestVerifyCommandRequiresTarget(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cmd := rootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"verify"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--file")
}

func TestVerifyLatestWithoutSnapshot(t *testing.T) {
	cfg := testConfig(t)
	_, err := verifyLatest(cfg, uuid.NewString(), discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no snapshot")

	t.Setenv("HOME", t.TempDir())
	cmd := rootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"verify", "--latest"})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "election id")
}
