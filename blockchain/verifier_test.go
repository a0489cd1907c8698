package blockchain

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voting-ledger/models"
)

func TestVerifyEmptyElection(t *testing.T) {
	store := newTestStore(t)
	verifier := NewVerifier(store, nil)

	result, err := verifier.Verify(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Blocks)
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	chain := NewChain(store)
	verifier := NewVerifier(store, nil)
	election := uuid.NewString()

	for range 3 {
		appendVote(t, chain, store, testVote(election))
	}

	result, err := verifier.Verify(ctx, election)
	require.NoError(t, err)
	require.Len(t, result.Blocks, 3)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(3), result.IntactThrough)
	for i, b := range result.Blocks {
		assert.Equal(t, int64(i+1), b.Index)
	}

	// rewriting a stored candidate breaks the block's own hash
	err = store.DB().
		Model(&models.Block{}).
		Where(&models.Block{ElectionID: election, Index: 2}).
		Update("candidate_id", uuid.NewString()).Error
	require.NoError(t, err)

	result, err = verifier.Verify(ctx, election)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(2), result.BrokenAt)
	assert.Equal(t, int64(1), result.IntactThrough)
	assert.Len(t, result.Blocks, 3)

	// verification has no side effects
	again, err := verifier.Verify(ctx, election)
	require.NoError(t, err)
	assert.Equal(t, result.ChainReport, again.ChainReport)
}

func TestVerifyFirstBlockTamperDetectedByLink(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	chain := NewChain(store)
	verifier := NewVerifier(store, nil)
	election := uuid.NewString()

	appendVote(t, chain, store, testVote(election))
	appendVote(t, chain, store, testVote(election))

	err := store.DB().
		Model(&models.Block{}).
		Where(&models.Block{ElectionID: election, Index: 1}).
		Update("hash", models.Digest("forged")).Error
	require.NoError(t, err)

	result, err := verifier.Verify(ctx, election)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(2), result.BrokenAt)
	assert.Contains(t, result.Reason, "previous hash")
}

func TestVerifyBlocks(t *testing.T) {
	verifier := NewVerifier(nil, nil)
	result := verifier.VerifyBlocks("e", nil)
	assert.True(t, result.Valid)
	assert.NotNil(t, result.Blocks)
}
