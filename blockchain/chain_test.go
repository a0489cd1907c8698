package blockchain

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"voting-ledger/anonymizer"
	"voting-ledger/models"
	"voting-ledger/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(storage.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testVote(election string) *models.Vote {
	return &models.Vote{
		ID:          uuid.NewString(),
		VoterID:     uuid.NewString(),
		CandidateID: uuid.NewString(),
		PositionID:  uuid.NewString(),
		ElectionID:  election,
		CastAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
}

func appendVote(t *testing.T, chain *Chain, store *storage.Store, vote *models.Vote) *models.Block {
	t.Helper()
	ctx := context.Background()
	unlock, err := chain.Lock(ctx, vote.ElectionID)
	require.NoError(t, err)
	defer unlock()

	var block *models.Block
	err = store.Transaction(ctx, func(txn *gorm.DB) error {
		var err error
		block, err = chain.Append(ctx, vote, txn)
		return err
	})
	require.NoError(t, err)
	return block
}

func TestAppendGenesisAndLink(t *testing.T) {
	store := newTestStore(t)
	chain := NewChain(store)
	election := uuid.NewString()

	last, err := chain.LastBlock(context.Background(), election, nil)
	require.NoError(t, err)
	assert.Nil(t, last)

	v1 := testVote(election)
	b1 := appendVote(t, chain, store, v1)
	assert.Equal(t, int64(1), b1.Index)
	assert.Equal(t, models.GenesisPrevHash, b1.PreviousHash)
	assert.Equal(t, anonymizer.VoterHash(v1.VoterID), b1.VoterHash)
	assert.NotEqual(t, v1.VoterID, b1.VoterHash)
	assert.True(t, b1.Timestamp.Equal(v1.CastAt))
	assert.True(t, b1.Validate())

	b2 := appendVote(t, chain, store, testVote(election))
	assert.Equal(t, int64(2), b2.Index)
	assert.Equal(t, b1.Hash, b2.PreviousHash)

	last, err = chain.LastBlock(context.Background(), election, nil)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, b2.Hash, last.Hash)
}

func TestAppendElectionsIndependent(t *testing.T) {
	store := newTestStore(t)
	chain := NewChain(store)
	e1, e2 := uuid.NewString(), uuid.NewString()

	appendVote(t, chain, store, testVote(e1))
	appendVote(t, chain, store, testVote(e1))
	first := appendVote(t, chain, store, testVote(e2))

	assert.Equal(t, int64(1), first.Index)
	assert.Equal(t, models.GenesisPrevHash, first.PreviousHash)
}

func TestAppendConcurrentGapless(t *testing.T) {
	store := newTestStore(t)
	chain := NewChain(store)
	elections := []string{uuid.NewString(), uuid.NewString()}

	const perElection = 25
	var wg sync.WaitGroup
	errs := make(chan error, perElection*len(elections))
	for _, election := range elections {
		for range perElection {
			wg.Add(1)
			go func(election string) {
				defer wg.Done()
				ctx := context.Background()
				unlock, err := chain.Lock(ctx, election)
				if err != nil {
					errs <- err
					return
				}
				defer unlock()
				errs <- store.Transaction(ctx, func(txn *gorm.DB) error {
					_, err := chain.Append(ctx, testVote(election), txn)
					return err
				})
			}(election)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, election := range elections {
		blocks, err := store.Blocks(context.Background(), election, nil)
		require.NoError(t, err)
		require.Len(t, blocks, perElection)
		indexes := make([]int, 0, len(blocks))
		for _, b := range blocks {
			indexes = append(indexes, int(b.Index))
		}
		sort.Ints(indexes)
		for i, idx := range indexes {
			assert.Equal(t, i+1, idx)
		}
		assert.True(t, models.ValidateChain(blocks).Valid)
	}
	assert.Zero(t, chain.locks.size(), "locks are released after use")
}

func TestAppendRolledBackLeavesNoBlock(t *testing.T) {
	store := newTestStore(t)
	chain := NewChain(store)
	election := uuid.NewString()
	ctx := context.Background()

	err := store.Transaction(ctx, func(txn *gorm.DB) error {
		if _, err := chain.Append(ctx, testVote(election), txn); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	last, err := chain.LastBlock(ctx, election, nil)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestElectionLocksSerialize(t *testing.T) {
	ctx := context.Background()
	locks := newElectionLocks()
	unlock, err := locks.lock(ctx, "a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		release, err := locks.lock(ctx, "a")
		if err != nil {
			return
		}
		close(acquired)
		release()
	}()

	// a different election is not blocked
	other, err := locks.lock(ctx, "b")
	require.NoError(t, err)
	other()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held election lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return locks.size() == 0 }, time.Second, 10*time.Millisecond)
}

func TestElectionLockWaitHonorsContext(t *testing.T) {
	locks := newElectionLocks()
	unlock, err := locks.lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	release, err := locks.lock(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, release)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, locks.size(), "abandoned wait drops its reference")

	unlock()
	unlock()
	assert.Zero(t, locks.size())

	again, err := locks.lock(context.Background(), "a")
	require.NoError(t, err)
	again()
}
