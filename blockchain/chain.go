package blockchain

import (
	"context"
	"io"
	"log/slog"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"voting-ledger/anonymizer"
	"voting-ledger/models"
	"voting-ledger/storage"
)

const initialBlockIndex int64 = 1

// Chain appends blocks to per-election hash chains. Each election's chain is
// independent; appends for one election must be serialized with Lock.
type Chain struct {
	store  *storage.Store
	locks  *electionLocks
	logger *slog.Logger
}

type ChainOption func(*Chain)

func WithLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) {
		c.logger = logger
	}
}

func NewChain(store *storage.Store, opts ...ChainOption) *Chain {
	c := &Chain{
		store: store,
		locks: newElectionLocks(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	c.logger = c.logger.With("component", "blockchain")
	return c
}

// Lock takes the append lock of an election and returns its release func.
// The lock must be held from LastBlock through the commit of the appended
// block. It gives up with ctx's error when ctx is done first.
func (c *Chain) Lock(ctx context.Context, electionID string) (func(), error) {
	return c.locks.lock(ctx, electionID)
}

// LastBlock returns the highest indexed block of an election, or nil for an
// empty chain.
func (c *Chain) LastBlock(ctx context.Context, electionID string, txn *gorm.DB) (*models.Block, error) {
	return c.store.LastBlock(ctx, electionID, txn)
}

// Append builds and persists the block committing to vote. The block copies
// the vote's cast time so the hash is reproducible from the vote row.
func (c *Chain) Append(ctx context.Context, vote *models.Vote, txn *gorm.DB) (*models.Block, error) {
	last, err := c.LastBlock(ctx, vote.ElectionID, txn)
	if err != nil {
		return nil, err
	}

	block := &models.Block{
		Index:        initialBlockIndex,
		VoterHash:    anonymizer.VoterHash(vote.VoterID),
		CandidateID:  vote.CandidateID,
		PositionID:   vote.PositionID,
		ElectionID:   vote.ElectionID,
		PreviousHash: models.GenesisPrevHash,
		Timestamp:    vote.CastAt,
	}
	if last != nil {
		block.Index = last.Index + 1
		block.PreviousHash = last.Hash
	}
	block.Seal()

	if err := c.store.InsertBlock(ctx, block, txn); err != nil {
		return nil, errors.Wrapf(err, "append block %d to election %s", block.Index, block.ElectionID)
	}

	c.logger.Debug(
		"appended block",
		"election_id", block.ElectionID,
		"index", block.Index,
		"hash", block.Hash,
	)
	return block, nil
}
