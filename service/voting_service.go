package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"voting-ledger/blockchain"
	"voting-ledger/models"
	"voting-ledger/receipt"
	"voting-ledger/storage"
)

const (
	DefaultOperationTimeout = 5 * time.Second
	DefaultAppendRetries    = 3
)

// errIndexConflict marks a block insert that lost the race for its index to
// another writer. The whole cast is retried.
var errIndexConflict = errors.New("block index already taken")

// VotingService records votes and seals each one into its election's chain.
type VotingService struct {
	store            *storage.Store
	chain            *blockchain.Chain
	verifier         *blockchain.Verifier
	signer           *receipt.Signer
	metrics          ledgerMetrics
	logger           *slog.Logger
	promRegistry     prometheus.Registerer
	operationTimeout time.Duration
	appendRetries    int
	now              func() time.Time
}

type Option func(*VotingService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *VotingService) {
		s.logger = logger
	}
}

func WithPromRegistry(registry prometheus.Registerer) Option {
	return func(s *VotingService) {
		s.promRegistry = registry
	}
}

// WithSigner enables signed receipts for successful casts.
func WithSigner(signer *receipt.Signer) Option {
	return func(s *VotingService) {
		s.signer = signer
	}
}

func WithOperationTimeout(timeout time.Duration) Option {
	return func(s *VotingService) {
		s.operationTimeout = timeout
	}
}

func WithAppendRetries(retries int) Option {
	return func(s *VotingService) {
		s.appendRetries = retries
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *VotingService) {
		s.now = now
	}
}

func NewVotingService(store *storage.Store, opts ...Option) *VotingService {
	s := &VotingService{
		store:            store,
		operationTimeout: DefaultOperationTimeout,
		appendRetries:    DefaultAppendRetries,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s.chain = blockchain.NewChain(store, blockchain.WithLogger(s.logger))
	s.verifier = blockchain.NewVerifier(store, s.logger)
	s.logger = s.logger.With("component", "ledger")
	s.metrics.init(s.promRegistry)
	return s
}

// CastRequest identifies the voter and the choice being recorded. VoterID must
// already be authenticated by the caller.
type CastRequest struct {
	VoterID     string `json:"voter_id"`
	CandidateID string `json:"candidate_id"`
	PositionID  string `json:"position_id"`
	ElectionID  string `json:"election_id"`
}

// CastResult is the persisted vote, its block and, when signing is enabled,
// the receipt.
type CastResult struct {
	Vote    *models.Vote    `json:"vote"`
	Block   *models.Block   `json:"block"`
	Receipt *receipt.Signed `json:"receipt,omitempty"`
}

// Cast records one vote and its block atomically. A voter may vote once per
// position regardless of election.
func (s *VotingService) Cast(ctx context.Context, req CastRequest) (*CastResult, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	vote := &models.Vote{
		ID:          uuid.NewString(),
		VoterID:     req.VoterID,
		CandidateID: req.CandidateID,
		PositionID:  req.PositionID,
		ElectionID:  req.ElectionID,
		CastAt:      s.now().UTC().Truncate(time.Millisecond),
	}

	block, err := s.lockedRecord(ctx, vote)
	if err != nil {
		if errors.Is(err, ErrDuplicateVote) {
			s.metrics.duplicateVotes.Inc()
			s.logger.Info(
				"duplicate vote rejected",
				"position_id", vote.PositionID,
				"election_id", vote.ElectionID,
			)
			return nil, err
		}
		s.metrics.castFailures.Inc()
		s.logger.Error(
			"failed to cast vote",
			"election_id", vote.ElectionID,
			"error", err,
		)
		return nil, err
	}

	s.metrics.votesCast.Inc()
	s.metrics.castLatency.Observe(time.Since(start).Seconds())
	s.logger.Info(
		"vote cast",
		"vote_id", vote.ID,
		"election_id", vote.ElectionID,
		"block_index", block.Index,
		"block_hash", block.Hash,
	)

	result := &CastResult{Vote: vote, Block: block}
	if s.signer != nil {
		signed, err := s.signer.Sign(receipt.Receipt{
			VoteID:     vote.ID,
			ElectionID: vote.ElectionID,
			PositionID: vote.PositionID,
			BlockIndex: block.Index,
			BlockHash:  block.Hash,
			IssuedAt:   s.now().UTC().Truncate(time.Second),
		})
		if err != nil {
			// the vote is committed; a missing receipt does not undo it
			s.logger.Warn("failed to sign receipt", "vote_id", vote.ID, "error", err)
		} else {
			result.Receipt = signed
		}
	}
	return result, nil
}

func (s *VotingService) lockedRecord(ctx context.Context, vote *models.Vote) (*models.Block, error) {
	unlock, err := s.chain.Lock(ctx, vote.ElectionID)
	if err != nil {
		return nil, fmt.Errorf("waiting for election %s: %w", vote.ElectionID, err)
	}
	defer unlock()
	return s.record(ctx, vote)
}

// record runs the insert-then-append transaction, retrying when another
// process took the block index first. The caller holds the election lock.
func (s *VotingService) record(ctx context.Context, vote *models.Vote) (*models.Block, error) {
	var (
		block *models.Block
		err   error
	)
	for attempt := 0; attempt <= s.appendRetries; attempt++ {
		if attempt > 0 {
			s.metrics.appendRetries.Inc()
			s.logger.Warn(
				"retrying cast after block index conflict",
				"election_id", vote.ElectionID,
				"attempt", attempt,
			)
		}
		err = s.store.Transaction(ctx, func(txn *gorm.DB) error {
			var txErr error
			block, txErr = s.recordTx(ctx, vote, txn)
			return txErr
		})
		if !errors.Is(err, errIndexConflict) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, errIndexConflict) {
			return nil, fmt.Errorf("%w: %v", ErrBlockAppend, err)
		}
		return nil, err
	}
	return block, nil
}

func (s *VotingService) recordTx(ctx context.Context, vote *models.Vote, txn *gorm.DB) (*models.Block, error) {
	existing, err := s.store.FindVote(ctx, vote.VoterID, vote.PositionID, txn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if existing != nil {
		return nil, ErrDuplicateVote
	}

	if err := s.store.InsertVote(ctx, vote, txn); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrDuplicateVote
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	block, err := s.chain.Append(ctx, vote, txn)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %v", errIndexConflict, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBlockAppend, err)
	}
	return block, nil
}

// VotesByCandidate lists every vote for a candidate.
func (s *VotingService) VotesByCandidate(ctx context.Context, candidateID string) ([]models.Vote, error) {
	candidateID, err := canonicalID("candidate_id", candidateID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.store.VotesByCandidate(ctx, candidateID)
}

// VotesByElection lists every vote in an election.
func (s *VotingService) VotesByElection(ctx context.Context, electionID string) ([]models.Vote, error) {
	electionID, err := canonicalID("election_id", electionID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.store.VotesByElection(ctx, electionID)
}

// Chain returns an election's blocks with the verification report.
func (s *VotingService) Chain(ctx context.Context, electionID string) (*blockchain.Verification, error) {
	electionID, err := canonicalID("election_id", electionID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.verifier.Verify(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if result.Valid {
		s.metrics.chainVerifications.WithLabelValues("valid").Inc()
	} else {
		s.metrics.chainVerifications.WithLabelValues("invalid").Inc()
	}
	return result, nil
}

// Verifier exposes the chain verifier for offline checks.
func (s *VotingService) Verifier() *blockchain.Verifier {
	return s.verifier
}

// VerifyReceipt checks a receipt against the ledger's signing key.
func (s *VotingService) VerifyReceipt(r receipt.Receipt, signature string) (string, bool, error) {
	if s.signer == nil {
		return "", false, ErrReceiptsDisabled
	}
	return s.signer.Verify(r, signature)
}

func (s *VotingService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.operationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.operationTimeout)
}
