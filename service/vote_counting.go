package service

import (
	"context"
	"time"

	"voting-ledger/storage"
)

// CandidateCount is the tally of one candidate.
type CandidateCount = storage.CandidateCount

// VotingResults is the tally of an election.
type VotingResults struct {
	ElectionID string           `json:"election_id"`
	TotalVotes int64            `json:"total_votes"`
	Counts     []CandidateCount `json:"counts"`
	CountedAt  time.Time        `json:"counted_at"`
}

// VoteCounts tallies votes per candidate, highest first and ties broken by
// candidate id.
func (s *VotingService) VoteCounts(ctx context.Context, electionID string) ([]CandidateCount, error) {
	electionID, err := canonicalID("election_id", electionID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.store.VoteCounts(ctx, electionID)
}

// Results wraps VoteCounts with the election total.
func (s *VotingService) Results(ctx context.Context, electionID string) (*VotingResults, error) {
	electionID, err := canonicalID("election_id", electionID)
	if err != nil {
		return nil, err
	}
	counts, err := s.VoteCounts(ctx, electionID)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, c := range counts {
		total += c.Votes
	}
	return &VotingResults{
		ElectionID: electionID,
		TotalVotes: total,
		Counts:     counts,
		CountedAt:  s.now().UTC(),
	}, nil
}
