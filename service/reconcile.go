package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"voting-ledger/anonymizer"
	"voting-ledger/models"
)

// SweepResult summarizes one reconciliation pass.
type SweepResult struct {
	Orphans  int `json:"orphans"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

// Reconciler finds votes that were stored without a block, such as rows
// written before casts were transactional, and appends the missing blocks.
type Reconciler struct {
	svc        *VotingService
	interval   time.Duration
	timer      *time.Timer
	timerMutex sync.Mutex
	closed     bool
	sweepWG    sync.WaitGroup
}

func NewReconciler(svc *VotingService, interval time.Duration) *Reconciler {
	return &Reconciler{
		svc:      svc,
		interval: interval,
	}
}

// Sweep repairs every orphan vote it finds. Votes are repaired in cast order
// through the same locked append used by Cast.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	orphans, err := r.svc.store.OrphanVotes(ctx, anonymizer.VoterHash)
	if err != nil {
		return result, fmt.Errorf("failed to list orphan votes: %w", err)
	}
	result.Orphans = len(orphans)
	if len(orphans) == 0 {
		return result, nil
	}
	r.svc.metrics.orphansFound.Add(float64(len(orphans)))
	r.svc.logger.Warn("found votes without blocks", "count", len(orphans))

	for i := range orphans {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		block, err := r.repair(ctx, &orphans[i])
		if err != nil {
			result.Failed++
			r.svc.logger.Error(
				"failed to repair orphan vote",
				"vote_id", orphans[i].ID,
				"election_id", orphans[i].ElectionID,
				"error", err,
			)
			continue
		}
		if block == nil {
			continue
		}
		result.Repaired++
		r.svc.metrics.orphansRepaired.Inc()
		r.svc.logger.Info(
			"repaired orphan vote",
			"vote_id", orphans[i].ID,
			"election_id", block.ElectionID,
			"block_index", block.Index,
		)
	}
	return result, nil
}

func (r *Reconciler) repair(ctx context.Context, vote *models.Vote) (*models.Block, error) {
	ctx, cancel := r.svc.withTimeout(ctx)
	defer cancel()

	unlock, err := r.svc.chain.Lock(ctx, vote.ElectionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var block *models.Block
	err = r.svc.store.Transaction(ctx, func(txn *gorm.DB) error {
		// a concurrent sweep may have committed it since the scan
		found, err := r.svc.store.HasBlockFor(ctx, anonymizer.VoterHash(vote.VoterID), vote.PositionID, vote.ElectionID, txn)
		if err != nil || found {
			return err
		}
		block, err = r.svc.chain.Append(ctx, vote, txn)
		return err
	})
	if err != nil {
		return nil, errors.Join(ErrBlockAppend, err)
	}
	return block, nil
}

// Start schedules periodic sweeps. A non-positive interval disables them.
func (r *Reconciler) Start() {
	if r.interval <= 0 {
		return
	}
	r.schedule()
}

func (r *Reconciler) schedule() {
	r.timerMutex.Lock()
	defer r.timerMutex.Unlock()
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	f := func() {
		// schedule next run
		defer r.schedule()
		r.timerMutex.Lock()
		if r.closed {
			r.timerMutex.Unlock()
			return
		}
		r.sweepWG.Add(1)
		r.timerMutex.Unlock()
		defer r.sweepWG.Done()

		if _, err := r.Sweep(context.Background()); err != nil {
			r.svc.logger.Error("reconciliation sweep failed", "error", err)
		}
	}
	r.timer = time.AfterFunc(r.interval, f)
}

// Stop cancels future sweeps and waits for a running one to finish.
func (r *Reconciler) Stop() {
	r.timerMutex.Lock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerMutex.Unlock()
	r.sweepWG.Wait()
}
