package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"voting-ledger/receipt"
	"voting-ledger/service"
)

func (s *Server) registerRoutes(r gin.IRouter) {
	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	api.POST("/votes", s.handleCastVote)
	api.GET("/votes/candidate/:candidate_id", s.handleVotesByCandidate)
	api.GET("/votes/election/:election_id", s.handleVotesByElection)
	api.GET("/votes/counts/:election_id", s.handleVoteCounts)
	api.GET("/blockchain/elections/:election_id", s.handleGetChain)
	api.POST("/receipts/verify", s.handleVerifyReceipt)
}

type castVoteRequest struct {
	CandidateID string `json:"candidate_id"`
	PositionID  string `json:"position_id"`
	ElectionID  string `json:"election_id"`
}

type verifyReceiptRequest struct {
	Receipt   receipt.Receipt `json:"receipt"`
	Signature string          `json:"signature"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCastVote(c *gin.Context) {
	voterID := c.GetHeader(s.cfg.VoterHeader)
	if voterID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing voter identity"})
		return
	}

	var req castVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := s.svc.Cast(c.Request.Context(), service.CastRequest{
		VoterID:     voterID,
		CandidateID: req.CandidateID,
		PositionID:  req.PositionID,
		ElectionID:  req.ElectionID,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	body := gin.H{
		"message": "Vote cast successfully",
		"vote":    result.Vote,
		"block":   result.Block,
	}
	if result.Receipt != nil {
		body["receipt"] = result.Receipt
	}
	c.JSON(http.StatusCreated, body)
}

func (s *Server) handleVotesByCandidate(c *gin.Context) {
	votes, err := s.svc.VotesByCandidate(c.Request.Context(), c.Param("candidate_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"votes": votes})
}

func (s *Server) handleVotesByElection(c *gin.Context) {
	votes, err := s.svc.VotesByElection(c.Request.Context(), c.Param("election_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"votes": votes})
}

// handleVoteCounts answers with the tally under "counts" alongside the
// election total.
func (s *Server) handleVoteCounts(c *gin.Context) {
	results, err := s.svc.Results(c.Request.Context(), c.Param("election_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleGetChain(c *gin.Context) {
	chain, err := s.svc.Chain(c.Request.Context(), c.Param("election_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chain)
}

func (s *Server) handleVerifyReceipt(c *gin.Context) {
	var req verifyReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	signer, valid, err := s.svc.VerifyReceipt(req.Receipt, req.Signature)
	if err != nil {
		if errors.Is(err, service.ErrReceiptsDisabled) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid, "signer": signer})
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrDuplicateVote):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
