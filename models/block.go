package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GenesisPrevHash is the previous_hash of the first block of every election chain.
const GenesisPrevHash = "0"

// timestampLayout renders an instant the way a JavaScript Date stringifies
// under UTC, which is what existing chains were hashed with.
const timestampLayout = "Mon Jan 02 2006 15:04:05 GMT-0700"

const timestampZoneName = " (Coordinated Universal Time)"

// Block commits to exactly one vote inside an election's chain.
type Block struct {
	ID           string    `gorm:"primaryKey;type:uuid"                                       json:"id"`
	Index        int64     `gorm:"column:index;not null;uniqueIndex:unique_block_per_election_index,priority:2" json:"index"`
	VoterHash    string    `gorm:"size:255;not null"                                          json:"voter_hash"`
	CandidateID  string    `gorm:"type:uuid;not null"                                         json:"candidate_id"`
	PositionID   string    `gorm:"type:uuid;not null"                                         json:"position_id"`
	ElectionID   string    `gorm:"type:uuid;not null;uniqueIndex:unique_block_per_election_index,priority:1" json:"election_id"`
	PreviousHash string    `gorm:"size:255;not null"                                          json:"previous_hash"`
	Hash         string    `gorm:"size:255;not null"                                          json:"hash"`
	Timestamp    time.Time `gorm:"column:timestamp;not null"                                  json:"timestamp"`
}

// TableName keeps the table name used by chains written before this service.
func (Block) TableName() string {
	return "blockchain"
}

// Digest returns the lowercase hex SHA-256 of s.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// FormatTimestamp returns the canonical string form of t used in block hashes.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout) + timestampZoneName
}

// HashInput is the exact byte sequence a block hash commits to. Fields are
// concatenated without separators.
func (b *Block) HashInput() string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(b.Index, 10))
	sb.WriteString(b.VoterHash)
	sb.WriteString(b.CandidateID)
	sb.WriteString(b.PositionID)
	sb.WriteString(b.ElectionID)
	sb.WriteString(b.PreviousHash)
	sb.WriteString(FormatTimestamp(b.Timestamp))
	return sb.String()
}

// CalculateHash recomputes the block hash from its fields.
func (b *Block) CalculateHash() string {
	return Digest(b.HashInput())
}

// Seal sets Hash from the current field values.
func (b *Block) Seal() {
	b.Hash = b.CalculateHash()
}

// Validate reports whether the stored hash matches the block contents.
func (b *Block) Validate() bool {
	return b.CalculateHash() == b.Hash
}

// ChainReport is the outcome of walking a chain.
type ChainReport struct {
	Valid bool `json:"chain_valid"`
	// IntactThrough is the index of the last block in the verified prefix.
	IntactThrough int64 `json:"intact_through"`
	// BrokenAt is the index of the first block that failed, 0 when valid.
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ValidateChain checks linkage and hashes of blocks ordered by ascending
// index. It stops at the first mismatch. The first block is only checked by
// linkage of its successor, so a chain of zero or one block is valid.
func ValidateChain(blocks []Block) ChainReport {
	if len(blocks) == 0 {
		return ChainReport{Valid: true}
	}
	report := ChainReport{Valid: true, IntactThrough: blocks[0].Index}

	for i := 1; i < len(blocks); i++ {
		previous := &blocks[i-1]
		current := &blocks[i]

		if current.PreviousHash != previous.Hash {
			return broken(report, current, fmt.Sprintf(
				"block %d previous hash %s does not match block %d hash %s",
				current.Index, current.PreviousHash, previous.Index, previous.Hash,
			))
		}

		if expected := current.CalculateHash(); expected != current.Hash {
			return broken(report, current, fmt.Sprintf(
				"block %d hash %s does not match calculated %s",
				current.Index, current.Hash, expected,
			))
		}

		report.IntactThrough = current.Index
	}

	return report
}

func broken(report ChainReport, b *Block, reason string) ChainReport {
	report.Valid = false
	report.BrokenAt = b.Index
	report.Reason = reason
	return report
}
