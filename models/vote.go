package models

import "time"

// Vote is one ballot cast by one voter for one candidate in one position.
// The unique index is on (voter_id, position_id) only, so a position reused
// across elections is still the same position for uniqueness.
type Vote struct {
	ID          string    `gorm:"primaryKey;type:uuid"                                        json:"id"`
	VoterID     string    `gorm:"type:uuid;not null;uniqueIndex:unique_vote_per_position,priority:1" json:"voter_id"`
	CandidateID string    `gorm:"type:uuid;not null;index"                                    json:"candidate_id"`
	PositionID  string    `gorm:"type:uuid;not null;uniqueIndex:unique_vote_per_position,priority:2" json:"position_id"`
	ElectionID  string    `gorm:"type:uuid;not null;index"                                    json:"election_id"`
	CastAt      time.Time `gorm:"column:timestamp;not null"                                   json:"timestamp"`
}

func (Vote) TableName() string {
	return "votes"
}

// MigrateModels lists the tables the ledger owns.
var MigrateModels = []any{
	&Vote{},
	&Block{},
}
