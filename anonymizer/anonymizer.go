// Package anonymizer derives the pseudonyms stored in chain blocks.
package anonymizer

import "voting-ledger/models"

// VoterHash returns the deterministic pseudonym of a voter. It is an unsalted
// SHA-256 so the same voter maps to the same hash in every election.
func VoterHash(voterID string) string {
	return models.Digest(voterID)
}
