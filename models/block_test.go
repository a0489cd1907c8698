package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testElection  = "c1d5c1c6-2f6e-4e5e-9a57-5b0d9e6f1a10"
	testPosition  = "886313e1-3b8a-5372-9b90-0c9aee199e5d"
	testVoterA    = "a3bb189e-8bf9-3888-9912-ace4e6543002"
	testVoterB    = "f47ac10b-58cc-4372-a567-0e02b2c3d479"
	testCandidate = "6fa459ea-ee8a-3ca4-894e-db77e160355e"
	testOther     = "9b2e7f4c-1d3a-4c5e-8f6a-7b8c9d0e1f2a"

	voterAHash = "de1f890d75fc0c9ea00daa5f5146fea7bb523a6feaa7d7c6dc1b7553fd6e9782"
	voterBHash = "8f400c257611ed5d30c0e6607ac61074307dfa24cf70a8e92c3e8147d67d2c70"
	block1Hash = "915726875d81dba16b55f391a7e0c8f93cc1458ec35410f23ed8b532f590c462"
	block2Hash = "dd393df65c332fa94224651cbb61399d6585e4f5deb877bd31fec01f09b03cb9"
)

func testChain() []Block {
	return []Block{
		{
			Index:        1,
			VoterHash:    voterAHash,
			CandidateID:  testCandidate,
			PositionID:   testPosition,
			ElectionID:   testElection,
			PreviousHash: GenesisPrevHash,
			Hash:         block1Hash,
			Timestamp:    time.Date(2024, 5, 1, 10, 30, 0, 123e6, time.UTC),
		},
		{
			Index:        2,
			VoterHash:    voterBHash,
			CandidateID:  testOther,
			PositionID:   testPosition,
			ElectionID:   testElection,
			PreviousHash: block1Hash,
			Hash:         block2Hash,
			Timestamp:    time.Date(2024, 5, 1, 10, 31, 5, 0, time.UTC),
		},
	}
}

func TestDigest(t *testing.T) {
	assert.Equal(t, voterAHash, Digest(testVoterA))
	assert.Equal(t, voterBHash, Digest(testVoterB))
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Digest(""),
	)
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 30, 0, 123e6, time.UTC)
	assert.Equal(t,
		"Wed May 01 2024 10:30:00 GMT+0000 (Coordinated Universal Time)",
		FormatTimestamp(ts),
	)

	// the same instant in another zone renders identically
	zone := time.FixedZone("UTC+3", 3*60*60)
	assert.Equal(t, FormatTimestamp(ts), FormatTimestamp(ts.In(zone)))
}

func TestBlockHashReproducible(t *testing.T) {
	chain := testChain()
	for _, b := range chain {
		assert.Equal(t, b.Hash, b.CalculateHash(), "block %d", b.Index)
		assert.True(t, b.Validate())
	}

	b := chain[0]
	assert.Equal(t,
		"1"+voterAHash+testCandidate+testPosition+testElection+"0"+
			"Wed May 01 2024 10:30:00 GMT+0000 (Coordinated Universal Time)",
		b.HashInput(),
	)
}

func TestBlockSeal(t *testing.T) {
	b := testChain()[0]
	b.Hash = ""
	b.Seal()
	assert.Equal(t, block1Hash, b.Hash)
}

func TestValidateChain(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		report := ValidateChain(nil)
		assert.True(t, report.Valid)
		assert.Zero(t, report.IntactThrough)
	})

	t.Run("single block is trivially valid", func(t *testing.T) {
		chain := testChain()[:1]
		chain[0].CandidateID = testOther
		report := ValidateChain(chain)
		assert.True(t, report.Valid)
		assert.Equal(t, int64(1), report.IntactThrough)
	})

	t.Run("valid", func(t *testing.T) {
		report := ValidateChain(testChain())
		assert.True(t, report.Valid)
		assert.Equal(t, int64(2), report.IntactThrough)
		assert.Zero(t, report.BrokenAt)
		assert.Empty(t, report.Reason)
	})

	t.Run("tampered field", func(t *testing.T) {
		chain := testChain()
		chain[1].CandidateID = testCandidate
		report := ValidateChain(chain)
		assert.False(t, report.Valid)
		assert.Equal(t, int64(1), report.IntactThrough)
		assert.Equal(t, int64(2), report.BrokenAt)
		assert.Contains(t, report.Reason, "does not match calculated")
	})

	t.Run("tampered first block breaks link", func(t *testing.T) {
		chain := testChain()
		chain[0].CandidateID = testOther
		chain[0].Seal()
		report := ValidateChain(chain)
		assert.False(t, report.Valid)
		assert.Equal(t, int64(2), report.BrokenAt)
		assert.Contains(t, report.Reason, "previous hash")
	})

	t.Run("stops at first break", func(t *testing.T) {
		chain := testChain()
		third := Block{
			Index:        3,
			VoterHash:    Digest(testOther),
			CandidateID:  testCandidate,
			PositionID:   testPosition,
			ElectionID:   testElection,
			PreviousHash: block2Hash,
			Timestamp:    time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC),
		}
		third.Seal()
		chain = append(chain, third)
		require.True(t, ValidateChain(chain).Valid)

		chain[1].Hash = chain[0].Hash
		chain[2].Hash = "bogus"
		report := ValidateChain(chain)
		assert.False(t, report.Valid)
		assert.Equal(t, int64(2), report.BrokenAt)
	})
}
