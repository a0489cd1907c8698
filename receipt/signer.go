// Package receipt issues signed confirmations for cast votes.
package receipt

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// Receipt commits to the block a vote was sealed into.
type Receipt struct {
	VoteID     string    `json:"vote_id"`
	ElectionID string    `json:"election_id"`
	PositionID string    `json:"position_id"`
	BlockIndex int64     `json:"block_index"`
	BlockHash  string    `json:"block_hash"`
	IssuedAt   time.Time `json:"issued_at"`
}

// Signed is a receipt with its signature and the signer's address.
type Signed struct {
	Receipt   Receipt `json:"receipt"`
	Signature string  `json:"signature"`
	Signer    string  `json:"signer"`
}

type keyFile struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
	Address    string `json:"address"`
}

// Signer signs receipts with a secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// LoadOrGenerate reads the signing key at path, creating and persisting a new
// one when the file does not exist.
func LoadOrGenerate(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var kf keyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return nil, fmt.Errorf("failed to parse receipt key: %w", err)
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(kf.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to restore receipt key: %w", err)
		}
		return NewSigner(key), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read receipt key: %w", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate receipt key: %w", err)
	}
	signer := NewSigner(key)

	kf := keyFile{
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(&key.PublicKey)),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(key)),
		Address:    signer.Address(),
	}
	data, err = json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal receipt key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save receipt key: %w", err)
	}
	return signer, nil
}

// Address returns the hex address receipts are attributed to.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Sign signs the Keccak-256 digest of the receipt's JSON encoding.
func (s *Signer) Sign(r Receipt) (*Signed, error) {
	digest, err := Digest(r)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign receipt: %w", err)
	}
	return &Signed{
		Receipt:   r,
		Signature: hexutil.Encode(sig),
		Signer:    s.Address(),
	}, nil
}

// Verify recovers the address that signed r. valid is true only when that
// address is this signer's. A malformed signature is an error.
func (s *Signer) Verify(r Receipt, signature string) (string, bool, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", false, fmt.Errorf("invalid signature length %d", len(sig))
	}
	digest, err := Digest(r)
	if err != nil {
		return "", false, err
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", false, nil
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return recovered.Hex(), recovered == s.address, nil
}

// Digest is the Keccak-256 hash of the receipt's JSON encoding.
func Digest(r Receipt) ([]byte, error) {
	r.IssuedAt = r.IssuedAt.UTC()
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode receipt: %w", err)
	}
	d := sha3.NewLegacyKeccak256()
	d.Write(data)
	return d.Sum(nil), nil
}
