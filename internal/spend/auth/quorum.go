// Package auth provides owner quorum verification and role capability checks
package auth

import (
	"context"
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// Action names the operation a quorum signs.
type Action string

const (
	ActionSetMode             Action = "SET_MODE"
	ActionUpdateSpendingLimit Action = "UPDATE_SPENDING_LIMIT"
	ActionRequestWithdrawal   Action = "REQUEST_WITHDRAWAL"
	ActionCancelWithdrawal    Action = "CANCEL_WITHDRAWAL"
	ActionSetCashbackSplit    Action = "SET_CASHBACK_SPLIT"
)

// Digest binds (action, chainId, account, nonce, payload) into the hash owners sign.
func Digest(action Action, chainID int64, account common.Address, nonce uint64, payload []byte) common.Hash {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	return crypto.Keccak256Hash(
		crypto.Keccak256([]byte(action)),
		common.LeftPadBytes(big.NewInt(chainID).Bytes(), 32),
		account.Bytes(),
		nonceBytes[:],
		crypto.Keccak256(payload),
	)
}

// Recover returns the signer of a 65-byte [R || S || V] signature. V may be 0/1 or 27/28.
// Only the low-s form of a signature is accepted, so each signer has exactly
// one valid encoding per digest.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, interfaces.ErrInvalidSignatureEncoding.Explain("signature length %d", len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	r := new(big.Int).SetBytes(normalized[:32])
	sVal := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[crypto.RecoveryIDOffset], r, sVal, true) {
		return common.Address{}, interfaces.ErrInvalidSignatureEncoding.Explain("signature values out of range or high s")
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, interfaces.ErrInvalidSignatureEncoding.Wrap(err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyQuorum reports whether at least threshold distinct members of
// signerSet produced a signature over digest. Unrecoverable signatures and
// non-members are ignored; they never count twice.
func VerifyQuorum(digest common.Hash, signerSet []common.Address, signatures [][]byte, threshold int) bool {
	if threshold <= 0 || len(signatures) < threshold {
		return false
	}
	members := make(map[common.Address]bool, len(signerSet))
	for _, s := range signerSet {
		members[s] = true
	}
	counted := make(map[common.Address]bool, len(signatures))
	for _, sig := range signatures {
		signer, err := Recover(digest, sig)
		if err != nil || !members[signer] || counted[signer] {
			continue
		}
		counted[signer] = true
	}
	return len(counted) >= threshold
}

// OwnerRegistry returns the owners and signature threshold of an account.
type OwnerRegistry interface {
	Owners(ctx context.Context, account common.Address) (owners []common.Address, threshold int, err error)
}

// OwnerVerifier implements interfaces.AccountVerifier over an OwnerRegistry.
type OwnerVerifier struct {
	registry OwnerRegistry
}

func NewOwnerVerifier(registry OwnerRegistry) *OwnerVerifier {
	return &OwnerVerifier{registry: registry}
}

// VerifyQuorum checks auth against the account owners.
func (v *OwnerVerifier) VerifyQuorum(ctx context.Context, account common.Address, digest common.Hash, auth interfaces.Authorization) error {
	owners, threshold, err := v.registry.Owners(ctx, account)
	if err != nil {
		return err
	}
	if !VerifyQuorum(digest, owners, auth.Signatures, threshold) {
		return interfaces.ErrInvalidSignatures.Explain("quorum of %d not reached", threshold)
	}
	return nil
}
