package idempotency

import (
	"golang.org/x/crypto/sha3"
)

const (
	depositIDPrefixV1     = "lockup-deposit-v1"
	depositDigestPrefixV1 = "lockup-deposit-digest-v1"
)

// DepositIDV1 computes the id of a funding transfer.
//
//	depositId = keccak256("lockup-deposit-v1" || tokenId || 0x00 || sender || 0x00 || receiptId)
//
// receiptId is the ledger's own id for the transfer, so every redelivery of
// the same notification maps to the same deposit.
func DepositIDV1(tokenID, sender, receiptID string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(depositIDPrefixV1))
	_, _ = h.Write([]byte(tokenID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(sender))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(receiptID))
	return sum32(h.Sum(nil))
}

// DepositDigestV1 commits to the content of a funding transfer.
//
//	digest = keccak256("lockup-deposit-digest-v1" || amountBE256 || msg)
func DepositDigestV1(amount [32]byte, msg string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(depositDigestPrefixV1))
	_, _ = h.Write(amount[:])
	_, _ = h.Write([]byte(msg))
	return sum32(h.Sum(nil))
}
