package idempotency

import (
	"encoding/binary"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

const (
	transferIDPrefixV1 = "lockup-transfer-v1"
	externalIDPrefixV1 = "lockup-external-v1"
)

// TransferIDV1 computes the id of a transfer record.
//
//	transferId = keccak256("lockup-transfer-v1" || kind || 0x00 || account || 0x00 || nonce)
//
// The nonce is a random 16-byte value chosen when the record is created, so two
// claims by the same account never share an id.
func TransferIDV1(kind string, account string, nonce [16]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(transferIDPrefixV1))
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(account))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(nonce[:])
	return sum32(h.Sum(nil))
}

// ExternalIDV1 computes the idempotency key sent to the external ledger for
// one attempt of a transfer.
//
//	externalId = keccak256("lockup-external-v1" || transferId || attemptBE32)
func ExternalIDV1(transferID [32]byte, attempt uint32) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(externalIDPrefixV1))
	_, _ = h.Write(transferID[:])

	var a [4]byte
	binary.BigEndian.PutUint32(a[:], attempt)
	_, _ = h.Write(a[:])
	return sum32(h.Sum(nil))
}

// NewNonce returns a random nonce for TransferIDV1.
func NewNonce() [16]byte {
	return [16]byte(uuid.New())
}

func sum32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}
