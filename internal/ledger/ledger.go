package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

const (
	IntentVersionV1  = "lockup.transfer_intent.v1"
	OutcomeVersionV1 = "lockup.transfer_outcome.v1"
)

var (
	// ErrRejected reports that the ledger definitely did not move the funds.
	// Any other error from Transfer leaves the outcome unknown.
	ErrRejected = errors.New("ledger: transfer rejected")

	ErrInvalidMessage = errors.New("ledger: invalid message")
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func ParseStatus(v string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "pending":
		return StatusPending, nil
	case "succeeded", "success", "ok":
		return StatusSucceeded, nil
	case "failed", "failure", "rejected":
		return StatusFailed, nil
	default:
		return StatusUnknown, fmt.Errorf("%w: unknown status %q", ErrInvalidMessage, v)
	}
}

// Request asks the ledger to pay Amount to Recipient. ExternalID is the
// idempotency key: the ledger pays at most once per ExternalID.
type Request struct {
	ExternalID [32]byte
	Kind       string
	Recipient  string
	Amount     uint256.Int
	Memo       string
}

// Result is the synchronous answer to a transfer request. StatusPending means
// the outcome is reported later as an Outcome.
type Result struct {
	Status Status
	Reason string
}

// Outcome is an asynchronous settlement report for one ExternalID.
type Outcome struct {
	ExternalID [32]byte
	Status     Status
	Reason     string
}

type Ledger interface {
	Transfer(ctx context.Context, req Request) (Result, error)
}

// TransferIntent is the wire form of a Request.
type TransferIntent struct {
	Version    string `json:"version"`
	ExternalID string `json:"externalId"`
	Kind       string `json:"kind"`
	Recipient  string `json:"receiverId"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo,omitempty"`
}

// OutcomeMessage is the wire form of an Outcome.
type OutcomeMessage struct {
	Version    string `json:"version,omitempty"`
	ExternalID string `json:"transferId"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

func (r Request) Validate() error {
	if r.ExternalID == ([32]byte{}) {
		return fmt.Errorf("%w: missing external id", ErrInvalidMessage)
	}
	if strings.TrimSpace(r.Recipient) == "" {
		return fmt.Errorf("%w: missing recipient", ErrInvalidMessage)
	}
	if r.Amount.IsZero() {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidMessage)
	}
	return nil
}

func (r Request) Intent() TransferIntent {
	return TransferIntent{
		Version:    IntentVersionV1,
		ExternalID: hexutil.Encode(r.ExternalID[:]),
		Kind:       r.Kind,
		Recipient:  r.Recipient,
		Amount:     r.Amount.Dec(),
		Memo:       r.Memo,
	}
}

func EncodeIntent(r Request) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r.Intent())
}

func DecodeIntent(b []byte) (Request, error) {
	var in TransferIntent
	if err := json.Unmarshal(b, &in); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if in.Version != IntentVersionV1 {
		return Request{}, fmt.Errorf("%w: unexpected version %q", ErrInvalidMessage, in.Version)
	}
	id, err := ParseExternalID(in.ExternalID)
	if err != nil {
		return Request{}, err
	}
	amt, err := uint256.FromDecimal(in.Amount)
	if err != nil {
		return Request{}, fmt.Errorf("%w: amount: %v", ErrInvalidMessage, err)
	}
	r := Request{ExternalID: id, Kind: in.Kind, Recipient: in.Recipient, Amount: *amt, Memo: in.Memo}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

func (o Outcome) Message() OutcomeMessage {
	return OutcomeMessage{
		Version:    OutcomeVersionV1,
		ExternalID: hexutil.Encode(o.ExternalID[:]),
		Status:     o.Status.String(),
		Reason:     o.Reason,
	}
}

// ParseOutcome converts a wire outcome. Only final statuses are accepted.
func ParseOutcome(m OutcomeMessage) (Outcome, error) {
	if m.Version != "" && m.Version != OutcomeVersionV1 {
		return Outcome{}, fmt.Errorf("%w: unexpected version %q", ErrInvalidMessage, m.Version)
	}
	id, err := ParseExternalID(m.ExternalID)
	if err != nil {
		return Outcome{}, err
	}
	st, err := ParseStatus(m.Status)
	if err != nil {
		return Outcome{}, err
	}
	if st != StatusSucceeded && st != StatusFailed {
		return Outcome{}, fmt.Errorf("%w: outcome must be final, got %s", ErrInvalidMessage, st)
	}
	return Outcome{ExternalID: id, Status: st, Reason: m.Reason}, nil
}

func DecodeOutcome(b []byte) (Outcome, error) {
	var m OutcomeMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return ParseOutcome(m)
}

func ParseExternalID(s string) ([32]byte, error) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: external id: %v", ErrInvalidMessage, err)
	}
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("%w: external id must be 32 bytes", ErrInvalidMessage)
	}
	var out [32]byte
	copy(out[:], b)
	if out == ([32]byte{}) {
		return [32]byte{}, fmt.Errorf("%w: zero external id", ErrInvalidMessage)
	}
	return out, nil
}
