package ledger

import (
	"errors"
	"strings"
	"testing"

	"github.com/holiman/uint256"
)

func seq32(start byte) [32]byte {
	var out [32]byte
	for i := 0; i < 32; i++ {
		out[i] = start + byte(i)
	}
	return out
}

func testRequest() Request {
	return Request{
		ExternalID: seq32(0x01),
		Kind:       "claim",
		Recipient:  "alice",
		Amount:     *uint256.MustFromDecimal("25000000000000000000000"),
		Memo:       "Terminated lockup #7",
	}
}

func TestEncodeDecodeIntent(t *testing.T) {
	t.Parallel()

	b, err := EncodeIntent(testRequest())
	if err != nil {
		t.Fatalf("EncodeIntent: %v", err)
	}
	for _, want := range []string{
		`"version":"lockup.transfer_intent.v1"`,
		`"externalId":"0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"`,
		`"receiverId":"alice"`,
		`"amount":"25000000000000000000000"`,
	} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("intent %s missing %s", b, want)
		}
	}

	got, err := DecodeIntent(b)
	if err != nil {
		t.Fatalf("DecodeIntent: %v", err)
	}
	want := testRequest()
	if got.ExternalID != want.ExternalID || got.Recipient != want.Recipient || !got.Amount.Eq(&want.Amount) || got.Memo != want.Memo {
		t.Fatalf("decoded mismatch: %+v", got)
	}
}

func TestEncodeIntent_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mut  func(*Request)
	}{
		{name: "zero id", mut: func(r *Request) { r.ExternalID = [32]byte{} }},
		{name: "no recipient", mut: func(r *Request) { r.Recipient = " " }},
		{name: "zero amount", mut: func(r *Request) { r.Amount = uint256.Int{} }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := testRequest()
			tc.mut(&r)
			if _, err := EncodeIntent(r); !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}

func TestDecodeIntent_RejectsVersion(t *testing.T) {
	t.Parallel()

	b := []byte(`{"version":"lockup.transfer_intent.v0","externalId":"0x01","kind":"claim","receiverId":"a","amount":"1"}`)
	if _, err := DecodeIntent(b); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestDecodeOutcome(t *testing.T) {
	t.Parallel()

	id := "0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"
	tests := []struct {
		name       string
		in         string
		wantStatus Status
		wantErr    bool
	}{
		{name: "succeeded", in: `{"version":"lockup.transfer_outcome.v1","transferId":"` + id + `","status":"succeeded"}`, wantStatus: StatusSucceeded},
		{name: "no version alias", in: `{"transferId":"` + id + `","status":"success"}`, wantStatus: StatusSucceeded},
		{name: "failed", in: `{"transferId":"` + id + `","status":"failed","reason":"frozen"}`, wantStatus: StatusFailed},
		{name: "pending is not final", in: `{"transferId":"` + id + `","status":"pending"}`, wantErr: true},
		{name: "bad status", in: `{"transferId":"` + id + `","status":"maybe"}`, wantErr: true},
		{name: "short id", in: `{"transferId":"0x01","status":"failed"}`, wantErr: true},
		{name: "zero id", in: `{"transferId":"0x` + strings.Repeat("00", 32) + `","status":"failed"}`, wantErr: true},
		{name: "wrong version", in: `{"version":"x","transferId":"` + id + `","status":"failed"}`, wantErr: true},
		{name: "not json", in: `nope`, wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			o, err := DecodeOutcome([]byte(tc.in))
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidMessage) {
					t.Fatalf("expected ErrInvalidMessage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeOutcome: %v", err)
			}
			if o.Status != tc.wantStatus || o.ExternalID != seq32(0x01) {
				t.Fatalf("unexpected outcome: %+v", o)
			}
		})
	}
}

func TestOutcomeMessage(t *testing.T) {
	t.Parallel()

	m := Outcome{ExternalID: seq32(0x01), Status: StatusFailed, Reason: "x"}.Message()
	back, err := ParseOutcome(m)
	if err != nil {
		t.Fatalf("ParseOutcome: %v", err)
	}
	if back.Status != StatusFailed || back.Reason != "x" || m.Version != OutcomeVersionV1 {
		t.Fatalf("unexpected: %+v %+v", m, back)
	}
}
