package settlement

import (
	"strings"
	"time"

	"github.com/tokenlock/lockup/internal/lockup"
)

const reportVersionV1 = "lockup.report.v1"

// transferReport is written for records that need operator reconciliation.
type transferReport struct {
	Version    string       `json:"version"`
	Type       string       `json:"type"`
	TransferID string       `json:"transferId"`
	ExternalID string       `json:"externalId"`
	Kind       string       `json:"kind"`
	State      string       `json:"state"`
	Account    string       `json:"accountId"`
	Recipient  string       `json:"receiverId"`
	Amount     string       `json:"amount"`
	Attempt    uint32       `json:"attempt"`
	Items      []reportItem `json:"items"`
	Reason     string       `json:"reason,omitempty"`
	At         time.Time    `json:"at"`
}

type reportItem struct {
	Index  uint64 `json:"lockupIndex"`
	Amount string `json:"amount"`
}

type seizeReport struct {
	Version  string          `json:"version"`
	Type     string          `json:"type"`
	Total    string          `json:"amount"`
	Accounts []seizedAccount `json:"accounts"`
	At       time.Time       `json:"at"`
}

type seizedAccount struct {
	Account string `json:"accountId"`
	Amount  string `json:"amount"`
}

func newTransferReport(dir string, t lockup.Transfer, reason string, at time.Time) transferReport {
	items := make([]reportItem, len(t.Items))
	for i, it := range t.Items {
		items[i] = reportItem{Index: uint64(it.Index), Amount: it.Amount.Dec()}
	}
	return transferReport{
		Version:    reportVersionV1,
		Type:       reportType(dir),
		TransferID: hexID(t.ID),
		ExternalID: hexID(t.ExternalID),
		Kind:       t.Kind.String(),
		State:      t.State.String(),
		Account:    t.Account,
		Recipient:  t.Recipient,
		Amount:     t.Amount.Dec(),
		Attempt:    t.Attempt,
		Items:      items,
		Reason:     reason,
		At:         at.UTC(),
	}
}

func newSeizeReport(res lockup.SeizeResult, at time.Time) seizeReport {
	accounts := make([]seizedAccount, len(res.Accounts))
	for i, a := range res.Accounts {
		accounts[i] = seizedAccount{Account: a.Account, Amount: a.Amount.Dec()}
	}
	return seizeReport{
		Version:  reportVersionV1,
		Type:     "seize_batch",
		Total:    res.Total.Dec(),
		Accounts: accounts,
		At:       at.UTC(),
	}
}

// reportType derives the report type from the first key segment.
func reportType(key string) string {
	dir, _, _ := strings.Cut(key, "/")
	switch dir {
	case "refund-failures":
		return "refund_failure"
	case "outcome-conflicts":
		return "outcome_conflict"
	case "seize":
		return "seize_batch"
	default:
		return strings.ReplaceAll(dir, "-", "_")
	}
}
