package lockupapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tokenlock/lockup/internal/blobstore"
	"github.com/tokenlock/lockup/internal/deposit"
	"github.com/tokenlock/lockup/internal/ledger"
	"github.com/tokenlock/lockup/internal/lockup"
	"github.com/tokenlock/lockup/internal/schedule"
	"github.com/tokenlock/lockup/internal/settlement"
)

var ErrInvalidConfig = errors.New("lockupapi: invalid config")

// AccountHeader names the caller of account-scoped calls. It is only trusted
// on requests that carry the gateway token.
const AccountHeader = "X-Account-Id"

const (
	defaultListLimit = 100
	maxListLimit     = 1000

	defaultMaxSeizeAccounts = 10_000
	defaultRedeliverLimit   = 100
)

type Config struct {
	// LedgerToken authenticates deposit notifications and outcome callbacks;
	// AdminToken authenticates operator calls. GatewayToken authenticates the
	// gateway that asserts AccountHeader for end users.
	LedgerToken  string
	AdminToken   string
	GatewayToken string

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	MaxBodyBytes     int64
	MaxSeizeAccounts int

	// Metrics is served on GET /metrics when set.
	Metrics http.Handler
	// Reports enables the operator report routes.
	Reports blobstore.Store

	Now func() time.Time
}

// Settlement runs the claim, termination and administrative protocols.
type Settlement interface {
	Claim(ctx context.Context, account string) (lockup.Transfer, error)
	Terminate(ctx context.Context, caller string, index lockup.Index, reveal schedule.Schedule) (lockup.TerminateResult, error)
	RetryRefund(ctx context.Context, id [32]byte) (lockup.Transfer, error)
	Redeliver(ctx context.Context, limit int) (int, error)
	Resolve(ctx context.Context, o ledger.Outcome) (lockup.Transfer, error)
	Seize(ctx context.Context, accounts []string) (lockup.SeizeResult, error)
	Compact(ctx context.Context, max int) (uint64, error)
	AllowDepositor(ctx context.Context, caller settlement.Principal, account string) error
	DisallowDepositor(ctx context.Context, caller settlement.Principal, account string) error
}

type Depositor interface {
	OnTransfer(ctx context.Context, n deposit.Notification) (deposit.Result, error)
}

// Reader is the read side of the lockup registry.
type Reader interface {
	Get(ctx context.Context, index lockup.Index) (lockup.Lockup, error)
	List(ctx context.Context, offset lockup.Index, limit int) ([]lockup.Entry, error)
	ListByAccount(ctx context.Context, account string) ([]lockup.Entry, error)
	Count(ctx context.Context) (uint64, error)
	GetTransfer(ctx context.Context, id [32]byte) (lockup.Transfer, error)
	PendingClaim(ctx context.Context, account string) (lockup.Transfer, error)
	IsDepositorAllowed(ctx context.Context, account string) (bool, error)
}

func NewHandler(cfg Config, s Settlement, deposits Depositor, reader Reader) (http.Handler, error) {
	cfg.LedgerToken = strings.TrimSpace(cfg.LedgerToken)
	cfg.AdminToken = strings.TrimSpace(cfg.AdminToken)
	cfg.GatewayToken = strings.TrimSpace(cfg.GatewayToken)
	if cfg.LedgerToken == "" {
		return nil, fmt.Errorf("%w: missing ledger token", ErrInvalidConfig)
	}
	if cfg.AdminToken == "" {
		return nil, fmt.Errorf("%w: missing admin token", ErrInvalidConfig)
	}
	if cfg.GatewayToken == "" {
		return nil, fmt.Errorf("%w: missing gateway token", ErrInvalidConfig)
	}
	if cfg.LedgerToken == cfg.AdminToken || cfg.LedgerToken == cfg.GatewayToken || cfg.AdminToken == cfg.GatewayToken {
		return nil, fmt.Errorf("%w: ledger, admin and gateway tokens must differ", ErrInvalidConfig)
	}
	if s == nil || deposits == nil || reader == nil {
		return nil, fmt.Errorf("%w: nil dependencies", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxSeizeAccounts <= 0 {
		cfg.MaxSeizeAccounts = defaultMaxSeizeAccounts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:      cfg,
		settle:   s,
		deposits: deposits,
		reader:   reader,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	mux.HandleFunc("POST /v1/claim", h.handleClaim)
	mux.HandleFunc("POST /v1/lockups/{index}/terminate", h.handleTerminate)
	mux.HandleFunc("POST /v1/deposits", h.requireToken(cfg.LedgerToken, h.handleDeposit))
	mux.HandleFunc("POST /v1/transfers/outcome", h.requireToken(cfg.LedgerToken, h.handleOutcome))

	mux.HandleFunc("POST /v1/admin/seize", h.requireToken(cfg.AdminToken, h.handleSeize))
	mux.HandleFunc("POST /v1/admin/compact", h.requireToken(cfg.AdminToken, h.handleCompact))
	mux.HandleFunc("POST /v1/admin/transfers/{id}/retry", h.requireToken(cfg.AdminToken, h.handleRetry))
	mux.HandleFunc("POST /v1/admin/redeliver", h.requireToken(cfg.AdminToken, h.handleRedeliver))
	// Operators and allow-list members reaching us through the gateway.
	mux.HandleFunc("POST /v1/admin/allowlist/{op}", h.handleAllowList)
	if cfg.Reports != nil {
		mux.HandleFunc("GET /v1/admin/reports", h.requireToken(cfg.AdminToken, h.handleListReports))
		mux.HandleFunc("GET /v1/admin/reports/{key...}", h.requireToken(cfg.AdminToken, h.handleGetReport))
	}

	mux.HandleFunc("GET /v1/accounts/{account}/lockups", h.handleAccountLockups)
	mux.HandleFunc("GET /v1/lockups", h.handleListLockups)
	mux.HandleFunc("GET /v1/lockups/{index}", h.handleGetLockup)
	mux.HandleFunc("GET /v1/transfers/{id}", h.handleGetTransfer)
	mux.HandleFunc("GET /v1/allowlist/{account}", h.handleGetAllowList)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks and scrapes must never be throttled.
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		allowed := h.limiter.Allow(clientIP(r), now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"version": "v1",
				"error":   "rate_limited",
			})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg Config

	settle   Settlement
	deposits Depositor
	reader   Reader
	limiter  *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	account, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	t, err := h.settle.Claim(r.Context(), account)
	switch {
	case errors.Is(err, lockup.ErrNothingToClaim):
		writeJSON(w, http.StatusOK, map[string]any{
			"version":   "v1",
			"accountId": account,
			"amount":    "0",
			"error":     "nothing_to_claim",
		})
		return
	case errors.Is(err, lockup.ErrExternalTransferFailed) && t.ID != ([32]byte{}):
		writeJSON(w, http.StatusBadGateway, claimResponse(t, "transfer_failed"))
		return
	case err != nil:
		writeError(w, err)
		return
	}

	code := http.StatusOK
	if t.State == lockup.TransferStatePending {
		code = http.StatusAccepted
	}
	writeJSON(w, code, claimResponse(t, ""))
}

func claimResponse(t lockup.Transfer, errCode string) map[string]any {
	resp := map[string]any{
		"version":       "v1",
		"accountId":     t.Account,
		"reservationId": hexID(t.ID),
		"amount":        t.Amount.Dec(),
		"state":         t.State.String(),
		"lockups":       len(t.Items),
	}
	if errCode != "" {
		resp["error"] = errCode
		resp["reason"] = t.Failure
	}
	return resp
}

type terminateRequestBody struct {
	HashedSchedule schedule.Schedule `json:"hashedSchedule"`
}

func (h *handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireAccount(w, r)
	if !ok {
		return
	}
	index, err := parseIndex(r.PathValue("index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_index",
		})
		return
	}
	// The body is optional for lockups without a committed schedule.
	body, ok := decodeOptionalJSONBody[terminateRequestBody](w, r)
	if !ok {
		return
	}

	res, err := h.settle.Terminate(r.Context(), caller, index, body.HashedSchedule)
	if err != nil && !(errors.Is(err, lockup.ErrExternalTransferFailed) && res.Refund != nil) {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"version":   "v1",
		"index":     uint64(index),
		"accountId": res.Lockup.Account,
		"unvested":  res.Unvested.Dec(),
		"schedule":  res.Lockup.Schedule,
		"refund":    nil,
	}
	code := http.StatusOK
	if res.Refund != nil {
		resp["refund"] = transferResponse(*res.Refund)
		if err != nil {
			code = http.StatusBadGateway
			resp["error"] = "transfer_failed"
		}
	}
	writeJSON(w, code, resp)
}

func (h *handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[deposit.NotificationMessage](w, r)
	if !ok {
		return
	}
	n, err := deposit.ParseNotification(body)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.deposits.OnTransfer(r.Context(), n)
	if err != nil {
		writeError(w, err)
		return
	}
	indices := make([]uint64, len(res.Indices))
	for i, idx := range res.Indices {
		indices[i] = uint64(idx)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"refund":   res.Refund.Dec(),
		"indices":  indices,
		"replayed": res.Replayed,
	})
}

func (h *handler) handleOutcome(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[ledger.OutcomeMessage](w, r)
	if !ok {
		return
	}
	o, err := ledger.ParseOutcome(body)
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := h.settle.Resolve(r.Context(), o)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"transfer": transferResponse(t),
	})
}

type seizeRequestBody struct {
	Accounts []string `json:"accounts"`
}

func (h *handler) handleSeize(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[seizeRequestBody](w, r)
	if !ok {
		return
	}
	if len(body.Accounts) == 0 || len(body.Accounts) > h.cfg.MaxSeizeAccounts {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_accounts",
		})
		return
	}
	res, err := h.settle.Seize(r.Context(), body.Accounts)
	if err != nil {
		writeError(w, err)
		return
	}
	accounts := make([]map[string]any, len(res.Accounts))
	for i, a := range res.Accounts {
		accounts[i] = map[string]any{
			"accountId": a.Account,
			"amount":    a.Amount.Dec(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"amount":   res.Total.Dec(),
		"accounts": accounts,
	})
}

type compactRequestBody struct {
	Max int `json:"max"`
}

func (h *handler) handleCompact(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeOptionalJSONBody[compactRequestBody](w, r)
	if !ok {
		return
	}
	if body.Max < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_max",
		})
		return
	}
	remaining, err := h.settle.Compact(r.Context(), body.Max)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"remaining": remaining,
	})
}

func (h *handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := parseHex32(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_transfer_id",
		})
		return
	}
	t, err := h.settle.RetryRefund(r.Context(), id)
	if err != nil {
		if errors.Is(err, lockup.ErrExternalTransferFailed) && t.ID != ([32]byte{}) {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"version":  "v1",
				"error":    "transfer_failed",
				"transfer": transferResponse(t),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"transfer": transferResponse(t),
	})
}

type redeliverRequestBody struct {
	Limit int `json:"limit"`
}

func (h *handler) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeOptionalJSONBody[redeliverRequestBody](w, r)
	if !ok {
		return
	}
	if body.Limit < 0 || body.Limit > maxListLimit {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_limit",
		})
		return
	}
	if body.Limit == 0 {
		body.Limit = defaultRedeliverLimit
	}
	n, err := h.settle.Redeliver(r.Context(), body.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     "v1",
		"redelivered": n,
	})
}

type allowListRequestBody struct {
	Account string `json:"accountId"`
}

func (h *handler) handleAllowList(w http.ResponseWriter, r *http.Request) {
	op := r.PathValue("op")
	if op != "add" && op != "remove" {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"version": "v1",
			"error":   "not_found",
		})
		return
	}

	var caller settlement.Principal
	if hasBearer(r, h.cfg.AdminToken) {
		caller.Operator = true
	} else {
		account, ok := h.requireAccount(w, r)
		if !ok {
			return
		}
		caller.Account = account
	}

	body, ok := decodeJSONBody[allowListRequestBody](w, r)
	if !ok {
		return
	}
	account := strings.TrimSpace(body.Account)
	if account == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_account",
		})
		return
	}

	var err error
	if op == "add" {
		err = h.settle.AllowDepositor(r.Context(), caller, account)
	} else {
		err = h.settle.DisallowDepositor(r.Context(), caller, account)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"accountId": account,
		"allowed":   op == "add",
	})
}

func (h *handler) handleAccountLockups(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(r.PathValue("account"))
	if account == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_account",
		})
		return
	}
	entries, err := h.reader.ListByAccount(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	pending, err := h.pendingClaim(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}

	now := h.cfg.Now().Unix()
	views := make([]lockupView, 0, len(entries))
	for _, e := range entries {
		v, err := newLockupView(e, now, pending)
		if err != nil {
			writeError(w, err)
			return
		}
		views = append(views, v)
	}
	resp := map[string]any{
		"version":      "v1",
		"accountId":    account,
		"lockups":      views,
		"pendingClaim": nil,
	}
	if pending != nil {
		resp["pendingClaim"] = transferResponse(*pending)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleGetLockup(w http.ResponseWriter, r *http.Request) {
	index, err := parseIndex(r.PathValue("index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_index",
		})
		return
	}
	l, err := h.reader.Get(r.Context(), index)
	if err != nil {
		writeError(w, err)
		return
	}
	pending, err := h.pendingClaim(r.Context(), l.Account)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := newLockupView(lockup.Entry{Index: index, Lockup: l}, h.cfg.Now().Unix(), pending)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"lockup":  v,
	})
}

func (h *handler) handleListLockups(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := parseQueryUint(q.Get("offset"), 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_offset",
		})
		return
	}
	limit, err := parseQueryUint(q.Get("limit"), defaultListLimit)
	if err != nil || limit == 0 || limit > maxListLimit {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_limit",
		})
		return
	}

	entries, err := h.reader.List(r.Context(), lockup.Index(offset), int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := h.reader.Count(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	now := h.cfg.Now().Unix()
	pendingByAccount := make(map[string]*lockup.Transfer)
	views := make([]lockupView, 0, len(entries))
	for _, e := range entries {
		pending, seen := pendingByAccount[e.Lockup.Account]
		if !seen {
			pending, err = h.pendingClaim(r.Context(), e.Lockup.Account)
			if err != nil {
				writeError(w, err)
				return
			}
			pendingByAccount[e.Lockup.Account] = pending
		}
		v, err := newLockupView(e, now, pending)
		if err != nil {
			writeError(w, err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"offset":  offset,
		"count":   count,
		"lockups": views,
	})
}

func (h *handler) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := parseHex32(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_transfer_id",
		})
		return
	}
	t, err := h.reader.GetTransfer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"transfer": transferResponse(t),
	})
}

func (h *handler) handleGetAllowList(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(r.PathValue("account"))
	ok, err := h.reader.IsDepositorAllowed(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"accountId": account,
		"allowed":   ok,
	})
}

func (h *handler) pendingClaim(ctx context.Context, account string) (*lockup.Transfer, error) {
	t, err := h.reader.PendingClaim(ctx, account)
	if errors.Is(err, lockup.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (h *handler) requireToken(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !hasBearer(r, token) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"version": "v1",
				"error":   "unauthenticated",
			})
			return
		}
		next(w, r)
	}
}

func hasBearer(r *http.Request, token string) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) == 1
}

// requireAccount returns the end user the gateway asserted for r.
func (h *handler) requireAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !hasBearer(r, h.cfg.GatewayToken) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"version": "v1",
			"error":   "unauthenticated",
		})
		return "", false
	}
	account := strings.TrimSpace(r.Header.Get(AccountHeader))
	if account == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"version": "v1",
			"error":   "missing_account",
		})
		return "", false
	}
	return account, true
}

// writeError maps protocol errors onto status codes. Only validation errors
// echo their message back to the caller.
func writeError(w http.ResponseWriter, err error) {
	code, name := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, lockup.ErrValidation), errors.Is(err, schedule.ErrInvalidSchedule), errors.Is(err, ledger.ErrInvalidMessage),
		errors.Is(err, blobstore.ErrInvalidKey):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_request",
			"detail":  err.Error(),
		})
		return
	case errors.Is(err, lockup.ErrUnauthorized):
		code, name = http.StatusForbidden, "unauthorized"
	case errors.Is(err, lockup.ErrInvalidReveal):
		code, name = http.StatusForbidden, "invalid_reveal"
	case errors.Is(err, deposit.ErrInvalidToken):
		code, name = http.StatusForbidden, "invalid_token"
	case errors.Is(err, lockup.ErrNotFound), errors.Is(err, blobstore.ErrNotFound):
		code, name = http.StatusNotFound, "not_found"
	case errors.Is(err, lockup.ErrAccountBusy):
		code, name = http.StatusConflict, "account_busy"
	case errors.Is(err, lockup.ErrInvalidTransition):
		code, name = http.StatusConflict, "invalid_transition"
	case errors.Is(err, lockup.ErrTransferMismatch):
		code, name = http.StatusConflict, "transfer_mismatch"
	case errors.Is(err, lockup.ErrDepositMismatch):
		code, name = http.StatusConflict, "deposit_mismatch"
	case errors.Is(err, lockup.ErrExternalTransferFailed):
		code, name = http.StatusBadGateway, "transfer_failed"
	}
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   name,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_json",
		})
		return out, false
	}
	return out, true
}

// decodeOptionalJSONBody is decodeJSONBody that accepts an empty body as the
// zero value.
func decodeOptionalJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_json",
		})
		return out, false
	}
	return out, true
}

func parseIndex(s string) (lockup.Index, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return lockup.Index(v), nil
}

func parseQueryUint(raw string, fallback uint64) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
