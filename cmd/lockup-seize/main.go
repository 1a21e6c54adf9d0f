package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tokenlock/lockup/internal/secrets"
)

var errPermanent = errors.New("permanent failure")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMain(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type config struct {
	apiURL       string
	adminToken   string
	accountsFile string
	logFile      string
	batchSize    int
	maxAttempts  int
	retryDelay   time.Duration
	timeout      time.Duration
}

func runMain(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("lockup-seize", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	apiURL := fs.String("api-url", "", "lockupd base URL (required)")
	accountsFile := fs.String("accounts-file", "", "file with one account per line (required); processed lines are removed")
	logFile := fs.String("log-file", "transactions.log", "append-only log of seize batch results")
	batchSize := fs.Int("batch-size", 3000, "accounts per seize call")
	maxAttempts := fs.Int("max-attempts", 5, "attempts per batch")
	retryDelay := fs.Duration("retry-delay", 5*time.Second, "delay between attempts")
	timeout := fs.Duration("timeout", 60*time.Second, "timeout for one seize call")
	secretsDriver := fs.String("secrets-driver", secrets.DriverEnv, "secret lookup driver: env|aws")
	adminTokenKey := fs.String("admin-token-env", "LOCKUP_ADMIN_TOKEN", "secret holding the operator token")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*apiURL) == "" || strings.TrimSpace(*accountsFile) == "" {
		return errors.New("--api-url and --accounts-file are required")
	}
	if *batchSize <= 0 || *maxAttempts <= 0 || *timeout <= 0 || *retryDelay < 0 {
		return errors.New("--batch-size, --max-attempts, and --timeout must be > 0")
	}

	provider, err := secrets.New(ctx, *secretsDriver)
	if err != nil {
		return err
	}
	token, err := provider.Get(ctx, *adminTokenKey)
	if err != nil {
		return fmt.Errorf("read admin token %s: %w", *adminTokenKey, err)
	}

	return run(ctx, config{
		apiURL:       strings.TrimRight(strings.TrimSpace(*apiURL), "/"),
		adminToken:   token,
		accountsFile: *accountsFile,
		logFile:      *logFile,
		batchSize:    *batchSize,
		maxAttempts:  *maxAttempts,
		retryDelay:   *retryDelay,
		timeout:      *timeout,
	}, &http.Client{Timeout: *timeout}, stdout)
}

type seizeResponse struct {
	Version  string `json:"version"`
	Amount   string `json:"amount"`
	Accounts []struct {
		Account string `json:"accountId"`
		Amount  string `json:"amount"`
	} `json:"accounts"`
}

type logEntry struct {
	At       time.Time `json:"at"`
	Accounts int       `json:"accounts"`
	First    string    `json:"first"`
	Last     string    `json:"last"`
	Amount   string    `json:"amount"`
	Seized   int       `json:"seizedAccounts"`
}

// run seizes the accounts file batch by batch. A batch is removed from the
// file only after its result is logged, so an interrupted run resumes at the
// first unconfirmed batch.
func run(ctx context.Context, cfg config, hc *http.Client, stdout io.Writer) error {
	if _, err := url.Parse(cfg.apiURL); err != nil {
		return fmt.Errorf("parse --api-url: %w", err)
	}

	for {
		accounts, err := readAccounts(cfg.accountsFile)
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			fmt.Fprintln(stdout, "done")
			return nil
		}
		batch := accounts[:min(cfg.batchSize, len(accounts))]

		resp, err := seizeWithRetry(ctx, cfg, hc, batch)
		if err != nil {
			return fmt.Errorf("seize batch starting at %s: %w", batch[0], err)
		}
		seized := 0
		for _, a := range resp.Accounts {
			if a.Amount != "" && a.Amount != "0" {
				seized++
			}
		}
		entry := logEntry{
			At:       time.Now().UTC(),
			Accounts: len(batch),
			First:    batch[0],
			Last:     batch[len(batch)-1],
			Amount:   resp.Amount,
			Seized:   seized,
		}
		if err := appendLog(cfg.logFile, entry); err != nil {
			return err
		}
		if err := writeAccounts(cfg.accountsFile, accounts[len(batch):]); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "seized %s from %d/%d accounts, %d remaining\n", resp.Amount, seized, len(batch), len(accounts)-len(batch))
	}
}

func seizeWithRetry(ctx context.Context, cfg config, hc *http.Client, batch []string) (seizeResponse, error) {
	var err error
	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		if attempt > 0 && cfg.retryDelay > 0 {
			t := time.NewTimer(cfg.retryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return seizeResponse{}, ctx.Err()
			case <-t.C:
			}
		}
		var resp seizeResponse
		resp, err = seize(ctx, cfg, hc, batch)
		if err == nil || errors.Is(err, errPermanent) {
			return resp, err
		}
	}
	return seizeResponse{}, err
}

func seize(ctx context.Context, cfg config, hc *http.Client, batch []string) (seizeResponse, error) {
	body, err := json.Marshal(map[string]any{"accounts": batch})
	if err != nil {
		return seizeResponse{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, cfg.apiURL+"/v1/admin/seize", bytes.NewReader(body))
	if err != nil {
		return seizeResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.adminToken)

	res, err := hc.Do(req)
	if err != nil {
		return seizeResponse{}, err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return seizeResponse{}, err
	}
	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return seizeResponse{}, fmt.Errorf("seize: status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	default:
		return seizeResponse{}, fmt.Errorf("%w: seize: status %d: %s", errPermanent, res.StatusCode, strings.TrimSpace(string(b)))
	}

	var out seizeResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return seizeResponse{}, fmt.Errorf("%w: decode seize response: %v", errPermanent, err)
	}
	return out, nil
}

func readAccounts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open accounts file: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if a := strings.TrimSpace(sc.Text()); a != "" {
			out = append(out, a)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return out, nil
}

// writeAccounts replaces the accounts file atomically.
func writeAccounts(path string, accounts []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("rewrite accounts file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriter(tmp)
	for _, a := range accounts {
		if _, err := w.WriteString(a + "\n"); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("rewrite accounts file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("rewrite accounts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("rewrite accounts file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func appendLog(path string, e logEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append log file: %w", err)
	}
	return f.Close()
}
