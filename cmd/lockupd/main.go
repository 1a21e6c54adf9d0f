package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tokenlock/lockup/internal/blobstore"
	"github.com/tokenlock/lockup/internal/deposit"
	"github.com/tokenlock/lockup/internal/ledger"
	"github.com/tokenlock/lockup/internal/lockup"
	lockuppg "github.com/tokenlock/lockup/internal/lockup/postgres"
	"github.com/tokenlock/lockup/internal/lockupapi"
	"github.com/tokenlock/lockup/internal/queue"
	"github.com/tokenlock/lockup/internal/schedule"
	"github.com/tokenlock/lockup/internal/secrets"
	"github.com/tokenlock/lockup/internal/settlement"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")

		storeDriver = flag.String("store-driver", "postgres", "lockup store driver: postgres|memory")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required when --store-driver=postgres)")

		tokenID         = flag.String("token-id", "", "token accepted for funding (required)")
		batchCliff      = flag.Int64("batch-cliff", deposit.DefaultBatchCliff, "unix time of the batch lockup cliff")
		batchCliffBps   = flag.Uint("batch-cliff-bps", uint(deposit.DefaultBatchCliffBps), "share of a batch lockup unlocked at the cliff (basis points)")
		batchFullUnlock = flag.Int64("batch-full-unlock", deposit.DefaultBatchFullUnlock, "unix time a batch lockup is fully unlocked")

		operators          = flag.String("operators", "", "comma-separated accounts allowed to manage the deposit allow-list")
		allowDepositors    = flag.String("allow-depositors", "", "comma-separated accounts added to the deposit allow-list at startup")
		maxLockupsPerClaim = flag.Int("max-lockups-per-claim", lockup.DefaultMaxLockupsPerClaim, "maximum lockups aggregated by one claim")
		redeliverLimit     = flag.Int("redeliver-limit", 1000, "pending transfers resent per pass, at startup and every --redeliver-interval (0 disables)")
		redeliverInterval  = flag.Duration("redeliver-interval", 30*time.Second, "interval between passes resending pending transfers (0 disables the loop)")

		ledgerDriver      = flag.String("ledger-driver", "http", "external ledger driver: http|queue|memory")
		ledgerURL         = flag.String("ledger-url", "", "ledger base URL (required when --ledger-driver=http)")
		ledgerAuthKey     = flag.String("ledger-auth-env", "LOCKUP_LEDGER_AUTH_TOKEN", "secret holding the bearer token for outbound ledger calls (optional)")
		ledgerIntentTopic = flag.String("ledger-intent-topic", ledger.DefaultIntentTopic, "topic for transfer intents when --ledger-driver=queue")
		sendTimeout       = flag.Duration("send-timeout", 30*time.Second, "timeout for one ledger transfer request")

		secretsDriver  = flag.String("secrets-driver", secrets.DriverEnv, "secret lookup driver: env|aws")
		ledgerTokenKey = flag.String("ledger-token-env", "LOCKUP_LEDGER_TOKEN", "secret holding the token the ledger presents on callbacks (required)")
		adminTokenKey  = flag.String("admin-token-env", "LOCKUP_ADMIN_TOKEN", "secret holding the operator token (required)")
		gatewayKey     = flag.String("gateway-token-env", "LOCKUP_GATEWAY_TOKEN", "secret holding the token the account gateway presents with X-Account-Id (required)")

		reportDriver = flag.String("report-driver", blobstore.DriverS3, "reconciliation report blobstore driver: s3|memory")
		reportBucket = flag.String("report-bucket", "", "S3 bucket for reconciliation reports (required when --report-driver=s3)")
		reportPrefix = flag.String("report-prefix", "lockup/reports", "key prefix for reconciliation reports")

		queueDriver      = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers     = flag.String("queue-brokers", "", "comma-separated queue brokers; empty disables the kafka consumer")
		queueTLS         = flag.Bool("queue-tls", queue.ParseBool(os.Getenv("LOCKUP_QUEUE_KAFKA_TLS")), "use TLS for kafka brokers")
		queueGroup       = flag.String("queue-group", "lockupd", "queue consumer group (required for kafka)")
		queueTopics      = flag.String("queue-topics", deposit.DefaultTopic+","+ledger.DefaultOutcomeTopic, "comma-separated queue topics")
		maxLineBytes     = flag.Int("max-line-bytes", 1<<20, "maximum stdin line size for stdio driver (bytes)")
		queueMaxBytes    = flag.Int("queue-max-bytes", 10<<20, "maximum kafka message size for consumer reads (bytes)")
		ackTimeout       = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")
		queueMaxAttempts = flag.Int("queue-max-attempts", 5, "handler attempts per queue message")
		queueRetryDelay  = flag.Duration("queue-retry-delay", 2*time.Second, "delay between handler attempts")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 60*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(*tokenID) == "" {
		fmt.Fprintln(os.Stderr, "error: --token-id is required")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 || *sendTimeout <= 0 || *ackTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if *redeliverInterval < 0 {
		fmt.Fprintln(os.Stderr, "error: --redeliver-interval must be >= 0")
		os.Exit(2)
	}
	if *maxLockupsPerClaim <= 0 || *redeliverLimit < 0 || *queueMaxAttempts <= 0 || *maxLineBytes <= 0 || *queueMaxBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-lockups-per-claim, --queue-max-attempts, --max-line-bytes, and --queue-max-bytes must be > 0; --redeliver-limit must be >= 0")
		os.Exit(2)
	}
	if *batchCliffBps > 10_000 {
		fmt.Fprintln(os.Stderr, "error: --batch-cliff-bps must be <= 10000")
		os.Exit(2)
	}
	if normalizeBlobDriver(*reportDriver) == blobstore.DriverS3 && strings.TrimSpace(*reportBucket) == "" {
		fmt.Fprintln(os.Stderr, "error: --report-bucket is required when --report-driver=s3")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := secrets.New(ctx, *secretsDriver)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}
	ledgerToken, err := provider.Get(ctx, *ledgerTokenKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: missing ledger callback token %s: %v\n", *ledgerTokenKey, err)
		os.Exit(2)
	}
	adminToken, err := provider.Get(ctx, *adminTokenKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: missing admin token %s: %v\n", *adminTokenKey, err)
		os.Exit(2)
	}
	gatewayToken, err := provider.Get(ctx, *gatewayKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: missing gateway token %s: %v\n", *gatewayKey, err)
		os.Exit(2)
	}

	var store lockup.Store
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "postgres":
		if strings.TrimSpace(*postgresDSN) == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required when --store-driver=postgres")
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := lockuppg.New(pool)
		if err != nil {
			log.Error("init lockup store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure lockup schema", "err", err)
			os.Exit(2)
		}
		store = pgStore
	case "memory":
		log.Warn("using in-memory lockup store; state is lost on exit")
		store = lockup.NewMemoryStore(time.Now)
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}
	for _, account := range queue.SplitCommaList(*allowDepositors) {
		if err := store.AllowDepositor(ctx, account); err != nil {
			log.Error("allow depositor", "account", account, "err", err)
			os.Exit(2)
		}
	}

	var producer queue.Producer
	if strings.ToLower(strings.TrimSpace(*ledgerDriver)) == "queue" {
		producer, err = queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
			TLS:     *queueTLS,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = producer.Close() }()
	}
	ledgerAuth, err := secrets.Optional(ctx, provider, *ledgerAuthKey)
	if err != nil {
		log.Error("read ledger auth token", "err", err)
		os.Exit(2)
	}
	l, err := newLedger(*ledgerDriver, *ledgerURL, ledgerAuth, *sendTimeout, producer, *ledgerIntentTopic)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	reports, err := newBlobStore(ctx, *reportDriver, *reportBucket, *reportPrefix)
	if err != nil {
		log.Error("init report blobstore", "err", err)
		os.Exit(2)
	}

	coord, err := settlement.New(settlement.Config{
		Operators:          queue.SplitCommaList(*operators),
		MaxLockupsPerClaim: *maxLockupsPerClaim,
		SendTimeout:        *sendTimeout,
		Now:                time.Now,
	}, store, l, reports, log)
	if err != nil {
		log.Error("init settlement coordinator", "err", err)
		os.Exit(2)
	}
	deposits, err := deposit.New(deposit.Config{
		TokenID: *tokenID,
		Batch: schedule.CliffConfig{
			Cliff:      *batchCliff,
			CliffBps:   uint32(*batchCliffBps),
			FullUnlock: *batchFullUnlock,
		},
	}, store, log)
	if err != nil {
		log.Error("init deposit handler", "err", err)
		os.Exit(2)
	}

	if *redeliverLimit > 0 {
		n, err := coord.Redeliver(ctx, *redeliverLimit)
		if err != nil {
			log.Error("redeliver pending transfers", "err", err)
			os.Exit(1)
		}
		log.Info("redelivered pending transfers", "count", n)
		if *redeliverInterval > 0 {
			go redeliverLoop(ctx, coord, *redeliverInterval, *redeliverLimit, log)
		}
	}

	handler, err := lockupapi.NewHandler(lockupapi.Config{
		LedgerToken:             ledgerToken,
		AdminToken:              adminToken,
		GatewayToken:            gatewayToken,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Metrics:                 promhttp.Handler(),
		Reports:                 reports,
		Now:                     time.Now,
	}, coord, deposits, store)
	if err != nil {
		log.Error("init lockup api handler", "err", err)
		os.Exit(2)
	}

	errCh := make(chan error, 2)
	if consumeEnabled(*queueDriver, *queueBrokers) {
		consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:        *queueDriver,
			Brokers:       queue.SplitCommaList(*queueBrokers),
			Group:         *queueGroup,
			Topics:        queue.SplitCommaList(*queueTopics),
			TLS:           *queueTLS,
			KafkaMaxBytes: *queueMaxBytes,
			MaxLineBytes:  *maxLineBytes,
		})
		if err != nil {
			log.Error("init queue consumer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = consumer.Close() }()

		go func() {
			err := queue.Serve(ctx, consumer, newQueueHandler(deposits, coord, log), queue.ServeConfig{
				MaxAttempts:   *queueMaxAttempts,
				RetryDelay:    *queueRetryDelay,
				HandleTimeout: *sendTimeout + 5*time.Second,
				AckTimeout:    *ackTimeout,
				Log:           log,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("queue consumer: %w", err)
			}
		}()
		log.Info("queue consumer started", "queueDriver", *queueDriver, "topics", *queueTopics, "group", *queueGroup)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		log.Info("lockupd listening",
			"addr", *listenAddr,
			"tokenID", *tokenID,
			"storeDriver", strings.ToLower(strings.TrimSpace(*storeDriver)),
			"ledgerDriver", strings.ToLower(strings.TrimSpace(*ledgerDriver)),
			"reportDriver", normalizeBlobDriver(*reportDriver),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func consumeEnabled(driver, brokers string) bool {
	if strings.ToLower(strings.TrimSpace(driver)) == queue.DriverStdio {
		return true
	}
	return len(queue.SplitCommaList(brokers)) > 0
}

func newLedger(driver, baseURL, authToken string, timeout time.Duration, producer queue.Producer, topic string) (ledger.Ledger, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "http":
		if strings.TrimSpace(baseURL) == "" {
			return nil, errors.New("--ledger-url is required when --ledger-driver=http")
		}
		return ledger.NewHTTPClient(baseURL, authToken, ledger.WithHTTPClient(&http.Client{Timeout: timeout}))
	case "queue":
		return ledger.NewQueueLedger(producer, topic)
	case "memory":
		return ledger.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported --ledger-driver %q", driver)
	}
}

func normalizeBlobDriver(driver string) string {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		return blobstore.DriverS3
	}
	return driver
}

func newBlobStore(ctx context.Context, driver string, bucket string, prefix string) (blobstore.Store, error) {
	cfg := blobstore.Config{
		Driver: normalizeBlobDriver(driver),
		Bucket: strings.TrimSpace(bucket),
		Prefix: strings.TrimSpace(prefix),
	}
	if cfg.Driver == blobstore.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return blobstore.New(cfg)
}
