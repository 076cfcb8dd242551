package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CarePipe/internal/analysis"
	"github.com/BTreeMap/CarePipe/internal/api"
	"github.com/BTreeMap/CarePipe/internal/buffer"
	"github.com/BTreeMap/CarePipe/internal/config"
	"github.com/BTreeMap/CarePipe/internal/debounce"
	"github.com/BTreeMap/CarePipe/internal/dispatch"
	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/lock"
	"github.com/BTreeMap/CarePipe/internal/lockfile"
	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/messaging"
	"github.com/BTreeMap/CarePipe/internal/recovery"
	"github.com/BTreeMap/CarePipe/internal/reminder"
	"github.com/BTreeMap/CarePipe/internal/scheduler"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CarePipe/internal/whatsapp"
)

const (
	jobPollInterval    = time.Second
	outboxPollInterval = 2 * time.Second
)

// app holds the components shared by serve and the one-shot commands.
type app struct {
	cfg *config.Config
	log *logger.Logger
	loc *time.Location

	backend store.Backend
	rdb     *goredis.Client
	buf     buffer.Buffer
	locker  lock.Locker

	msg     messaging.Service
	webhook http.Handler

	dispatcher *dispatch.Dispatcher
	sweeper    *reminder.Sweeper
}

// newApp opens storage, the messaging transport and the reminder engine.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	if err := ensureDirectoriesExist(cfg); err != nil {
		log.Error("Failed to create required directories", "error", err)
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.Program.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("load default timezone: %w", err)
	}

	a := &app{cfg: cfg, log: log, loc: loc}
	if a.backend, err = openBackend(cfg, log); err != nil {
		return nil, err
	}
	if err := a.openCoordination(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if a.msg, a.webhook, err = buildMessagingService(ctx, cfg, log); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.msg.Start(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("start messaging: %w", err)
	}

	a.dispatcher = dispatch.New(a.backend, a.msg, buildDispatchOptions(cfg, loc, log)...)
	a.sweeper = reminder.NewSweeper(a.backend, a.dispatcher, a.locker, buildSweeperOptions(cfg, log)...)
	return a, nil
}

// openCoordination selects the message buffer and locker: Redis when an
// address is configured, the SQL fragment table and in-process locks otherwise.
func (a *app) openCoordination(ctx context.Context) error {
	if a.cfg.Redis.Addr == "" {
		a.log.Debug("No Redis address configured, using store buffer and in-process locks")
		a.buf = buffer.NewStoreBuffer(a.backend)
		a.locker = lock.NewMemoryLocker()
		return nil
	}
	a.rdb = goredis.NewClient(&goredis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", a.cfg.Redis.Addr, err)
	}
	a.log.Info("Connected to Redis", "addr", a.cfg.Redis.Addr)
	a.buf = buffer.NewRedisBuffer(a.rdb, buffer.WithRedisLogger(a.log))
	a.locker = lock.NewRedisLocker(a.rdb)
	return nil
}

// Close releases the transport and connections. It is safe on a partly built app.
func (a *app) Close() {
	if a.msg != nil {
		if err := a.msg.Stop(); err != nil {
			a.log.Warn("Failed to stop messaging service", "error", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("Failed to close Redis client", "error", err)
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.log.Warn("Failed to close store", "error", err)
		}
	}
}

// runServe starts every actor and blocks until ctx is cancelled or one of
// them fails. Without Redis the state directory is locked for the lifetime
// of the process.
func runServe(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	if cfg.Redis.Addr == "" {
		dirLock, err := lockfile.Acquire(cfg.StateDir, log)
		if err != nil {
			return err
		}
		defer dirLock.Release()
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	llm, err := genai.NewClient(buildGenAIOptions(cfg, log)...)
	if err != nil {
		return fmt.Errorf("init analysis model: %w", err)
	}
	worker := analysis.NewWorker(a.buf, a.backend,
		analysis.NewLLMAnalyzer(llm, log),
		analysis.NewStoreContextBuilder(a.backend),
		a.dispatcher, a.locker, buildWorkerOptions(cfg, log)...)

	g, gctx := errgroup.WithContext(ctx)

	var (
		sched  debounce.Scheduler
		runner *store.JobRunner
	)
	if cfg.Analysis.DurableJobs {
		jobs := debounce.NewJobScheduler(a.backend, store.JobKindAnalyzeBuffer)
		runner = store.NewJobRunner(a.backend, jobPollInterval,
			store.WithJobConcurrency(cfg.Analysis.Concurrency), store.WithJobLogger(log))
		runner.RegisterHandler(store.JobKindAnalyzeBuffer, jobs.JobHandler(worker.Handle))
		sched = jobs
	} else {
		timers := debounce.NewTimerScheduler(gctx, worker.Handle, log, buildTimerOptions(cfg)...)
		defer timers.Stop()
		sched = timers
	}

	intake := debounce.NewIntake(a.buf, sched, a.locker, cfg.Analysis.BufferWindow, log)
	router := messaging.NewRouter(a.backend, intake, log)
	outbox := store.NewOutboxSender(a.backend, messaging.OutboxSendFunc(a.msg), outboxPollInterval, log)

	rec := recovery.NewManager(log)
	if runner != nil {
		rec.Register(recovery.StaleJobs(runner))
	}
	rec.Register(recovery.StaleOutbox(outbox))
	rec.Register(recovery.PendingBatches{Repo: a.backend, Scheduler: sched, Log: log})
	if err := rec.RecoverAll(ctx); err != nil {
		log.Warn("Startup recovery incomplete", "error", err)
	}

	cron := scheduler.NewScheduler(scheduler.WithLocation(a.loc), scheduler.WithLogger(log))
	defer cron.Stop()
	if err := cron.AddJob("sweep", cfg.Program.SweepCron, reportTask(log, "sweep", a.sweeper.Sweep)); err != nil {
		return err
	}
	if err := cron.AddJob("rollover", cfg.Program.RolloverCron, reportTask(log, "rollover", a.sweeper.Rollover)); err != nil {
		return err
	}

	server := api.NewServer(a.backend, buildAPIOptions(cfg, a.backend, a.webhook, log)...)

	if runner != nil {
		g.Go(func() error { runner.Run(gctx); return nil })
	}
	g.Go(func() error { outbox.Run(gctx); return nil })
	g.Go(func() error { router.Run(gctx, a.msg.Responses()); return nil })
	g.Go(func() error { messaging.RecordReceipts(gctx, a.backend, a.msg.Receipts(), log); return nil })
	g.Go(func() error { return server.Run(gctx) })

	log.Info("CarePipe running",
		"transport", cfg.Messaging.Transport,
		"durable_jobs", cfg.Analysis.DurableJobs,
		"sweep_cron", cfg.Program.SweepCron,
		"rollover_cron", cfg.Program.RolloverCron)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func reportTask(log *logger.Logger, name string, fn func(context.Context) (reminder.SweepReport, error)) scheduler.Task {
	return func(ctx context.Context) error {
		rep, err := fn(ctx)
		if err != nil {
			return err
		}
		log.Info("Scheduled run finished", "job", name, "report", formatReport(rep))
		return nil
	}
}

// ensureDirectoriesExist creates the state directory and the parent of a
// file-based database.
func ensureDirectoriesExist(cfg *config.Config) error {
	dirs := []string{cfg.StateDir}
	if storeKind(cfg.DatabaseURL) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(sqlitePath(cfg.DatabaseURL)))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func storeKind(dsn string) string {
	return store.DetectDSNType(dsn)
}

// sqlitePath strips the "file:" scheme and query parameters from a SQLite DSN.
func sqlitePath(dsn string) string {
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	return path
}

func openBackend(cfg *config.Config, log *logger.Logger) (store.Backend, error) {
	backend, err := store.Open(cfg.DatabaseURL, buildStoreOptions(log)...)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", storeKind(cfg.DatabaseURL), err)
	}
	return backend, nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(log *logger.Logger) []store.Option {
	return []store.Option{store.WithLogger(log)}
}

// buildMessagingService selects the transport. The returned handler is the
// inbound webhook, nil for transports that receive over their own connection.
func buildMessagingService(ctx context.Context, cfg *config.Config, log *logger.Logger) (messaging.Service, http.Handler, error) {
	switch cfg.Messaging.Transport {
	case config.TransportTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(cfg, log)...)
		if err != nil {
			return nil, nil, fmt.Errorf("init twilio: %w", err)
		}
		opts := []messaging.TwilioOption{messaging.WithTwilioLogger(log)}
		if cfg.Twilio.WebhookURL != "" {
			opts = append(opts, messaging.WithSignatureValidation(cfg.Twilio.AuthToken, cfg.Twilio.WebhookURL))
		} else {
			log.Warn("TWILIO_WEBHOOK_URL not set, inbound webhook signatures are not validated")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, http.HandlerFunc(svc.WebhookHandler), nil
	case config.TransportWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg, log)...)
		if err != nil {
			return nil, nil, fmt.Errorf("init whatsapp: %w", err)
		}
		return messaging.NewWhatsAppService(client, log), nil, nil
	default:
		return messaging.NewLogService(log), nil, nil
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(cfg *config.Config, log *logger.Logger) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithLogger(log)}
	if cfg.WhatsApp.QROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(cfg.WhatsApp.QROutput))
	}
	if cfg.WhatsApp.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	if cfg.WhatsApp.DBDSN != "" {
		opts = append(opts, whatsapp.WithDBDSN(cfg.WhatsApp.DBDSN))
	}
	return opts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(cfg *config.Config, log *logger.Logger) []twiliowhatsapp.Option {
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(cfg.Twilio.AccountSID),
		twiliowhatsapp.WithAuthToken(cfg.Twilio.AuthToken),
		twiliowhatsapp.WithFromWhats(cfg.Twilio.FromNumber),
		twiliowhatsapp.WithLogger(log),
	}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(cfg *config.Config, log *logger.Logger) []genai.Option {
	var opts []genai.Option
	if cfg.OpenAI.APIKey != "" {
		opts = append(opts, genai.WithAPIKey(cfg.OpenAI.APIKey))
	}
	if cfg.OpenAI.Model != "" {
		opts = append(opts, genai.WithModel(cfg.OpenAI.Model))
	}
	opts = append(opts,
		genai.WithDebugMode(cfg.Logging.Level == "debug", cfg.StateDir),
		genai.WithLogger(log))
	return opts
}

func buildDispatchOptions(cfg *config.Config, loc *time.Location, log *logger.Logger) []dispatch.Option {
	return []dispatch.Option{
		dispatch.WithAlertCooldown(cfg.Analysis.AlertCooldown),
		dispatch.WithDefaultLocation(loc),
		dispatch.WithLogger(log),
	}
}

func buildSweeperOptions(cfg *config.Config, log *logger.Logger) []reminder.Option {
	return []reminder.Option{
		reminder.WithEscalationThreshold(cfg.Program.EscalationThreshold),
		reminder.WithConcurrency(cfg.Program.SweepConcurrency),
		reminder.WithLogger(log),
	}
}

func buildWorkerOptions(cfg *config.Config, log *logger.Logger) []analysis.Option {
	return []analysis.Option{
		analysis.WithMaxAttempts(cfg.Analysis.MaxAttempts),
		analysis.WithTimeout(cfg.Analysis.Timeout),
		analysis.WithLogger(log),
	}
}

// buildTimerOptions bounds in-process analysis runs the way the job runner
// bounds durable ones, and retries failed runs with backoff.
func buildTimerOptions(cfg *config.Config) []debounce.TimerOption {
	return []debounce.TimerOption{
		debounce.WithTimerConcurrency(cfg.Analysis.Concurrency),
		debounce.WithTimerRetry(cfg.Analysis.MaxAttempts, analysis.ExponentialBackoff(5*time.Second)),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(cfg *config.Config, pinger api.Pinger, webhook http.Handler, log *logger.Logger) []api.Option {
	opts := []api.Option{api.WithPinger(pinger), api.WithLogger(log)}
	if cfg.APIAddr != "" {
		opts = append(opts, api.WithAddr(cfg.APIAddr))
	}
	if webhook != nil {
		opts = append(opts, api.WithWebhook(webhook))
	}
	return opts
}
