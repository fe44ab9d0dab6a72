package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"OpenClaw-Gateway/internal/agent"
	"OpenClaw-Gateway/internal/api"
	"OpenClaw-Gateway/internal/auth"
	"OpenClaw-Gateway/internal/config"
	"OpenClaw-Gateway/internal/job"
	"OpenClaw-Gateway/internal/knowledge"
	"OpenClaw-Gateway/internal/ledger"
	"OpenClaw-Gateway/internal/ledger/provider"
	"OpenClaw-Gateway/internal/ledger/simulator"
	"OpenClaw-Gateway/internal/llm"
	"OpenClaw-Gateway/internal/llm/openai"
	"OpenClaw-Gateway/internal/observability/alerting"
	"OpenClaw-Gateway/internal/observability/metrics"
	"OpenClaw-Gateway/internal/payment"
	"OpenClaw-Gateway/internal/session"
	"OpenClaw-Gateway/pkg/logger"
)

// main 是 OpenClaw 网关守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("openclawd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENCLAW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "openclaw.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Service:     "openclawd",
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("openclawd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	mt := metrics.New()

	chains, err := provider.NewRegistry(ctx, cfg.Ledger, cfg.SignerKey())
	if err != nil {
		return err
	}
	defer chains.Close()
	rawLedger, err := chains.DefaultClient()
	if err != nil {
		return err
	}
	retry := ledger.Policy{
		MaxAttempts: cfg.Ledger.Retry.MaxAttempts,
		Delay:       cfg.Ledger.Retry.Delay(),
		Multiplier:  cfg.Ledger.Retry.Multiplier,
		MaxDelay:    cfg.Ledger.Retry.MaxDelay(),
	}
	ledgerClient := ledger.WithRetry(rawLedger, retry)
	chain, _ := rawLedger.(*simulator.Chain)
	if chain != nil {
		if err := fundSimulator(ctx, chain, cfg.Ledger.Simulator.Accounts); err != nil {
			return err
		}
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}
	var notes knowledge.Provider
	if cfg.LLM.KnowledgePath != "" {
		static, err := knowledge.LoadStaticProvider(cfg.LLM.KnowledgePath, cfg.LLM.MaxKnowledge)
		if err != nil {
			return err
		}
		notes = static
	}
	researcher := agent.New(llmClient,
		agent.WithKnowledgeProvider(notes),
		agent.WithLLMTimeout(cfg.LLM.Timeout()),
	)

	hub := job.NewHub(256, cfg.Jobs.StreamTimeout())
	jobs := job.NewService(b.jobStore, b.queue, hub,
		job.WithMaxRetries(cfg.Jobs.MaxRetries),
		job.WithReplier(researcher),
	)

	registrar, profile, err := bootstrapIdentity(ctx, cfg, ledgerClient, chain, retry)
	if err != nil {
		return err
	}

	pricing, err := payment.PricingFromConfig(cfg.Payment, cfg.Session.Timeout(), profile.Address)
	if err != nil {
		return err
	}
	profile.Pricing = api.NewPricingView(pricing)

	verifier := payment.NewVerifier(ledgerClient,
		payment.WithMinConfirmations(cfg.Payment.MinConfirmations),
		payment.WithOverpayment(payment.Overpayment(cfg.Payment.Overpayment)),
		payment.WithRequireMemo(cfg.Payment.RequireMemoEnabled()),
		payment.WithObserver(func(k payment.Kind) { mt.ObservePaymentVerdict(string(k)) }),
	)
	manager, err := session.NewManager(session.Deps{
		Store:    b.sessions,
		Verifier: verifier,
		Claims:   b.claims,
		Jobs:     jobs,
		Reports:  b.reports,
		Pricing:  pricing,
	},
		session.WithVerifyPolicy(ledger.FixedPolicy(cfg.Payment.VerifyAttempts, cfg.Payment.VerifyDelay())),
		session.WithConfirmWait(cfg.Session.ConfirmWait()),
		session.WithRetention(cfg.Session.Retention()),
		session.WithReapInterval(cfg.Session.ReapInterval()),
		session.WithMetrics(mt),
	)
	if err != nil {
		return err
	}

	processor := job.NewProcessor(researcher, b.jobStore, b.queue, b.queue, b.reports,
		job.WithHub(hub),
		job.WithWorkerCount(cfg.Jobs.Workers),
		job.WithExecutionTimeout(cfg.LLM.Timeout()*2),
		job.WithListener(manager.JobUpdated),
		job.WithAlertDispatcher(newAlerter(cfg.Alerting)),
		job.WithMetrics(mt),
	)

	authSvc, err := auth.NewService(auth.ConfigFrom(cfg.Auth, cfg.AuthSecret()))
	if err != nil {
		return err
	}
	deps := api.Deps{
		Sessions: manager,
		Jobs:     jobs,
		Ledger:   ledgerClient,
		Auth:     authSvc,
		Metrics:  mt,
	}
	if chain != nil && cfg.Ledger.Simulator.ExposeEnabled() {
		deps.Simulator = simulator.Handler(chain)
	}
	server := api.NewServer(cfg.Server.Address, deps,
		api.WithBasePath(cfg.Server.BasePath),
		api.WithStreamTimeout(cfg.Jobs.StreamTimeout()),
		api.WithChatRateLimit(cfg.Server.ChatRatePerSec, cfg.Server.ChatBurst),
	)
	server.SetProfile(profile)

	lg.Info("网关已就绪",
		slog.String("chain", chains.DefaultName()),
		slog.String("agent", profile.Name),
		slog.String("registry", registrar.Registry()),
		slog.String("price", pricing.Display()),
		slog.String("session_store", cfg.Session.Store),
		slog.String("job_queue", cfg.Jobs.Queue),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(processor.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(manager.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	if chain != nil {
		g.Go(func() error {
			chain.Run(gctx, cfg.Ledger.Simulator.BlockInterval())
			return nil
		})
	}
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func fundSimulator(ctx context.Context, chain *simulator.Chain, accounts []config.SimulatorFunds) error {
	for _, acct := range accounts {
		amount, ok := new(big.Int).SetString(acct.Balance, 10)
		if !ok {
			return fmt.Errorf("模拟器账户 %s 的余额无效: %q", acct.Address, acct.Balance)
		}
		if err := chain.Fund(ctx, acct.Address, acct.Token, amount); err != nil {
			return err
		}
	}
	return nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "template":
		return llm.Template{}, nil
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.LLMAPIKey(),
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的文本生成方式: %s", cfg.LLM.Provider)
	}
}

func newAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	if cfg.SlackURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{WebhookURL: cfg.SlackURL})
	}
	return alerting.NewFanout(notifiers...)
}
