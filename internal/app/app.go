package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"tip-settlement/internal/alerting"
	"tip-settlement/internal/attest"
	"tip-settlement/internal/config"
	"tip-settlement/internal/metrics"
	"tip-settlement/internal/oracle"
	"tip-settlement/internal/pricing"
	"tip-settlement/internal/registry"
	"tip-settlement/internal/scheduler"
	"tip-settlement/internal/service"
	"tip-settlement/internal/settlement"
	"tip-settlement/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newNotifier builds the configured alert channels; nil when none is usable.
func (a *App) newNotifier() alerting.Notifier {
	var channels alerting.Multi
	for _, name := range a.Config.Alerting.Channels {
		switch name {
		case "telegram":
			if !a.Config.Alerting.Telegram.Enabled {
				continue
			}
			cfg := a.Config.Alerting.Telegram
			channels = append(channels, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
		case "log":
			channels = append(channels, alerting.NewLogNotifier(a.Logger))
		}
	}
	switch len(channels) {
	case 0:
		return nil
	case 1:
		return channels[0]
	default:
		return channels
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newRecorder registers Prometheus collectors when metrics are enabled.
func (a *App) newRecorder() (metrics.Recorder, error) {
	if !a.Config.Metrics.Enabled {
		return metrics.NoopRecorder{}, nil
	}
	rec, err := metrics.NewPrometheusRecorder(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return rec, nil
}

// serveMetrics exposes /metrics until ctx is cancelled.
func (a *App) serveMetrics(ctx context.Context) {
	if !a.Config.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: a.Config.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

// newResolver wires the configured feeds, or the fixture's fixed feeds when
// one is given. The returned closer releases the RPC client.
func (a *App) newResolver(rec metrics.Recorder, fixture *OracleFixture) (*pricing.Resolver, func(), error) {
	fallback, err := a.Config.FallbackPrice()
	if err != nil {
		return nil, nil, err
	}

	var (
		feed      pricing.PriceFeed
		sequencer pricing.SequencerFeed
		closer    = func() {}
		live      = a.Config.Pricing.LiveEnabled
	)

	eth := a.Config.Ethereum
	switch {
	case fixture != nil:
		feed, sequencer, err = fixture.Feeds(time.Now)
		if err != nil {
			return nil, nil, err
		}
		live = true
	case eth.RPCURL != "" && (eth.PriceFeedAddress != "" || eth.SequencerFeedAddress != ""):
		client := oracle.NewClient(oracle.ClientOptions{RPCURL: eth.RPCURL, Timeout: eth.RequestTimeout}, a.Logger)
		closer = client.Close
		if eth.PriceFeedAddress != "" {
			feed = oracle.NewChainlink(client, eth.PriceFeedAddress)
		}
		if eth.SequencerFeedAddress != "" {
			sequencer = oracle.NewChainlink(client, eth.SequencerFeedAddress)
		}
	}
	if feed == nil && a.Config.Pricing.HTTPURL != "" {
		feed = oracle.NewHTTPFeed(oracle.HTTPOptions{
			URL:       a.Config.Pricing.HTTPURL,
			Decimals:  a.Config.Pricing.HTTPDecimals,
			Timeout:   eth.RequestTimeout,
			UserAgent: a.Config.Pricing.UserAgent,
		}, a.Logger)
	}

	resolver, err := pricing.NewResolver(pricing.Options{
		LiveEnabled:        live,
		GracePeriod:        a.Config.Pricing.GracePeriod,
		StalenessThreshold: a.Config.Pricing.StalenessThreshold,
		Fallback:           fallback,
		NativeDecimals:     a.Config.Pricing.NativeDecimals,
	}, feed, sequencer, a.Logger, rec)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return resolver, closer, nil
}

// newRegistry seeds roles, sets and the fee schedule from config.
func (a *App) newRegistry() (*registry.Registry, error) {
	schedule, err := a.Config.FeeSchedule()
	if err != nil {
		return nil, err
	}
	owner := common.HexToAddress(a.Config.Engine.Owner)
	reg, err := registry.New(owner, schedule)
	if err != nil {
		return nil, err
	}
	for _, admin := range config.Addresses(a.Config.Engine.Admins) {
		if err := reg.AddAdmin(owner, admin); err != nil {
			return nil, fmt.Errorf("seed admin %s: %w", admin.Hex(), err)
		}
	}
	for _, recipient := range config.Addresses(a.Config.Engine.PublicGoods) {
		if err := reg.AddPublicGood(owner, recipient); err != nil {
			return nil, fmt.Errorf("seed public good %s: %w", recipient.Hex(), err)
		}
	}
	for _, token := range config.Addresses(a.Config.Engine.SupportedTokens) {
		if err := reg.AddSupportedToken(owner, token); err != nil {
			return nil, fmt.Errorf("seed supported token %s: %w", token.Hex(), err)
		}
	}
	return reg, nil
}

// newAttestation builds an in-memory attestation hook, enabled per config.
func (a *App) newAttestation(rec metrics.Recorder) (*attest.Hook, *attest.MemoryRegistry, error) {
	attester := common.HexToAddress(a.Config.Engine.Address)
	if a.Config.Attestation.Attester != "" {
		attester = common.HexToAddress(a.Config.Attestation.Attester)
	}
	reg := attest.NewMemoryRegistry()
	hook := attest.NewHook(reg, attest.SchemaID(a.Config.Attestation.Schema), attester, a.Logger, rec)
	if a.Config.Attestation.Enabled {
		if err := hook.Enable(); err != nil {
			return nil, nil, err
		}
	}
	return hook, reg, nil
}

// newEngine wires a settlement engine over host.
func (a *App) newEngine(host settlement.StateHost, resolver *pricing.Resolver, sink settlement.EventSink, rec metrics.Recorder) (*settlement.Engine, *attest.MemoryRegistry, error) {
	reg, err := a.newRegistry()
	if err != nil {
		return nil, nil, err
	}
	hook, attestations, err := a.newAttestation(rec)
	if err != nil {
		return nil, nil, err
	}
	engine, err := settlement.New(settlement.Options{
		Address:     common.HexToAddress(a.Config.Engine.Address),
		SlippageBps: a.Config.Engine.SlippageBps,
	}, settlement.Deps{
		Host:        host,
		Registry:    reg,
		Resolver:    resolver,
		Attestation: hook,
		Sink:        sink,
		Metrics:     rec,
	}, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return engine, attestations, nil
}

// Run executes the long-running price monitor.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	rec, err := a.newRecorder()
	if err != nil {
		return err
	}
	a.serveMetrics(ctx)

	resolver, closeResolver, err := a.newResolver(rec, nil)
	if err != nil {
		return err
	}
	defer closeResolver()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   true,
	}, a.Logger)

	var (
		observations storage.ObservationStore
		alerts       storage.AlertStore
	)
	if store != nil {
		observations = store
		alerts = store
	}

	monitor := service.New(a.Config, sched, resolver, observations, alerts, a.newNotifier(), a.Logger, rec)

	a.Logger.Info().Bool("live_enabled", resolver.LiveEnabled()).Msg("starting price monitor")
	err = monitor.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("price monitor terminated with error")
		return err
	}

	a.Logger.Info().Msg("price monitor stopped")
	return nil
}

// Migrate applies the SQL migrations from database.migrations_path.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database not configured; cannot migrate")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	a.Logger.Info().Strs("files", applied).Msg("migrations applied")
	return nil
}

// ExportOptions hold parameters for exporting price observations.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit     int
	Recipient string
}

// QuoteOptions configure the quote command.
type QuoteOptions struct {
	File string
	JSON bool
}

// SimulateOptions configure the simulate command.
type SimulateOptions struct {
	File    string
	Persist bool
	JSON    bool
}
