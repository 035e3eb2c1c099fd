package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"tip-settlement/internal/alerting"
	"tip-settlement/internal/config"
	"tip-settlement/internal/metrics"
	"tip-settlement/internal/pricing"
	"tip-settlement/internal/scheduler"
	"tip-settlement/internal/storage"
)

// PriceResolver is the part of pricing.Resolver the monitor needs.
type PriceResolver interface {
	Resolve(ctx context.Context) pricing.Resolution
	Scale() *uint256.Int
}

// Monitor samples the fee price every bucket, persists what the resolver
// decided and alerts when pricing degrades to the fallback or recovers.
type Monitor struct {
	scheduler  *scheduler.Scheduler
	resolver   PriceResolver
	store      storage.ObservationStore
	alertStore storage.AlertStore
	notifier   alerting.Notifier
	metrics    metrics.Recorder
	logger     zerolog.Logger

	nativeDecimals uint8
	channels       []string
	alertsOn       bool
	cooldown       time.Duration
	locker         storage.AdvisoryLocker
	lockKey        int64
	now            func() time.Time

	mu         sync.Mutex
	lastReason pricing.Reason
	lastAlert  time.Time
}

// New constructs the price monitor. store, alertStore and notifier may be nil.
func New(cfg *config.Config, sched *scheduler.Scheduler, resolver PriceResolver, store storage.ObservationStore, alertStore storage.AlertStore, notifier alerting.Notifier, logger zerolog.Logger, rec metrics.Recorder) *Monitor {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}

	return &Monitor{
		scheduler:      sched,
		resolver:       resolver,
		store:          store,
		alertStore:     alertStore,
		notifier:       notifier,
		metrics:        rec,
		logger:         logger.With().Str("component", "price_monitor").Logger(),
		nativeDecimals: cfg.Pricing.NativeDecimals,
		channels:       cfg.Alerting.Channels,
		alertsOn:       cfg.Alerting.Enabled,
		cooldown:       cfg.Alerting.Cooldown,
		locker:         locker,
		lockKey:        cfg.Scheduler.AdvisoryLockKey,
		now:            time.Now,
	}
}

// Run restores the last known state and begins the aligned sampling loop.
func (m *Monitor) Run(ctx context.Context) error {
	if m.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	m.restore(ctx)
	return m.scheduler.Run(ctx, m.ProcessBucket)
}

func (m *Monitor) restore(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store != nil {
		obs, ok, err := m.store.LatestObservation(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("could not load last observation")
		} else if ok {
			m.lastReason = pricing.Reason(obs.Reason)
		}
	}
	if m.alertStore != nil {
		alert, ok, err := m.alertStore.LatestAlert(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("could not load last alert")
		} else if ok {
			m.lastAlert = alert.CreatedAt
		}
	}
}

// ProcessBucket samples one bucket unless another instance holds the lock.
func (m *Monitor) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		m.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	start := m.now()
	err = m.executeBucket(ctx, bucket)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.metrics.ObserveLatency(metrics.OperationMonitorBucket, m.now().Sub(start), map[string]string{"outcome": outcome})
	return err
}

func (m *Monitor) executeBucket(ctx context.Context, bucket time.Time) error {
	res := m.resolver.Resolve(ctx)
	obs := Observe(bucket, res, m.resolver.Scale(), m.nativeDecimals)

	if m.store != nil {
		if err := m.store.UpsertObservation(ctx, obs); err != nil {
			m.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to upsert observation")
		}
	}

	m.logger.Info().Time("bucket", bucket).
		Str("reason", obs.Reason).
		Str("price", obs.Price.String()).
		Str("native_per_unit", obs.NativePerUnit.String()).
		Msg("price observed")

	if obs.Error != nil {
		return fmt.Errorf("convert price: %s", *obs.Error)
	}

	m.evaluate(ctx, bucket, res)
	return nil
}

// Observe converts a resolution into a storable observation.
func Observe(bucket time.Time, res pricing.Resolution, scale *uint256.Int, nativeDecimals uint8) storage.PriceObservation {
	obs := storage.PriceObservation{
		Bucket:        bucket,
		Reason:        string(res.Reason),
		Status:        storage.StatusFallback,
		Price:         res.Quote.Decimal(),
		PriceDecimals: int16(res.Quote.Decimals),
		CreatedAt:     time.Now().UTC(),
	}
	if res.Live {
		obs.Status = storage.StatusLive
		updated := res.Quote.UpdatedAt
		obs.QuoteUpdatedAt = &updated
	}

	perUnit, err := pricing.NativePerReferenceUnit(res.Quote, scale)
	if err != nil {
		msg := err.Error()
		obs.Status = storage.StatusErrored
		obs.Error = &msg
		return obs
	}
	obs.NativePerUnit = pricing.ToUnits(perUnit, nativeDecimals)
	return obs
}

// degraded reports whether the resolver fell back for a reason an operator
// should hear about. A deliberately disabled oracle is not degradation.
func degraded(reason pricing.Reason) bool {
	return reason != "" && reason != pricing.ReasonLive && reason != pricing.ReasonLiveDisabled
}

func (m *Monitor) evaluate(ctx context.Context, bucket time.Time, res pricing.Resolution) {
	m.mu.Lock()
	previous := m.lastReason
	m.lastReason = res.Reason
	now := m.now()

	var note *alerting.Notification
	switch {
	case degraded(res.Reason) && res.Reason != previous:
		if !m.lastAlert.IsZero() && now.Sub(m.lastAlert) < m.cooldown {
			m.mu.Unlock()
			m.logger.Debug().Str("reason", string(res.Reason)).Msg("alert suppressed by cooldown")
			return
		}
		note = &alerting.Notification{Reason: string(res.Reason), PreviousReason: string(previous)}
	case degraded(previous) && !degraded(res.Reason):
		note = &alerting.Notification{Reason: string(res.Reason), PreviousReason: string(previous), Recovered: true}
	}
	if note == nil || !m.alertsOn || m.notifier == nil {
		m.mu.Unlock()
		return
	}
	m.lastAlert = now
	m.mu.Unlock()

	note.Bucket = bucket
	note.Price = res.Quote.Decimal()
	note.Channels = m.channels
	if res.Live {
		note.QuoteUpdatedAt = res.Quote.UpdatedAt
	}
	if perUnit, err := pricing.NativePerReferenceUnit(res.Quote, m.resolver.Scale()); err == nil {
		note.NativePerUnit = pricing.ToUnits(perUnit, m.nativeDecimals)
	}

	if m.alertStore != nil {
		record := storage.AlertRecord{
			Bucket:         bucket,
			Reason:         note.Reason,
			PreviousReason: note.PreviousReason,
			Recovered:      note.Recovered,
			Channels:       m.channels,
		}
		if _, err := m.alertStore.InsertAlert(ctx, record); err != nil {
			m.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to persist alert record")
		}
	}
	if err := m.notifier.Notify(ctx, *note); err != nil {
		m.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to dispatch alert")
	}
}

func (m *Monitor) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.lockKey == 0 || m.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
