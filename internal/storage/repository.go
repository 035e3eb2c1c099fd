package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tip-settlement/internal/asset"
	"tip-settlement/internal/settlement"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertTransferSQL = `INSERT INTO transfer_records (
        id, batch_id, item_index, sender, recipient, asset_type, token,
        token_id, amount, fee_charged, fee_in_kind, message, created_at
    ) VALUES (
        $1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11, $12, $13
    )
    ON CONFLICT (id) DO NOTHING;`

	transferColumns = `id::text, batch_id::text, item_index, sender, recipient, asset_type, token,
        token_id::text, amount::text, fee_charged::text, fee_in_kind, message, created_at`

	listRecentTransfersSQL = `SELECT ` + transferColumns + `
    FROM transfer_records
    ORDER BY created_at DESC, item_index
    LIMIT $1;`

	listTransfersByRecipientSQL = `SELECT ` + transferColumns + `
    FROM transfer_records
    WHERE recipient = $1
    ORDER BY created_at DESC, item_index
    LIMIT $2;`

	upsertObservationSQL = `INSERT INTO price_observations (
        bucket_ts, reason, status, price, price_decimals, native_per_unit, quote_updated_at, error
    ) VALUES (
        $1, $2, $3, $4::numeric, $5, $6::numeric, $7, $8
    )
    ON CONFLICT (bucket_ts) DO UPDATE
    SET
        reason           = EXCLUDED.reason,
        status           = EXCLUDED.status,
        price            = EXCLUDED.price,
        price_decimals   = EXCLUDED.price_decimals,
        native_per_unit  = EXCLUDED.native_per_unit,
        quote_updated_at = EXCLUDED.quote_updated_at,
        error            = EXCLUDED.error;`

	observationColumns = `bucket_ts, reason, status, price::text, price_decimals, native_per_unit::text,
        quote_updated_at, error, created_at`

	listObservationsBetweenSQL = `SELECT ` + observationColumns + `
    FROM price_observations
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY bucket_ts;`

	latestObservationSQL = `SELECT ` + observationColumns + `
    FROM price_observations
    ORDER BY bucket_ts DESC
    LIMIT 1;`

	insertAlertSQL = `INSERT INTO pricing_alerts (
        bucket_ts, reason, previous_reason, recovered, channels
    ) VALUES (
        $1, $2, $3, $4, $5
    )
    ON CONFLICT (bucket_ts) DO UPDATE
    SET reason          = EXCLUDED.reason,
        previous_reason = EXCLUDED.previous_reason,
        recovered       = EXCLUDED.recovered,
        channels        = EXCLUDED.channels
    RETURNING id, bucket_ts, reason, previous_reason, recovered, channels, created_at;`

	latestAlertSQL = `SELECT id, bucket_ts, reason, previous_reason, recovered, channels, created_at
    FROM pricing_alerts
    ORDER BY created_at DESC
    LIMIT 1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TransferStore persists committed transfer records.
type TransferStore interface {
	settlement.EventSink
	ListRecentTransfers(ctx context.Context, limit int) ([]settlement.TransferRecord, error)
	ListTransfersByRecipient(ctx context.Context, recipient common.Address, limit int) ([]settlement.TransferRecord, error)
}

// ObservationStore persists price monitor buckets.
type ObservationStore interface {
	UpsertObservation(ctx context.Context, obs PriceObservation) error
	ListObservationsBetween(ctx context.Context, from, to time.Time) ([]PriceObservation, error)
	LatestObservation(ctx context.Context) (PriceObservation, bool, error)
}

// AlertStore records emitted pricing alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	LatestAlert(ctx context.Context) (AlertRecord, bool, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL implementation of every store interface.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session when the connection closes.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Publish stores the records of one committed settlement in a single transaction.
func (s *Store) Publish(ctx context.Context, records []settlement.TransferRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range records {
			var tokenID interface{}
			if rec.TokenID != nil {
				tokenID = rec.TokenID.Dec()
			}
			batch.Queue(insertTransferSQL,
				rec.ID.String(),
				rec.BatchID.String(),
				rec.Index,
				rec.Sender.Hex(),
				rec.Recipient.Hex(),
				rec.AssetType.String(),
				rec.Token.Hex(),
				tokenID,
				decString(rec.Amount),
				decString(rec.FeeCharged),
				rec.FeeInKind,
				rec.Message,
				rec.CreatedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert transfer records: %w", err)
		}
		return nil
	})
}

// ListRecentTransfers lists the newest transfer records.
func (s *Store) ListRecentTransfers(ctx context.Context, limit int) ([]settlement.TransferRecord, error) {
	return s.queryTransfers(ctx, "list recent transfers", listRecentTransfersSQL, limit)
}

// ListTransfersByRecipient lists the newest transfer records paid to recipient.
func (s *Store) ListTransfersByRecipient(ctx context.Context, recipient common.Address, limit int) ([]settlement.TransferRecord, error) {
	return s.queryTransfers(ctx, "list transfers by recipient", listTransfersByRecipientSQL, recipient.Hex(), limit)
}

func (s *Store) queryTransfers(ctx context.Context, op, query string, args ...interface{}) ([]settlement.TransferRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	records := make([]settlement.TransferRecord, 0)
	for rows.Next() {
		rec, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// UpsertObservation persists or replaces a monitor bucket.
func (s *Store) UpsertObservation(ctx context.Context, obs PriceObservation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var updatedAt interface{}
	if obs.QuoteUpdatedAt != nil {
		updatedAt = *obs.QuoteUpdatedAt
	}
	var errMsg interface{}
	if obs.Error != nil {
		errMsg = *obs.Error
	}

	_, execErr := pool.Exec(ctx, upsertObservationSQL,
		obs.Bucket,
		obs.Reason,
		obs.Status,
		obs.Price.String(),
		obs.PriceDecimals,
		obs.NativePerUnit.String(),
		updatedAt,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert price observation: %w", execErr)
	}
	return nil
}

// ListObservationsBetween lists observations within a time window.
func (s *Store) ListObservationsBetween(ctx context.Context, from, to time.Time) ([]PriceObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listObservationsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list observations between: %w", queryErr)
	}
	defer rows.Close()

	out := make([]PriceObservation, 0)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// LatestObservation returns the newest bucket, if any.
func (s *Store) LatestObservation(ctx context.Context) (PriceObservation, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return PriceObservation{}, false, err
	}

	rows, queryErr := pool.Query(ctx, latestObservationSQL)
	if queryErr != nil {
		return PriceObservation{}, false, fmt.Errorf("latest observation: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return PriceObservation{}, false, rows.Err()
	}
	obs, err := scanObservation(rows)
	if err != nil {
		return PriceObservation{}, false, err
	}
	return obs, true, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Bucket,
		alert.Reason,
		alert.PreviousReason,
		alert.Recovered,
		alert.Channels,
	)

	var rec AlertRecord
	if scanErr := row.Scan(
		&rec.ID,
		&rec.Bucket,
		&rec.Reason,
		&rec.PreviousReason,
		&rec.Recovered,
		&rec.Channels,
		&rec.CreatedAt,
	); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// LatestAlert returns the most recent alert, if any.
func (s *Store) LatestAlert(ctx context.Context) (AlertRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, false, err
	}

	var rec AlertRecord
	scanErr := pool.QueryRow(ctx, latestAlertSQL).Scan(
		&rec.ID,
		&rec.Bucket,
		&rec.Reason,
		&rec.PreviousReason,
		&rec.Recovered,
		&rec.Channels,
		&rec.CreatedAt,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return AlertRecord{}, false, nil
	}
	if scanErr != nil {
		return AlertRecord{}, false, fmt.Errorf("latest alert: %w", scanErr)
	}
	return rec, true, nil
}

func scanTransfer(rows pgx.Rows) (settlement.TransferRecord, error) {
	var (
		idStr, batchStr   string
		index             int
		sender, recipient string
		assetType, token  string
		tokenID           sql.NullString
		amountStr, feeStr string
		feeInKind         bool
		message           string
		createdAt         time.Time
	)
	if err := rows.Scan(
		&idStr, &batchStr, &index, &sender, &recipient, &assetType, &token,
		&tokenID, &amountStr, &feeStr, &feeInKind, &message, &createdAt,
	); err != nil {
		return settlement.TransferRecord{}, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return settlement.TransferRecord{}, fmt.Errorf("parse transfer id: %w", err)
	}
	batchID, err := uuid.Parse(batchStr)
	if err != nil {
		return settlement.TransferRecord{}, fmt.Errorf("parse batch id: %w", err)
	}
	kind, err := asset.ParseType(assetType)
	if err != nil {
		return settlement.TransferRecord{}, err
	}
	amount, err := uint256.FromDecimal(amountStr)
	if err != nil {
		return settlement.TransferRecord{}, fmt.Errorf("parse amount: %w", err)
	}
	feeCharged, err := uint256.FromDecimal(feeStr)
	if err != nil {
		return settlement.TransferRecord{}, fmt.Errorf("parse fee: %w", err)
	}

	rec := settlement.TransferRecord{
		ID:         id,
		BatchID:    batchID,
		Index:      index,
		Sender:     common.HexToAddress(sender),
		Recipient:  common.HexToAddress(recipient),
		AssetType:  kind,
		Token:      common.HexToAddress(token),
		Amount:     amount,
		FeeCharged: feeCharged,
		FeeInKind:  feeInKind,
		Message:    message,
		CreatedAt:  createdAt,
	}
	if tokenID.Valid {
		rec.TokenID, err = uint256.FromDecimal(tokenID.String)
		if err != nil {
			return settlement.TransferRecord{}, fmt.Errorf("parse token id: %w", err)
		}
	}
	return rec, nil
}

func scanObservation(rows pgx.Rows) (PriceObservation, error) {
	var (
		obs       PriceObservation
		priceStr  string
		nativeStr string
		updatedAt sql.NullTime
		errMsg    sql.NullString
	)
	if err := rows.Scan(
		&obs.Bucket,
		&obs.Reason,
		&obs.Status,
		&priceStr,
		&obs.PriceDecimals,
		&nativeStr,
		&updatedAt,
		&errMsg,
		&obs.CreatedAt,
	); err != nil {
		return PriceObservation{}, err
	}

	var err error
	obs.Price, err = decimal.NewFromString(priceStr)
	if err != nil {
		return PriceObservation{}, fmt.Errorf("parse price: %w", err)
	}
	obs.NativePerUnit, err = decimal.NewFromString(nativeStr)
	if err != nil {
		return PriceObservation{}, fmt.Errorf("parse native per unit: %w", err)
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		obs.QuoteUpdatedAt = &t
	}
	if errMsg.Valid {
		msg := errMsg.String
		obs.Error = &msg
	}
	return obs, nil
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

var (
	_ TransferStore    = (*Store)(nil)
	_ ObservationStore = (*Store)(nil)
	_ AlertStore       = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
