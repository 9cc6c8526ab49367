package postgres

import (
	"MarginEngine/internal/domain/models"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const positionColumns = `id, owner_id, pair_id, pair, side, leverage, mode,
	entry_price, size, collateral, liquidation_price, realized_pnl,
	fees_accrued, stop_loss, take_profit, close_price, close_reason,
	status, version, opened_at, updated_at, closed_at`

const recordColumns = `id, position_id, owner_id, pair, side, entry_price,
	liquidation_price, mark_price, size, leverage, loss,
	remaining_collateral, liq_type, created_at`

type Storage struct {
	db *pgxpool.Pool
}

func New(connString string) (*Storage, error) {
	const op = "postgres.New"
	log := slog.With("op", op)
	db, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		log.Error("failed to connect to database", "err", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := db.Ping(context.Background()); err != nil {
		log.Error("failed to ping database", "err", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
}

// --- wallet accounts ---

func (s *Storage) Deposit(ctx context.Context, ownerId int64, amount decimal.Decimal) (decimal.Decimal, error) {
	const op = "postgres.Deposit"
	const query = `
		INSERT INTO wallet_accounts(owner_id, balance) VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET balance = wallet_accounts.balance + $2
		RETURNING balance`
	var balance decimal.Decimal
	if err := s.db.QueryRow(ctx, query, ownerId, amount).Scan(&balance); err != nil {
		slog.Error("failed to deposit", "op", op, "owner_id", ownerId, "err", err)
		return decimal.Zero, fmt.Errorf("%s: %w", op, err)
	}
	return balance, nil
}

func (s *Storage) Balance(ctx context.Context, ownerId int64) (decimal.Decimal, error) {
	const op = "postgres.Balance"
	var balance decimal.Decimal
	err := s.db.QueryRow(ctx, `SELECT balance FROM wallet_accounts WHERE owner_id = $1`, ownerId).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%s: %w", op, models.ErrAccountNotFound)
	}
	if err != nil {
		slog.Error("failed to get balance", "op", op, "owner_id", ownerId, "err", err)
		return decimal.Zero, fmt.Errorf("%s: %w", op, err)
	}
	return balance, nil
}

// --- trading pairs ---

func (s *Storage) AddTradingPair(ctx context.Context, pair string) (int64, error) {
	const op = "postgres.AddTradingPair"
	const query = `
		INSERT INTO trading_pairs(pair) VALUES ($1)
		ON CONFLICT (pair) DO UPDATE SET pair = EXCLUDED.pair
		RETURNING id`
	var id int64
	if err := s.db.QueryRow(ctx, query, pair).Scan(&id); err != nil {
		slog.Error("failed to add trading pair", "op", op, "pair", pair, "err", err)
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

func (s *Storage) PairId(ctx context.Context, pair string) (int64, error) {
	const op = "postgres.PairId"
	var id int64
	err := s.db.QueryRow(ctx, `SELECT id FROM trading_pairs WHERE pair = $1`, pair).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w", op, models.ErrPairUnavailable)
	}
	if err != nil {
		slog.Error("failed to get trading pair", "op", op, "pair", pair, "err", err)
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

// --- leverage settings ---

func (s *Storage) LeverageSetting(ctx context.Context, ownerId int64) (models.LeverageSetting, error) {
	const op = "postgres.LeverageSetting"
	const query = `
		SELECT owner_id, max_leverage, preferred_leverage, default_mode,
		       auto_deleverage, liquidation_warning
		FROM leverage_settings WHERE owner_id = $1`
	var setting models.LeverageSetting
	err := s.db.QueryRow(ctx, query, ownerId).Scan(
		&setting.OwnerId,
		&setting.MaxLeverage,
		&setting.PreferredLeverage,
		&setting.DefaultMode,
		&setting.AutoDeleverage,
		&setting.LiquidationWarning,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LeverageSetting{}, fmt.Errorf("%s: %w", op, models.ErrAccountNotFound)
	}
	if err != nil {
		slog.Error("failed to get leverage setting", "op", op, "owner_id", ownerId, "err", err)
		return models.LeverageSetting{}, fmt.Errorf("%s: %w", op, err)
	}
	return setting, nil
}

// --- positions ---

// InsertPosition reserves the collateral from the owner's wallet and inserts
// the position row in one transaction.
func (s *Storage) InsertPosition(ctx context.Context, p models.Position) error {
	const op = "postgres.InsertPosition"
	log := slog.With("op", op, "position_id", p.Id)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		log.Error("failed to begin transaction", "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	var balance decimal.Decimal
	err = tx.QueryRow(ctx, `
		UPDATE wallet_accounts SET balance = balance - $1
		WHERE owner_id = $2 AND balance >= $1
		RETURNING balance`,
		p.Collateral, p.OwnerId,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		log.Info("insufficient funds for collateral reserve", "owner_id", p.OwnerId)
		return fmt.Errorf("%s: %w", op, models.ErrInsufficientFunds)
	}
	if err != nil {
		log.Error("failed to reserve collateral", "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO positions(`+positionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		p.Id, p.OwnerId, p.PairId, p.Pair, p.Side, p.Leverage, p.Mode,
		p.EntryPrice, p.Size, p.Collateral, p.LiquidationPrice, p.RealizedPnL,
		p.FeesAccrued, p.StopLoss, p.TakeProfit, p.ClosePrice, p.CloseReason,
		p.Status, p.Version, p.OpenedAt, p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		log.Error("failed to insert position", "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		log.Error("failed to commit transaction", "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetPosition(ctx context.Context, id uuid.UUID) (models.Position, error) {
	const op = "postgres.GetPosition"
	row := s.db.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrPositionNotFound)
	}
	if err != nil {
		slog.Error("failed to get position", "op", op, "id", id, "err", err)
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

func (s *Storage) OwnerPositions(ctx context.Context, ownerId int64) ([]models.Position, error) {
	const op = "postgres.OwnerPositions"
	return s.queryPositions(ctx, op,
		`SELECT `+positionColumns+` FROM positions WHERE owner_id = $1 ORDER BY opened_at`, ownerId)
}

func (s *Storage) OpenPositionsByPair(ctx context.Context, pair string) ([]models.Position, error) {
	const op = "postgres.OpenPositionsByPair"
	return s.queryPositions(ctx, op,
		`SELECT `+positionColumns+` FROM positions WHERE pair = $1 AND status = 'open'`, pair)
}

func (s *Storage) OpenCrossPositions(ctx context.Context, ownerId int64) ([]models.Position, error) {
	const op = "postgres.OpenCrossPositions"
	return s.queryPositions(ctx, op,
		`SELECT `+positionColumns+` FROM positions WHERE owner_id = $1 AND mode = 'cross' AND status = 'open'`, ownerId)
}

func (s *Storage) AllOpenPositions(ctx context.Context) ([]models.Position, error) {
	const op = "postgres.AllOpenPositions"
	return s.queryPositions(ctx, op,
		`SELECT `+positionColumns+` FROM positions WHERE status = 'open'`)
}

// UpdatePosition writes the mutated snapshot guarded by the version CAS and
// moves the collateral delta against the wallet in the same transaction.
// A positive delta reserves more collateral, a negative one releases.
func (s *Storage) UpdatePosition(ctx context.Context, p models.Position, expectedVersion int64, collateralDelta decimal.Decimal) error {
	const op = "postgres.UpdatePosition"
	log := slog.With("op", op, "position_id", p.Id)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		log.Error("failed to begin transaction", "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	if err := casUpdate(ctx, tx, p, expectedVersion); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if !collateralDelta.IsZero() {
		if collateralDelta.IsPositive() {
			var balance decimal.Decimal
			err = tx.QueryRow(ctx, `
				UPDATE wallet_accounts SET balance = balance - $1
				WHERE owner_id = $2 AND balance >= $1
				RETURNING balance`,
				collateralDelta, p.OwnerId,
			).Scan(&balance)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%s: %w", op, models.ErrInsufficientFunds)
			}
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE wallet_accounts SET balance = balance + $1 WHERE owner_id = $2`,
				collateralDelta.Neg(), p.OwnerId)
		}
		if err != nil {
			log.Error("failed to move collateral", "err", err)
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		log.Error("failed to commit transaction", "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ClosePosition flips the position to its terminal state and credits the
// released collateral, both behind the version CAS.
func (s *Storage) ClosePosition(ctx context.Context, p models.Position, expectedVersion int64, release decimal.Decimal) error {
	const op = "postgres.ClosePosition"
	log := slog.With("op", op, "position_id", p.Id)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		log.Error("failed to begin transaction", "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	if err := casUpdate(ctx, tx, p, expectedVersion); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := creditRelease(ctx, tx, p.OwnerId, release); err != nil {
		log.Error("failed to release collateral", "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		log.Error("failed to commit transaction", "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// LiquidatePosition is ClosePosition plus the liquidation-record append. The
// record is committed with the state flip, so a crash after a successful
// return can never leave a liquidated position without its audit entry.
func (s *Storage) LiquidatePosition(ctx context.Context, p models.Position, expectedVersion int64, release decimal.Decimal, rec models.LiquidationRecord) error {
	const op = "postgres.LiquidatePosition"
	log := slog.With("op", op, "position_id", p.Id)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		log.Error("failed to begin transaction", "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	if err := casUpdate(ctx, tx, p, expectedVersion); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := creditRelease(ctx, tx, p.OwnerId, release); err != nil {
		log.Error("failed to release collateral", "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO liquidation_records(`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rec.Id, rec.PositionId, rec.OwnerId, rec.Pair, rec.Side, rec.EntryPrice,
		rec.LiquidationPrice, rec.MarkPrice, rec.Size, rec.Leverage, rec.Loss,
		rec.RemainingCollateral, rec.Type, rec.CreatedAt,
	)
	if err != nil {
		log.Error("failed to append liquidation record", "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		log.Error("failed to commit transaction", "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// --- liquidation records ---

func (s *Storage) LiquidationsByOwner(ctx context.Context, ownerId int64) ([]models.LiquidationRecord, error) {
	const op = "postgres.LiquidationsByOwner"
	return s.queryRecords(ctx, op,
		`SELECT `+recordColumns+` FROM liquidation_records WHERE owner_id = $1 ORDER BY created_at`, ownerId)
}

func (s *Storage) LiquidationsByPosition(ctx context.Context, positionId uuid.UUID) ([]models.LiquidationRecord, error) {
	const op = "postgres.LiquidationsByPosition"
	return s.queryRecords(ctx, op,
		`SELECT `+recordColumns+` FROM liquidation_records WHERE position_id = $1 ORDER BY created_at`, positionId)
}

// --- helpers ---

func casUpdate(ctx context.Context, tx pgx.Tx, p models.Position, expectedVersion int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE positions SET
			collateral = $1, liquidation_price = $2, realized_pnl = $3,
			fees_accrued = $4, stop_loss = $5, take_profit = $6,
			close_price = $7, close_reason = $8, status = $9,
			version = $10, updated_at = $11, closed_at = $12
		WHERE id = $13 AND version = $14 AND status = 'open'`,
		p.Collateral, p.LiquidationPrice, p.RealizedPnL,
		p.FeesAccrued, p.StopLoss, p.TakeProfit,
		p.ClosePrice, p.CloseReason, p.Status,
		p.Version, p.UpdatedAt, p.ClosedAt,
		p.Id, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrVersionConflict
	}
	return nil
}

func creditRelease(ctx context.Context, tx pgx.Tx, ownerId int64, release decimal.Decimal) error {
	if release.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE wallet_accounts SET balance = balance + $1 WHERE owner_id = $2`,
		release, ownerId)
	return err
}

func (s *Storage) queryPositions(ctx context.Context, op, query string, args ...any) ([]models.Position, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		slog.Error("position query failed", "op", op, "err", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			slog.Error("failed to scan position", "op", op, "err", err)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Storage) queryRecords(ctx context.Context, op, query string, args ...any) ([]models.LiquidationRecord, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		slog.Error("record query failed", "op", op, "err", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.LiquidationRecord
	for rows.Next() {
		var rec models.LiquidationRecord
		err := rows.Scan(
			&rec.Id, &rec.PositionId, &rec.OwnerId, &rec.Pair, &rec.Side,
			&rec.EntryPrice, &rec.LiquidationPrice, &rec.MarkPrice, &rec.Size,
			&rec.Leverage, &rec.Loss, &rec.RemainingCollateral, &rec.Type,
			&rec.CreatedAt,
		)
		if err != nil {
			slog.Error("failed to scan liquidation record", "op", op, "err", err)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanPosition(row pgx.Row) (models.Position, error) {
	var p models.Position
	err := row.Scan(
		&p.Id, &p.OwnerId, &p.PairId, &p.Pair, &p.Side, &p.Leverage, &p.Mode,
		&p.EntryPrice, &p.Size, &p.Collateral, &p.LiquidationPrice, &p.RealizedPnL,
		&p.FeesAccrued, &p.StopLoss, &p.TakeProfit, &p.ClosePrice, &p.CloseReason,
		&p.Status, &p.Version, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	return p, err
}
