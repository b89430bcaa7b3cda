package position

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PostgresStore persists positions in a positions table. A partial
// unique index on the key over Active rows makes LockNew atomic.
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewPostgresStore(db *sql.DB, log zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log.With().Str("component", "position-store").Logger()}
}

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id BIGSERIAL PRIMARY KEY,
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	direction TEXT NOT NULL,
	entry DOUBLE PRECISION NOT NULL,
	sl DOUBLE PRECISION NOT NULL,
	tp1 DOUBLE PRECISION NOT NULL,
	tp2 DOUBLE PRECISION NOT NULL,
	tp3 DOUBLE PRECISION NOT NULL,
	qty DOUBLE PRECISION NOT NULL,
	remaining_qty DOUBLE PRECISION NOT NULL,
	tp1_hit BOOLEAN NOT NULL DEFAULT FALSE,
	tp2_hit BOOLEAN NOT NULL DEFAULT FALSE,
	tp3_hit BOOLEAN NOT NULL DEFAULT FALSE,
	sl_hit BOOLEAN NOT NULL DEFAULT FALSE,
	status TEXT NOT NULL,
	closed_reason TEXT,
	opened_at TIMESTAMPTZ NOT NULL,
	closed_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS positions_active_key
	ON positions (UPPER(symbol), UPPER(timeframe)) WHERE status = 'ACTIVE';
`

// Init creates the schema if it does not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create positions schema: %w", err)
	}
	return nil
}

const positionColumns = `symbol, timeframe, direction, entry, sl, tp1, tp2, tp3,
	qty, remaining_qty, tp1_hit, tp2_hit, tp3_hit, sl_hit, status, closed_reason, opened_at, closed_at`

func scanPosition(row interface{ Scan(...any) error }) (*Position, error) {
	var p Position
	var reason sql.NullString
	var closedAt sql.NullTime
	err := row.Scan(&p.Symbol, &p.Timeframe, &p.Direction, &p.Entry, &p.StopLoss,
		&p.TP1, &p.TP2, &p.TP3, &p.Quantity, &p.RemainingQty,
		&p.TP1Hit, &p.TP2Hit, &p.TP3Hit, &p.SLHit, &p.Status, &reason, &p.OpenedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	if reason.Valid {
		p.ClosedReason = CloseReason(reason.String)
	}
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return &p, nil
}

func (s *PostgresStore) GetActive(ctx context.Context, symbol, timeframe string) (*Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE UPPER(symbol)=UPPER($1) AND UPPER(timeframe)=UPPER($2) AND status='ACTIVE'`,
		symbol, timeframe)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		// degrade to "no active position" instead of wedging the caller
		s.log.Error().Err(err).Str("key", Key(symbol, timeframe)).Msg("corrupted position row, treating as none")
		return nil, nil
	}
	return p, nil
}

func (s *PostgresStore) ActivePositions(ctx context.Context) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions WHERE status='ACTIVE' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			s.log.Error().Err(err).Msg("corrupted position row skipped")
			continue
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate positions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) LockNew(ctx context.Context, p Position) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, fmt.Errorf("invalid position: %w", err)
	}
	if p.RemainingQty == 0 {
		p.RemainingQty = p.Quantity
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,FALSE,FALSE,FALSE,FALSE,'ACTIVE',NULL,$11,NULL)
		ON CONFLICT (UPPER(symbol), UPPER(timeframe)) WHERE status='ACTIVE' DO NOTHING`,
		p.Symbol, p.Timeframe, string(p.Direction), p.Entry, p.StopLoss,
		p.TP1, p.TP2, p.TP3, p.Quantity, p.RemainingQty, p.OpenedAt)
	if err != nil {
		return false, fmt.Errorf("failed to lock new position for %s: %w", p.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock result for %s: %w", p.Key(), err)
	}
	return n == 1, nil
}

func (s *PostgresStore) UpdateFromPrice(ctx context.Context, symbol, timeframe string, price float64) (*Position, []Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE UPPER(symbol)=UPPER($1) AND UPPER(timeframe)=UPPER($2) AND status='ACTIVE'
		FOR UPDATE`,
		symbol, timeframe)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load position for %s: %w", Key(symbol, timeframe), err)
	}

	events := p.ApplyPrice(price, time.Now().UTC())
	if len(events) == 0 {
		return p, nil, nil
	}

	if err := writePositionState(ctx, tx, p, symbol, timeframe); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("transaction commit failed: %w", err)
	}
	return p, events, nil
}

func (s *PostgresStore) RecordExit(ctx context.Context, symbol, timeframe string, ev Event, remaining float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE UPPER(symbol)=UPPER($1) AND UPPER(timeframe)=UPPER($2) AND status='ACTIVE'
		FOR UPDATE`,
		symbol, timeframe)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load position for %s: %w", Key(symbol, timeframe), err)
	}

	p.RecordExit(ev, remaining, time.Now().UTC())
	if err := writePositionState(ctx, tx, p, symbol, timeframe); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("transaction commit failed: %w", err)
	}
	return nil
}

func writePositionState(ctx context.Context, tx *sql.Tx, p *Position, symbol, timeframe string) error {
	var reason any
	if p.ClosedReason != "" {
		reason = string(p.ClosedReason)
	}
	var closedAt any
	if !p.ClosedAt.IsZero() {
		closedAt = p.ClosedAt
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE positions SET tp1_hit=$1, tp2_hit=$2, tp3_hit=$3, sl_hit=$4,
			remaining_qty=$5, status=$6, closed_reason=$7, closed_at=$8
		WHERE UPPER(symbol)=UPPER($9) AND UPPER(timeframe)=UPPER($10) AND status='ACTIVE'`,
		p.TP1Hit, p.TP2Hit, p.TP3Hit, p.SLHit, p.RemainingQty,
		string(p.Status), reason, closedAt, symbol, timeframe)
	if err != nil {
		return fmt.Errorf("failed to update position for %s: %w", Key(symbol, timeframe), err)
	}
	return nil
}

func (s *PostgresStore) CloseExternal(ctx context.Context, symbol, timeframe string, reason CloseReason) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status='CLOSED', closed_reason=$1, closed_at=$2, remaining_qty=0
		WHERE UPPER(symbol)=UPPER($3) AND UPPER(timeframe)=UPPER($4) AND status='ACTIVE'`,
		string(reason), time.Now().UTC(), symbol, timeframe)
	if err != nil {
		return fmt.Errorf("failed to close position for %s: %w", Key(symbol, timeframe), err)
	}
	return nil
}
