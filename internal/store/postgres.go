package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/demoshop/funnel-analytics/internal/domain"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is the durable persistence layer: the event log plus the
// rollup, identity and watermark tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and fails fast if the database
// is unreachable.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema() error {
	_, err := p.pool.Exec(context.Background(), schemaSQL)
	return err
}

// Ping is used by the readiness endpoint to validate connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// Append persists an event. Duplicate detection is enforced by the primary
// key on event_id, which is compatible with retries and at-least-once
// delivery.
func (p *PostgresStore) Append(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}

	// RETURNING 1 only when inserted; duplicates return no rows.
	var one int
	err = p.pool.QueryRow(ctx, `
		INSERT INTO events(event_id, time_bucket, event_type, occurred_at, payload)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING 1
	`, ev.ID, ev.Bucket(), string(ev.Kind), ev.OccurredAt.UTC(), payload).Scan(&one)

	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrDuplicateEvent
	}
	return err
}

// Scan streams events in (since, until], ordered by (occurred_at, event_id).
func (p *PostgresStore) Scan(ctx context.Context, since, until time.Time, fn func(domain.Event) error) error {
	rows, err := p.pool.Query(ctx, `
		SELECT event_id, event_type, occurred_at, payload
		FROM events
		WHERE occurred_at >  $1
		  AND occurred_at <= $2
		ORDER BY occurred_at, event_id
	`, since.UTC(), until.UTC())
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev      domain.Event
			kind    string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.OccurredAt, &payload); err != nil {
			return err
		}
		ev.Kind = domain.Kind(kind)
		ev.OccurredAt = ev.OccurredAt.UTC()
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return err
			}
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Watermark returns the committed watermark for the granularity, or the zero
// time when no advance has run yet.
func (p *PostgresStore) Watermark(ctx context.Context, g domain.Granularity) (time.Time, error) {
	var w time.Time
	err := p.pool.QueryRow(ctx, `
		SELECT watermark FROM rollup_watermarks WHERE granularity=$1
	`, string(g)).Scan(&w)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return w.UTC(), nil
}

// CommitRollup writes buckets, identity records and the watermark in one
// transaction. A crash mid-commit leaves the watermark unchanged and the next
// advance re-derives the same buckets; bucket rows are replaced wholesale so
// recomputation with identical inputs yields identical rows.
func (p *PostgresStore) CommitRollup(ctx context.Context, c RollupCommit) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, b := range c.Buckets {
		boundary := b.Boundary.UTC()
		for _, table := range []string{"rollup_buckets", "rollup_transitions", "rollup_defects"} {
			if _, err := tx.Exec(ctx,
				`DELETE FROM `+table+` WHERE bucket=$1 AND granularity=$2`,
				boundary, string(c.Granularity)); err != nil {
				return err
			}
		}
		for stage, n := range b.StageCounts {
			if _, err := tx.Exec(ctx, `
				INSERT INTO rollup_buckets(bucket, granularity, stage, entity_count)
				VALUES ($1,$2,$3,$4)
			`, boundary, string(c.Granularity), string(stage), n); err != nil {
				return err
			}
		}
		for tr, n := range b.Transitions {
			if _, err := tx.Exec(ctx, `
				INSERT INTO rollup_transitions(bucket, granularity, from_stage, to_stage, n)
				VALUES ($1,$2,$3,$4,$5)
			`, boundary, string(c.Granularity), string(tr.From), string(tr.To), n); err != nil {
				return err
			}
		}
		for entityID, reason := range b.Defects {
			if _, err := tx.Exec(ctx, `
				INSERT INTO rollup_defects(bucket, granularity, entity_id, reason)
				VALUES ($1,$2,$3,$4)
			`, boundary, string(c.Granularity), entityID, reason); err != nil {
				return err
			}
		}
	}

	for _, r := range c.Entities {
		if _, err := tx.Exec(ctx, `
			INSERT INTO entities(entity_id, kind, owner_id, email, plan_id, amount, created_at, deactivated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (entity_id) DO UPDATE SET
				owner_id       = EXCLUDED.owner_id,
				email          = EXCLUDED.email,
				plan_id        = EXCLUDED.plan_id,
				amount         = EXCLUDED.amount,
				created_at     = EXCLUDED.created_at,
				deactivated_at = EXCLUDED.deactivated_at
		`, r.ID, string(r.Kind), r.OwnerID, r.Email, r.PlanID, r.Amount, r.CreatedAt.UTC(), r.DeactivatedAt); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO rollup_watermarks(granularity, watermark, updated_at)
		VALUES ($1,$2,now())
		ON CONFLICT (granularity) DO UPDATE SET
			watermark = EXCLUDED.watermark,
			updated_at = now()
	`, string(c.Granularity), c.Watermark.UTC()); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// StageCounts reads the distribution of the bucket keyed by boundary.
func (p *PostgresStore) StageCounts(ctx context.Context, g domain.Granularity, boundary time.Time) (map[domain.Stage]int64, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT stage, entity_count
		FROM rollup_buckets
		WHERE bucket=$1 AND granularity=$2
	`, boundary.UTC(), string(g))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[domain.Stage]int64{}
	for rows.Next() {
		var (
			stage string
			n     int64
		)
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		out[domain.Stage(stage)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, domain.ErrNotFound
	}
	return out, nil
}

// LatestBucket returns the nearest materialized boundary at or before asOf.
func (p *PostgresStore) LatestBucket(ctx context.Context, g domain.Granularity, asOf time.Time) (time.Time, error) {
	var boundary time.Time
	err := p.pool.QueryRow(ctx, `
		SELECT bucket
		FROM rollup_buckets
		WHERE granularity=$1 AND bucket <= $2
		ORDER BY bucket DESC
		LIMIT 1
	`, string(g), asOf.UTC()).Scan(&boundary)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, domain.ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return boundary.UTC(), nil
}

// TransitionCounts sums transition counters over boundaries in (from, to].
func (p *PostgresStore) TransitionCounts(ctx context.Context, g domain.Granularity, from, to time.Time) (map[domain.Transition]int64, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT from_stage, to_stage, SUM(n)
		FROM rollup_transitions
		WHERE granularity=$1
		  AND bucket >  $2
		  AND bucket <= $3
		GROUP BY from_stage, to_stage
	`, string(g), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[domain.Transition]int64{}
	for rows.Next() {
		var (
			fromStage, toStage string
			n                  int64
		)
		if err := rows.Scan(&fromStage, &toStage, &n); err != nil {
			return nil, err
		}
		out[domain.Transition{From: domain.Stage(fromStage), To: domain.Stage(toStage)}] = n
	}
	return out, rows.Err()
}
