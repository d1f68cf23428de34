package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentflow/internal/domain"
)

type Postgres struct{ pool *pgxpool.Pool }

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS agentflow_results (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  handler TEXT NOT NULL,
  status TEXT NOT NULL,
  success BOOLEAN NOT NULL,
  ended_at TIMESTAMPTZ NOT NULL,
  record JSONB NOT NULL,
  archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

func (p *Postgres) Put(ctx context.Context, rec domain.Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", rec.Item.ID, err)
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO agentflow_results (id,type,handler,status,success,ended_at,record)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, success=EXCLUDED.success,
  ended_at=EXCLUDED.ended_at, record=EXCLUDED.record, archived_at=now()`,
		rec.Item.ID, rec.Item.Type, string(rec.Result.Handler), string(rec.Result.Status),
		rec.Result.Success, rec.Result.EndedAt, blob)
	return err
}

func (p *Postgres) Get(ctx context.Context, id string) (domain.Record, error) {
	var blob []byte
	err := p.pool.QueryRow(ctx, `SELECT record FROM agentflow_results WHERE id=$1`, id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Record{}, ErrNotFound
	}
	if err != nil {
		return domain.Record{}, err
	}
	var rec domain.Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return domain.Record{}, fmt.Errorf("archive: decode %s: %w", id, err)
	}
	return rec, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
