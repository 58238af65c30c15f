// Package postgres provides the PostgreSQL-backed provider: jobs and
// attributes in relational tables, stream transport on a hash-partitioned
// queue table with SKIP LOCKED reservations, LISTEN/NOTIFY event feeds, SQL
// search over entity documents and a prune() housekeeping function.
//
// Each namespace gets its own schema; goose migrations create the tables on
// connect.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

type (
	// Options configures the provider.
	Options struct {
		// DSN is the PostgreSQL connection string. Required unless Pool is
		// set.
		DSN string
		// Namespace selects the schema; it is safe-named before use.
		// Required.
		Namespace string
		// Pool overrides DSN with an existing pool. The pool's search_path
		// must already point at the namespace schema.
		Pool *pgxpool.Pool
		// SkipMigrations connects without running migrations.
		SkipMigrations bool
	}

	// Provider implements Store, Bus, Notifier, Search and Pruner over
	// PostgreSQL.
	Provider struct {
		pool   *pgxpool.Pool
		schema string
	}
)

// New connects, migrates the namespace schema and returns the provider.
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("postgres: namespace is required")
	}
	schema := keys.SafeName(opts.Namespace)

	pool := opts.Pool
	if pool == nil {
		if opts.DSN == "" {
			return nil, fmt.Errorf("postgres: dsn is required")
		}
		cfg, err := pgxpool.ParseConfig(opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: parse dsn: %w", err)
		}
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
		if pool, err = pgxpool.NewWithConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("postgres: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: ping: %w", err)
		}
	}

	p := &Provider{pool: pool, schema: schema}
	if !opts.SkipMigrations {
		if err := p.migrate(ctx); err != nil {
			if opts.Pool == nil {
				pool.Close()
			}
			return nil, err
		}
	}
	return p, nil
}

// Close releases the connection pool.
func (p *Provider) Close() {
	p.pool.Close()
}

// migrate creates the schema and applies the embedded goose migrations.
func (p *Provider) migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{p.schema}.Sanitize()); err != nil {
		return fmt.Errorf("postgres: create schema: %w", err)
	}
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	goose.SetTableName(p.schema + ".goose_db_version")
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// CreateJob inserts the job row and initial attributes. Duplicate creates
// return a CollationError so redelivered start messages are suppressed.
func (p *Provider) CreateJob(ctx context.Context, job *api.Job, attrs []api.Attr) error {
	key := keys.Job(job.Namespace, job.ID)
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO jobs (key, job_id, namespace, entity, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), now())
		ON CONFLICT (key) DO NOTHING`,
		key, job.ID, job.Namespace, job.Entity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &fault.CollationError{Fault: "duplicate", JobID: job.ID}
	}

	batch := &pgx.Batch{}
	batch.Queue(upsertAttrSQL, key, keys.FieldStatus, strconv.FormatInt(job.Status, 10), string(api.FieldStatus))
	for _, a := range attrs {
		batch.Queue(upsertAttrSQL, key, a.Field, a.Value, string(attrType(a)))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetJob loads the job row, reflecting the live status counter.
func (p *Provider) GetJob(ctx context.Context, namespace, jobID string) (*api.Job, error) {
	key := keys.Job(namespace, jobID)
	job := &api.Job{ID: jobID, Namespace: namespace}
	var entity *string
	var status *string
	err := p.pool.QueryRow(ctx, `
		SELECT j.entity, j.created_at, j.expire_at, j.pruned_at, a.value
		FROM jobs j
		LEFT JOIN jobs_attributes a ON a.job_key = j.key AND a.field = $2
		WHERE j.key = $1`,
		key, keys.FieldStatus).
		Scan(&entity, &job.CreatedAt, &job.ExpireAt, &job.PrunedAt, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &fault.GetStateError{JobID: jobID}
	}
	if err != nil {
		return nil, err
	}
	if entity != nil {
		job.Entity = *entity
	}
	if status != nil {
		job.Status, _ = strconv.ParseInt(*status, 10, 64)
	}
	return job, nil
}

// SetExpire stamps the retention deadline; the prune() function reclaims the
// row once it passes.
func (p *Provider) SetExpire(ctx context.Context, namespace, jobID string, at time.Time) error {
	_, err := p.pool.Exec(ctx, `UPDATE jobs SET expire_at = $2 WHERE key = $1`,
		keys.Job(namespace, jobID), at.UTC())
	return err
}

// upsertAttrSQL writes one attribute, last write wins.
const upsertAttrSQL = `
	INSERT INTO jobs_attributes (job_key, field, value, type)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (job_key, field) DO UPDATE SET value = EXCLUDED.value`

// claimAttrSQL writes one attribute only if the field is free.
const claimAttrSQL = `
	INSERT INTO jobs_attributes (job_key, field, value, type)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (job_key, field) DO NOTHING`

// incrAttrSQL adjusts an integer attribute, creating it at the delta.
const incrAttrSQL = `
	INSERT INTO jobs_attributes (job_key, field, value, type)
	VALUES ($1, $2, $3::bigint::text, $4)
	ON CONFLICT (job_key, field)
	DO UPDATE SET value = (jobs_attributes.value::bigint + $3::bigint)::text
	RETURNING value::bigint`

// HGet returns one attribute value.
func (p *Provider) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var v string
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM jobs_attributes WHERE job_key = $1 AND field = $2`,
		key, field).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// HMGet returns the present subset of the requested fields.
func (p *Provider) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT field, value FROM jobs_attributes WHERE job_key = $1 AND field = ANY($2)`,
		key, fields)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string, len(fields))
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, err
		}
		out[f] = v
	}
	return out, rows.Err()
}

// HGetAll returns every attribute of the job.
func (p *Provider) HGetAll(ctx context.Context, key string) ([]api.Attr, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT field, value, type FROM jobs_attributes WHERE job_key = $1`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.Attr
	for rows.Next() {
		var a api.Attr
		if err := rows.Scan(&a.Field, &a.Value, &a.Type); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// HSet writes attributes.
func (p *Provider) HSet(ctx context.Context, key string, attrs ...api.Attr) error {
	batch := &pgx.Batch{}
	for _, a := range attrs {
		batch.Queue(upsertAttrSQL, key, a.Field, a.Value, string(attrType(a)))
	}
	return p.pool.SendBatch(ctx, batch).Close()
}

// HIncrBy adjusts an integer attribute, creating it at the delta.
func (p *Provider) HIncrBy(ctx context.Context, key, field string, by int64) (int64, error) {
	var v int64
	err := p.pool.QueryRow(ctx, incrAttrSQL,
		key, field, by, string(keys.TypeOf(field))).Scan(&v)
	return v, err
}

// HDel removes attributes.
func (p *Provider) HDel(ctx context.Context, key string, fields ...string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM jobs_attributes WHERE job_key = $1 AND field = ANY($2)`,
		key, fields)
	return err
}

// Get returns a plain key value.
func (p *Provider) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := p.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set writes a plain key value.
func (p *Provider) Set(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

// Del removes a plain key.
func (p *Provider) Del(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
	return err
}

// attrType resolves an attribute's retention type, falling back to the field
// name convention when the caller left it unset.
func attrType(a api.Attr) api.FieldType {
	if a.Type != "" {
		return a.Type
	}
	return keys.TypeOf(a.Field)
}

var (
	_ store.Store    = (*Provider)(nil)
	_ store.Bus      = (*Provider)(nil)
	_ store.Notifier = (*Provider)(nil)
	_ store.Search   = (*Provider)(nil)
	_ store.Pruner   = (*Provider)(nil)
)
