package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/memflowio/memflow/entity"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/journal"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
)

// UpdateEntity applies one entity mutation with the job row locked, so
// concurrent ops on the same job serialize. The claim attribute inserts in
// the same transaction; a contested claim rolls back with a duplicate
// CollationError.
func (p *Provider) UpdateEntity(ctx context.Context, namespace, jobID string, op entity.Op, claim store.EntityClaim) (json.RawMessage, json.RawMessage, error) {
	key := keys.Job(namespace, jobID)
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `SELECT true FROM jobs WHERE key = $1 FOR UPDATE`, key).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, &fault.GetStateError{JobID: jobID}
	}
	if err != nil {
		return nil, nil, err
	}

	var doc string
	err = tx.QueryRow(ctx,
		`SELECT value FROM jobs_attributes WHERE job_key = $1 AND field = $2`,
		key, keys.FieldEntity).Scan(&doc)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, err
	}

	newDoc, result, err := entity.Apply([]byte(doc), op)
	if err != nil {
		return nil, nil, err
	}

	if claim != nil {
		attr, err := claim(result)
		if err != nil {
			return nil, nil, err
		}
		tag, err := tx.Exec(ctx, claimAttrSQL,
			key, attr.Field, attr.Value, string(attrType(attr)))
		if err != nil {
			return nil, nil, err
		}
		if tag.RowsAffected() == 0 {
			dim, idx, _ := journal.ParseField(attr.Field)
			return nil, nil, &fault.CollationError{Fault: "duplicate", JobID: jobID, Dimension: dim, Index: idx}
		}
	}

	if _, err := tx.Exec(ctx, upsertAttrSQL,
		key, keys.FieldEntity, string(newDoc), string(keys.TypeOf(keys.FieldEntity))); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return newDoc, result, nil
}
