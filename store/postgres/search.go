package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
)

// numericPattern guards numeric casts in comparison conditions; non-numeric
// values fall back to text comparison, matching the scan providers.
const numericPattern = `^-?\d+(\.\d+)?$`

// searchBaseSQL joins jobs with their entity document.
const searchBaseSQL = `
	SELECT j.key, j.job_id, a.value
	FROM jobs j
	LEFT JOIN jobs_attributes a ON a.job_key = j.key AND a.field = '` + keys.FieldEntity + `'
	WHERE j.entity = $1`

// Find returns jobs of the entity type whose fields equal every condition.
func (p *Provider) Find(ctx context.Context, entityType string, conditions map[string]string, opts store.FindOptions) ([]store.SearchResult, error) {
	var sb strings.Builder
	sb.WriteString(searchBaseSQL)
	args := []any{entityType}
	for field, want := range conditions {
		cond, condArgs := buildCond(field, want, store.OpEq, len(args)+1)
		sb.WriteString(" AND " + cond)
		args = append(args, condArgs...)
	}
	return p.querySearch(ctx, sb.String(), args, opts)
}

// FindByID looks up one job by primary key.
func (p *Provider) FindByID(ctx context.Context, entityType, jobID string) (*store.SearchResult, error) {
	var key, id string
	var doc *string
	err := p.pool.QueryRow(ctx, searchBaseSQL+` AND j.job_id = $2`, entityType, jobID).
		Scan(&key, &id, &doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &store.SearchResult{Key: key, Context: store.ContextSnapshot(id, docBytes(doc))}, nil
}

// FindByCondition returns jobs matching one field comparison.
func (p *Provider) FindByCondition(ctx context.Context, entityType, field, value string, op store.SearchOp, opts store.FindOptions) ([]store.SearchResult, error) {
	cond, condArgs := buildCond(field, value, op, 2)
	sql := searchBaseSQL + " AND " + cond
	args := append([]any{entityType}, condArgs...)
	return p.querySearch(ctx, sql, args, opts)
}

// CreateIndex installs an expression index over the entity document path.
func (p *Provider) CreateIndex(ctx context.Context, entityType, field string) error {
	name := pgx.Identifier{keys.SafeName("search_" + entityType + "_" + field)}.Sanitize()
	sql := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON jobs_attributes ((value::jsonb #>> string_to_array('%s', '.'))) WHERE field = '%s'`,
		name, strings.ReplaceAll(field, "'", "''"), keys.FieldEntity)
	_, err := p.pool.Exec(ctx, sql)
	return err
}

func (p *Provider) querySearch(ctx context.Context, sql string, args []any, opts store.FindOptions) ([]store.SearchResult, error) {
	sql += " ORDER BY j.key"
	if opts.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.SearchResult
	for rows.Next() {
		var key, id string
		var doc *string
		if err := rows.Scan(&key, &id, &doc); err != nil {
			return nil, err
		}
		out = append(out, store.SearchResult{Key: key, Context: store.ContextSnapshot(id, docBytes(doc))})
	}
	return out, rows.Err()
}

// buildCond compiles one field comparison into SQL. n is the placeholder
// index of the first argument.
func buildCond(field, want string, op store.SearchOp, n int) (string, []any) {
	expr := fmt.Sprintf("(a.value::jsonb #>> string_to_array($%d, '.'))", n)
	args := []any{field, want}
	val := fmt.Sprintf("$%d", n+1)
	switch op {
	case store.OpEq:
		return fmt.Sprintf("%s = %s", expr, val), args
	case store.OpLike:
		return fmt.Sprintf("%s LIKE %s", expr, val), args
	case store.OpIn:
		return fmt.Sprintf("%s IN (SELECT trim(x) FROM unnest(string_to_array(%s, ',')) AS x)", expr, val), args
	case store.OpGt, store.OpLt, store.OpGte, store.OpLte:
		return fmt.Sprintf(`CASE WHEN %s ~ '%s' AND %s ~ '%s'
			THEN %s::numeric %s %s::numeric
			ELSE %s %s %s END`,
			expr, numericPattern, val, numericPattern,
			expr, op, val,
			expr, op, val), args
	default:
		// Unsupported operators match nothing.
		return "false", args
	}
}

func docBytes(doc *string) []byte {
	if doc == nil {
		return nil
	}
	return []byte(*doc)
}
