// Package store defines the persistence and transport contracts every
// backend provider implements: the durable key/value+hash Store with queued
// transactions, the at-least-once StreamBus with reservation semantics, the
// job event Notifier, and the entity SearchIndex.
//
// Providers ship in the subpackages inmem, redis and postgres. The engine
// only ever talks to these interfaces; a single provider connection supplies
// all of them so state writes, status updates and outbound publishes commit
// in one transaction.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/entity"
)

type (
	// Store is the durable key/value and hash surface. Hash keys are minted
	// by the keys package; providers map them onto their native layout
	// (Redis hashes, Postgres jobs/jobs_attributes rows, in-memory maps).
	Store interface {
		// CreateJob inserts the job row and its initial attributes. A second
		// create for the same job returns a *fault.CollationError with fault
		// "duplicate", which callers suppress under redelivery.
		CreateJob(ctx context.Context, job *api.Job, attrs []api.Attr) error

		// GetJob loads the job row. Absent jobs return *fault.GetStateError.
		GetJob(ctx context.Context, namespace, jobID string) (*api.Job, error)

		// SetExpire stamps the retention deadline on a terminal job.
		SetExpire(ctx context.Context, namespace, jobID string, at time.Time) error

		HGet(ctx context.Context, key, field string) (string, bool, error)
		HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error)
		HGetAll(ctx context.Context, key string) ([]api.Attr, error)
		HSet(ctx context.Context, key string, attrs ...api.Attr) error
		HIncrBy(ctx context.Context, key, field string, by int64) (int64, error)
		HDel(ctx context.Context, key string, fields ...string) error

		Get(ctx context.Context, key string) (string, bool, error)
		Set(ctx context.Context, key, value string) error
		Del(ctx context.Context, key string) error

		// Transact returns a transaction that queues commands; nothing is
		// applied until Exec. The transaction shares the provider connection
		// with the Bus and Notifier so publishes ride the same commit.
		Transact() Transaction

		// UpdateEntity applies one entity mutation atomically with respect
		// to other entity ops on the same job, returning the new document
		// and the op result. When claim is non-nil it is invoked with the
		// op result and the returned attribute is written HSetNX in the
		// same atomic step; a lost claim aborts the mutation with a
		// duplicate *fault.CollationError. The engine derives the journal
		// entry from the claim so replayed steps never re-apply the op.
		UpdateEntity(ctx context.Context, namespace, jobID string, op entity.Op, claim EntityClaim) (doc, result json.RawMessage, err error)
	}

	// Transaction queues commands for a single atomic commit. Exec returns
	// one Result per queued command in order. After Exec the transaction is
	// spent.
	Transaction interface {
		HSet(key string, attrs ...api.Attr)
		// HSetNX claims a field that must be absent. If another writer
		// already holds it, Exec aborts the entire transaction and returns a
		// *fault.CollationError with fault "duplicate": none of the queued
		// commands apply. This is what makes leg commits exactly-once under
		// at-least-once redelivery.
		HSetNX(key string, attr api.Attr)
		HIncrBy(key, field string, by int64)
		HDel(key string, fields ...string)
		// SetExpire stamps the job row retention deadline.
		SetExpire(namespace, jobID string, at time.Time)
		// Publish appends a stream message to the batch. Delay defers
		// visibility, implementing timers and retry backoff.
		Publish(stream string, msg *api.Message, delay time.Duration)
		// Notify publishes on a job event topic as part of the commit.
		Notify(topic string, payload []byte)
		Exec(ctx context.Context) ([]Result, error)
	}

	// EntityClaim builds the exactly-once claim attribute for an entity
	// mutation once its result is known. Providers write it HSetNX inside
	// the mutation's atomic step.
	EntityClaim func(result json.RawMessage) (api.Attr, error)

	// Result is the typed outcome of one transaction command.
	Result struct {
		// Int carries counter values from HIncrBy.
		Int int64
		// ID carries the assigned message ID for Publish commands.
		ID string
	}

	// PublishOptions configures a direct (non-transactional) publish.
	PublishOptions struct {
		// Delay defers message visibility by the given duration.
		Delay time.Duration
	}

	// ConsumeOptions bounds one consume call.
	ConsumeOptions struct {
		// BatchSize caps the number of messages returned. Defaults to 10.
		BatchSize int
		// Reservation is how long returned messages stay invisible to other
		// consumers. Defaults to 30s. Crashed consumers release their
		// reservations by expiry.
		Reservation time.Duration
		// Block bounds how long the call may wait for messages to arrive.
		// Zero returns immediately.
		Block time.Duration
	}

	// TrimOptions bounds stream retention.
	TrimOptions struct {
		// MaxLen retains at most this many entries when positive.
		MaxLen int64
		// MaxAge drops entries older than this when positive.
		MaxAge time.Duration
	}

	// Bus is the ordered, at-least-once message transport between engines
	// and workers. Ordering is FIFO per stream; reservations act as
	// distributed locks with TTL. Consumers must be idempotent.
	Bus interface {
		Publish(ctx context.Context, stream string, msgs []*api.Message, opts PublishOptions) ([]string, error)
		Consume(ctx context.Context, stream string, group api.Group, consumer string, opts ConsumeOptions) ([]*api.Message, error)
		// Ack permanently removes handled messages.
		Ack(ctx context.Context, stream string, group api.Group, ids []string) error
		Trim(ctx context.Context, stream string, opts TrimOptions) (int64, error)
		Depth(ctx context.Context, stream string) (int64, error)
		DeleteStream(ctx context.Context, stream string) error
	}

	// Subscription is a live feed over a notification topic.
	Subscription interface {
		// C returns the payload channel. It closes when the subscription
		// closes.
		C() <-chan []byte
		Close()
	}

	// Notifier carries job event feeds: terminal events consumed by result
	// subscribers, plus user emissions.
	Notifier interface {
		Notify(ctx context.Context, topic string, payload []byte) error
		Subscribe(ctx context.Context, topic string) (Subscription, error)
	}

	// SearchOp enumerates comparison operators for indexed lookup.
	SearchOp string

	// FindOptions pages search results.
	FindOptions struct {
		Limit  int
		Offset int
	}

	// SearchResult couples the durable job key with a JSON context snapshot
	// of the indexed entity fields.
	SearchResult struct {
		Key     string         `json:"key"`
		Context map[string]any `json:"context"`
	}

	// Search is the indexed lookup surface over entity fields, scoped by
	// entity type within a namespace.
	Search interface {
		// Find returns jobs whose entity fields equal every condition value.
		Find(ctx context.Context, entityType string, conditions map[string]string, opts FindOptions) ([]SearchResult, error)
		FindByID(ctx context.Context, entityType, jobID string) (*SearchResult, error)
		FindByCondition(ctx context.Context, entityType, field, value string, op SearchOp, opts FindOptions) ([]SearchResult, error)
		// CreateIndex installs a provider-appropriate index on the field.
		CreateIndex(ctx context.Context, entityType, field string) error
	}

	// PruneOptions parameterizes housekeeping.
	PruneOptions struct {
		Retention       time.Duration
		PruneJobs       bool
		PruneStreams    bool
		StripAttributes bool
		EntityList      []string
		PruneTransient  bool
		KeepHMark       bool
	}

	// PruneResult reports what housekeeping removed.
	PruneResult struct {
		Jobs       int64 `json:"deleted_jobs"`
		Streams    int64 `json:"deleted_streams"`
		Attributes int64 `json:"stripped_attributes"`
		Transient  int64 `json:"deleted_transient"`
		Marked     int64 `json:"marked_pruned"`
	}

	// Pruner is implemented by providers that support housekeeping.
	Pruner interface {
		Prune(ctx context.Context, opts PruneOptions) (*PruneResult, error)
	}
)

// Search operators.
const (
	OpEq   SearchOp = "="
	OpGt   SearchOp = ">"
	OpLt   SearchOp = "<"
	OpGte  SearchOp = ">="
	OpLte  SearchOp = "<="
	OpLike SearchOp = "LIKE"
	OpIn   SearchOp = "IN"
)

// Consume defaults.
const (
	DefaultBatchSize   = 10
	DefaultReservation = 30 * time.Second
)

// Normalize fills zero fields with defaults.
func (o ConsumeOptions) Normalize() ConsumeOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Reservation <= 0 {
		o.Reservation = DefaultReservation
	}
	return o
}
