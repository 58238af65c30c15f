// Package inmem provides the in-process provider: Store, Bus, Notifier,
// Search and Pruner backed by mutex-guarded maps. It implements the full
// transactional contract, so engine and client tests run against the same
// semantics the durable providers expose, without external services.
package inmem

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/entity"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
)

type (
	// Provider implements every store contract over in-process state. Safe
	// for concurrent use; a single mutex serializes commits, which also
	// provides the transactional atomicity guarantee.
	Provider struct {
		mu sync.Mutex

		jobs    map[string]*api.Job            // job key -> row
		hashes  map[string]map[string]api.Attr // key -> field -> attr
		kv      map[string]string
		streams map[string]*memStream

		subMu  sync.Mutex
		subSeq int
		subs   map[string]map[int]*subscription
	}

	memStream struct {
		nextID   int64
		messages []*memMsg
		// lastAdd supports age-based trim and prune.
		lastAdd time.Time
	}

	memMsg struct {
		id         string
		msg        *api.Message
		visibleAt  time.Time
		reservedAt time.Time
		reservedBy string
		createdAt  time.Time
	}
)

// New returns an empty in-memory provider.
func New() *Provider {
	return &Provider{
		jobs:    make(map[string]*api.Job),
		hashes:  make(map[string]map[string]api.Attr),
		kv:      make(map[string]string),
		streams: make(map[string]*memStream),
		subs:    make(map[string]map[int]*subscription),
	}
}

// CreateJob inserts the job row and initial attributes. Duplicate creates
// return a CollationError so redelivered start messages are suppressed.
func (p *Provider) CreateJob(ctx context.Context, job *api.Job, attrs []api.Attr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := keys.Job(job.Namespace, job.ID)
	if _, exists := p.jobs[key]; exists {
		return &fault.CollationError{Fault: "duplicate", JobID: job.ID}
	}
	cp := *job
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	p.jobs[key] = &cp
	h := p.hash(key)
	for _, a := range attrs {
		h[a.Field] = a
	}
	h[keys.FieldStatus] = api.Attr{Field: keys.FieldStatus, Value: strconv.FormatInt(cp.Status, 10), Type: api.FieldStatus}
	return nil
}

// GetJob loads the job row, reflecting the live status counter.
func (p *Provider) GetJob(ctx context.Context, namespace, jobID string) (*api.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getJobLocked(namespace, jobID)
}

func (p *Provider) getJobLocked(namespace, jobID string) (*api.Job, error) {
	key := keys.Job(namespace, jobID)
	job, ok := p.jobs[key]
	if !ok {
		return nil, &fault.GetStateError{JobID: jobID}
	}
	cp := *job
	if a, ok := p.hashes[key][keys.FieldStatus]; ok {
		if n, err := strconv.ParseInt(a.Value, 10, 64); err == nil {
			cp.Status = n
		}
	}
	return &cp, nil
}

// SetExpire stamps the retention deadline.
func (p *Provider) SetExpire(ctx context.Context, namespace, jobID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[keys.Job(namespace, jobID)]
	if !ok {
		return &fault.GetStateError{JobID: jobID}
	}
	t := at.UTC()
	job.ExpireAt = &t
	return nil
}

func (p *Provider) hash(key string) map[string]api.Attr {
	h, ok := p.hashes[key]
	if !ok {
		h = make(map[string]api.Attr)
		p.hashes[key] = h
	}
	return h
}

// HGet returns one hash field value.
func (p *Provider) HGet(ctx context.Context, key, field string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.hashes[key][field]
	return a.Value, ok, nil
}

// HMGet returns the present subset of the requested fields.
func (p *Provider) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if a, ok := p.hashes[key][f]; ok {
			out[f] = a.Value
		}
	}
	return out, nil
}

// HGetAll returns every attribute of the hash.
func (p *Provider) HGetAll(ctx context.Context, key string) ([]api.Attr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.hashes[key]
	out := make([]api.Attr, 0, len(h))
	for _, a := range h {
		out = append(out, a)
	}
	return out, nil
}

// HSet writes attributes.
func (p *Provider) HSet(ctx context.Context, key string, attrs ...api.Attr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.hash(key)
	for _, a := range attrs {
		h[a.Field] = a
	}
	return nil
}

// HIncrBy adjusts an integer field, creating it at zero.
func (p *Provider) HIncrBy(ctx context.Context, key, field string, by int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hincrLocked(key, field, by), nil
}

func (p *Provider) hincrLocked(key, field string, by int64) int64 {
	h := p.hash(key)
	var n int64
	if a, ok := h[field]; ok {
		n, _ = strconv.ParseInt(a.Value, 10, 64)
	}
	n += by
	typ := api.FieldOther
	if field == keys.FieldStatus {
		typ = api.FieldStatus
	}
	h[field] = api.Attr{Field: field, Value: strconv.FormatInt(n, 10), Type: typ}
	return n
}

// HDel removes fields.
func (p *Provider) HDel(ctx context.Context, key string, fields ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

// Get returns a plain key value.
func (p *Provider) Get(ctx context.Context, key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.kv[key]
	return v, ok, nil
}

// Set writes a plain key value.
func (p *Provider) Set(ctx context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kv[key] = value
	return nil
}

// Del removes a plain key.
func (p *Provider) Del(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.kv, key)
	return nil
}

// UpdateEntity applies one entity mutation under the provider lock. The
// optional claim attribute is written HSetNX in the same step.
func (p *Provider) UpdateEntity(ctx context.Context, namespace, jobID string, op entity.Op, claim store.EntityClaim) (json.RawMessage, json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := keys.Job(namespace, jobID)
	if _, ok := p.jobs[key]; !ok {
		return nil, nil, &fault.GetStateError{JobID: jobID}
	}
	h := p.hash(key)
	var doc []byte
	if a, ok := h[keys.FieldEntity]; ok {
		doc = []byte(a.Value)
	}
	newDoc, result, err := entity.Apply(doc, op)
	if err != nil {
		return nil, nil, err
	}
	if claim != nil {
		attr, err := claim(result)
		if err != nil {
			return nil, nil, err
		}
		if _, taken := h[attr.Field]; taken {
			dim, idx := splitEntryField(attr.Field)
			return nil, nil, &fault.CollationError{Fault: "duplicate", JobID: jobID, Dimension: dim, Index: idx}
		}
		h[attr.Field] = attr
	}
	h[keys.FieldEntity] = api.Attr{Field: keys.FieldEntity, Value: string(newDoc), Type: api.FieldUData}
	return newDoc, result, nil
}

// splitEntryField extracts dimension and index from a journal field name for
// error reporting. Non-journal fields yield zero values.
func splitEntryField(field string) (string, int) {
	if !strings.HasPrefix(field, "h:") {
		return "", 0
	}
	rest := field[2:]
	sep := strings.LastIndexByte(rest, ':')
	if sep < 0 {
		return "", 0
	}
	idx, _ := strconv.Atoi(rest[sep+1:])
	return rest[:sep], idx
}
