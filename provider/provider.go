// Package provider connects backend providers from a tagged config and pools
// connections so engines, workers and clients sharing a task queue share one
// backend connection.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/memflowio/memflow/store"
	"github.com/memflowio/memflow/store/inmem"
	"github.com/memflowio/memflow/store/postgres"
	"github.com/memflowio/memflow/store/redis"
)

// Backend tags selectable in Config.
const (
	BackendInMem    = "inmem"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type (
	// Config selects and parameterizes a backend.
	Config struct {
		// Backend is one of "inmem", "redis", "postgres".
		Backend string `json:"backend"`
		// DSN is the Postgres connection string (postgres backend).
		DSN string `json:"dsn,omitempty"`
		// Addr is the Redis address (redis backend).
		Addr string `json:"addr,omitempty"`
		// Password is the Redis password (redis backend).
		Password string `json:"password,omitempty"`
		// DB is the Redis database number (redis backend).
		DB int `json:"db,omitempty"`
		// Namespace scopes keys and, for Postgres, the schema.
		Namespace string `json:"namespace"`
	}

	// Connection bundles the provider surfaces one backend connection
	// exposes. Search and Pruner are nil when the backend lacks them.
	Connection struct {
		Store    store.Store
		Bus      store.Bus
		Notifier store.Notifier
		Search   store.Search
		Pruner   store.Pruner

		close func()
	}

	// Stats reports pool usage for introspection.
	Stats struct {
		// Total is the number of live pooled connections.
		Total int `json:"total"`
		// PerTaskQueue counts connections by task queue.
		PerTaskQueue map[string]int `json:"per_task_queue"`
		// Reused counts Connect calls served from the pool.
		Reused int64 `json:"reused"`
	}

	pooled struct {
		conn *Connection
		tq   string
		refs int
	}
)

var (
	poolMu sync.Mutex
	pool   = map[string]*pooled{}
	reused int64
)

// Connect returns the backend connection for (taskQueue, config), reusing a
// pooled connection when one exists.
func Connect(ctx context.Context, taskQueue string, cfg Config) (*Connection, error) {
	key, err := poolKey(taskQueue, cfg)
	if err != nil {
		return nil, err
	}
	poolMu.Lock()
	defer poolMu.Unlock()
	if pc, ok := pool[key]; ok {
		pc.refs++
		reused++
		return pc.conn, nil
	}
	conn, err := open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pool[key] = &pooled{conn: conn, tq: taskQueue, refs: 1}
	return conn, nil
}

// Release drops one reference to the (taskQueue, config) connection, closing
// it when no users remain.
func Release(taskQueue string, cfg Config) {
	key, err := poolKey(taskQueue, cfg)
	if err != nil {
		return
	}
	poolMu.Lock()
	defer poolMu.Unlock()
	pc, ok := pool[key]
	if !ok {
		return
	}
	pc.refs--
	if pc.refs > 0 {
		return
	}
	delete(pool, key)
	if pc.conn.close != nil {
		pc.conn.close()
	}
}

// PoolStats returns a snapshot of pool usage.
func PoolStats() Stats {
	poolMu.Lock()
	defer poolMu.Unlock()
	st := Stats{
		Total:        len(pool),
		PerTaskQueue: map[string]int{},
		Reused:       reused,
	}
	for _, pc := range pool {
		st.PerTaskQueue[pc.tq]++
	}
	return st
}

func open(ctx context.Context, cfg Config) (*Connection, error) {
	switch cfg.Backend {
	case BackendInMem, "":
		p := inmem.New()
		return &Connection{Store: p, Bus: p, Notifier: p, Search: p, Pruner: p}, nil
	case BackendRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		p, err := redis.New(redis.Options{Client: rdb})
		if err != nil {
			rdb.Close()
			return nil, err
		}
		return &Connection{
			Store: p, Bus: p, Notifier: p, Search: p, Pruner: p,
			close: func() { rdb.Close() },
		}, nil
	case BackendPostgres:
		p, err := postgres.New(ctx, postgres.Options{DSN: cfg.DSN, Namespace: cfg.Namespace})
		if err != nil {
			return nil, err
		}
		return &Connection{
			Store: p, Bus: p, Notifier: p, Search: p, Pruner: p,
			close: p.Close,
		}, nil
	default:
		return nil, fmt.Errorf("provider: unknown backend %q", cfg.Backend)
	}
}

// poolKey hashes the config so equal configs share a connection regardless of
// field order in the caller.
func poolKey(taskQueue string, cfg Config) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return taskQueue + "\x00" + hex.EncodeToString(sum[:8]), nil
}

// sortedQueues is a test hook listing pooled task queues.
func sortedQueues() []string {
	poolMu.Lock()
	defer poolMu.Unlock()
	qs := make([]string, 0, len(pool))
	for _, pc := range pool {
		qs = append(qs, pc.tq)
	}
	sort.Strings(qs)
	return qs
}
