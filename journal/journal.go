// Package journal implements the per-job replay log: an append-only record
// of execution decisions indexed by (dimension, execIndex). During replay
// each durable primitive looks up its slot; a recorded entry short-circuits
// re-execution, an absent one triggers the effect and appends the result.
//
// Entries persist as hmark attributes of the job hash, so they commit in the
// same transaction as status updates and outbound publishes, and they are
// reclaimed by housekeeping once the job completes.
package journal

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/keys"
)

// Kind classifies journal entries by the primitive that produced them.
type Kind string

const (
	KindActivity   Kind = "activity-call"
	KindChildExec  Kind = "child-exec"
	KindChildStart Kind = "child-start"
	KindSleep      Kind = "sleep"
	KindWaitFor    Kind = "wait-for"
	KindSignal     Kind = "signal"
	KindRandom     Kind = "random"
	KindTrace      Kind = "trace"
	KindEmit       Kind = "emit"
	KindEntity     Kind = "entity"
)

// State tracks an entry through its legs.
type State string

const (
	// StatePending means leg 1 committed and the workflow is suspended on
	// this slot.
	StatePending State = "pending"
	// StateResolved means leg 2 recorded a result.
	StateResolved State = "resolved"
	// StateFailed means leg 2 recorded a fault; replay surfaces it as an
	// error at the call site.
	StateFailed State = "failed"
)

// RootDimension is the dimensional thread of the main workflow body. Hooks
// and re-entered cycles run under dimensions minted by the Collator.
const RootDimension = "0"

type (
	// Entry is one journal record. Dimension and Index locate it; they are
	// encoded in the attribute field name, not the value.
	Entry struct {
		Dimension string `json:"-"`
		Index     int    `json:"-"`

		Kind       Kind            `json:"kind"`
		State      State           `json:"state"`
		Input      json.RawMessage `json:"input,omitempty"`
		Result     json.RawMessage `json:"result,omitempty"`
		Err        *fault.Envelope `json:"error,omitempty"`
		Attempt    int             `json:"attempt,omitempty"`
		CreatedAt  time.Time       `json:"created_at"`
		ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	}

	// Tape is the in-memory replay snapshot of a job's journal, loaded once
	// per step and consulted by every primitive.
	Tape struct {
		entries map[string]map[int]*Entry
	}
)

// Field returns the attribute field name storing this entry.
func (e *Entry) Field() string {
	return keys.EntryField(e.Dimension, e.Index)
}

// Attr serializes the entry as an hmark attribute.
func (e *Entry) Attr() (api.Attr, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return api.Attr{}, err
	}
	return api.Attr{Field: e.Field(), Value: string(raw), Type: api.FieldHMark}, nil
}

// Resolved reports whether the entry holds a final result or fault.
func (e *Entry) Resolved() bool {
	return e.State == StateResolved || e.State == StateFailed
}

// ParseField splits an entry attribute field name into dimension and index.
// Returns ok=false for fields that are not journal entries.
func ParseField(field string) (dimension string, index int, ok bool) {
	if !strings.HasPrefix(field, "h:") {
		return "", 0, false
	}
	rest := field[2:]
	sep := strings.LastIndexByte(rest, ':')
	if sep < 0 {
		return "", 0, false
	}
	idx, err := strconv.Atoi(rest[sep+1:])
	if err != nil {
		return "", 0, false
	}
	return rest[:sep], idx, true
}

// Decode reconstructs an entry from its attribute form.
func Decode(attr api.Attr) (*Entry, error) {
	dim, idx, ok := ParseField(attr.Field)
	if !ok {
		return nil, fmt.Errorf("not a journal field: %q", attr.Field)
	}
	var e Entry
	if err := json.Unmarshal([]byte(attr.Value), &e); err != nil {
		return nil, fmt.Errorf("corrupt journal entry %q: %w", attr.Field, err)
	}
	e.Dimension = dim
	e.Index = idx
	return &e, nil
}

// LoadTape builds the replay snapshot from a job's attributes, ignoring
// everything that is not a journal entry.
func LoadTape(attrs []api.Attr) (*Tape, error) {
	t := &Tape{entries: make(map[string]map[int]*Entry)}
	for _, a := range attrs {
		if _, _, ok := ParseField(a.Field); !ok {
			continue
		}
		e, err := Decode(a)
		if err != nil {
			return nil, err
		}
		t.put(e)
	}
	return t, nil
}

func (t *Tape) put(e *Entry) {
	dim := t.entries[e.Dimension]
	if dim == nil {
		dim = make(map[int]*Entry)
		t.entries[e.Dimension] = dim
	}
	dim[e.Index] = e
}

// Lookup returns the entry at (dimension, index) or nil.
func (t *Tape) Lookup(dimension string, index int) *Entry {
	return t.entries[dimension][index]
}

// Record adds an entry to the snapshot. Used by the engine after committing
// a new entry so subsequent primitives in the same step observe it.
func (t *Tape) Record(e *Entry) {
	t.put(e)
}

// PendingCount returns the number of unresolved entries across dimensions.
func (t *Tape) PendingCount() int {
	n := 0
	for _, dim := range t.entries {
		for _, e := range dim {
			if e.State == StatePending {
				n++
			}
		}
	}
	return n
}

// Entries returns every entry on the tape ordered by dimension, then index.
func (t *Tape) Entries() []*Entry {
	var out []*Entry
	for _, dim := range t.entries {
		for _, e := range dim {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dimension != out[j].Dimension {
			return out[i].Dimension < out[j].Dimension
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// Dimensions lists the dimensional threads present on the tape.
func (t *Tape) Dimensions() []string {
	dims := make([]string, 0, len(t.entries))
	for d := range t.entries {
		dims = append(dims, d)
	}
	return dims
}
