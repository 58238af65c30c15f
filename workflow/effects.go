package workflow

import (
	"encoding/json"
	"math"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/journal"
	"github.com/memflowio/memflow/keys"
)

// Random returns a deterministic pseudo-random value in [0, 1). The value is
// a pure function of the call's execution index, so replays reproduce it
// without consulting the store; the journal entry exists for export only.
func (c *Context) Random() float64 {
	idx := c.next()
	if e := c.lookup(idx); e != nil {
		var v float64
		if err := json.Unmarshal(e.Result, &v); err == nil {
			return v
		}
	}
	x := math.Sin(float64(idx)) * 10000
	v := x - math.Floor(x)

	e := c.newEntry(idx, journal.KindRandom, journal.StateResolved)
	e.Result, _ = json.Marshal(v)
	// Deterministic either way; a lost commit only costs the export record.
	_ = c.commit(Commit{Entry: e})
	return v
}

// Trace records a timeline marker on the job. Markers are jmark attributes:
// they survive attribute stripping and show up in exports, making them the
// durable breadcrumbs of a long-running execution. Replays skip re-recording.
func (c *Context) Trace(fields map[string]string) error {
	idx := c.next()
	if e := c.lookup(idx); e != nil {
		return replay(e, nil)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	e := c.newEntry(idx, journal.KindTrace, journal.StateResolved)
	e.Result = raw
	return c.commit(Commit{
		Entry: e,
		Set: []api.Attr{{
			Field: keys.MarkField(c.info.Dimension, idx),
			Value: string(raw),
			Type:  api.FieldJMark,
		}},
	})
}

// Emit publishes a user event on the job's notification topic. Subscribers
// opened via the client's event feed receive it live; replays do not
// re-publish.
func (c *Context) Emit(data any) error {
	idx := c.next()
	if e := c.lookup(idx); e != nil {
		return replay(e, nil)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	evt, err := json.Marshal(api.JobEvent{
		Type:  api.EventEmit,
		JobID: c.info.JobID,
		Data:  raw,
	})
	if err != nil {
		return err
	}
	e := c.newEntry(idx, journal.KindEmit, journal.StateResolved)
	e.Result = raw
	return c.commit(Commit{
		Entry: e,
		Notify: []Notification{{
			Topic:   keys.JobTopic(c.info.Namespace, c.info.JobID),
			Payload: evt,
		}},
	})
}
