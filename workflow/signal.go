package workflow

import (
	"encoding/json"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/journal"
	"github.com/memflowio/memflow/keys"
)

// Signal sends a named signal to another job. The send is fire-and-forget
// and journaled, so replays do not re-send. Signals to jobs that have not
// reached their wait yet are parked and consumed when the wait begins.
func (c *Context) Signal(jobID, signalID string, data any) error {
	idx := c.next()
	if e := c.lookup(idx); e != nil {
		return replay(e, nil)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	msg, err := api.NewMessage(api.MessageSignal, jobID, api.SignalPayload{
		JobID:    jobID,
		SignalID: signalID,
		Data:     raw,
	})
	if err != nil {
		return err
	}
	// The target may live on another task queue; route to its home engines.
	tq, err := c.rt.JobTaskQueue(c.ctx, jobID)
	if err != nil {
		return err
	}
	e := c.newEntry(idx, journal.KindSignal, journal.StateResolved)
	if e.Input, err = json.Marshal(map[string]string{"job_id": jobID, "signal_id": signalID}); err != nil {
		return err
	}
	return c.commit(Commit{
		Entry: e,
		Outbound: []Outbound{{
			Stream: keys.EngineStream(c.info.Namespace, tq),
			Msg:    msg,
		}},
	})
}
