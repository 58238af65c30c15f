package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/journal"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/scheduler"
)

type (
	sleepInput struct {
		Duration string `json:"duration"`
	}

	waitInput struct {
		SignalID string `json:"signal_id"`
		Timeout  string `json:"timeout,omitempty"`
	}
)

// SleepFor suspends the workflow for a human duration ("2 seconds",
// "1 hour", "30 days"). The timer is a delayed stream message, so it
// survives process restarts.
func (c *Context) SleepFor(duration string) error {
	idx := c.next()
	if e := c.lookup(idx); e != nil {
		return replay(e, nil)
	}

	d, err := scheduler.ParseDuration(duration)
	if err != nil {
		return err
	}
	e := c.newEntry(idx, journal.KindSleep, journal.StatePending)
	if e.Input, err = json.Marshal(sleepInput{Duration: duration}); err != nil {
		return err
	}
	cm := Commit{Entry: e, StatusDelta: 1}
	if d != scheduler.Infinite {
		msg, err := api.NewMessage(api.MessageTimer, c.info.JobID, api.TimerPayload{
			JobID:     c.info.JobID,
			Dimension: c.info.Dimension,
			Index:     idx,
			Attempt:   c.info.Attempt,
		})
		if err != nil {
			return err
		}
		cm.Outbound = []Outbound{{
			Stream: keys.EngineStream(c.info.Namespace, c.info.TaskQueue),
			Msg:    msg,
			Delay:  d,
		}}
	}
	if err := c.commit(cm); err != nil {
		return err
	}
	return fault.ErrSuspended
}

// WaitFor suspends until the named signal arrives, unmarshaling its payload
// into out. A non-empty timeout bounds the wait; an expired wait replays as
// a 504 fault at this call site. Signals sent before the wait begins are
// parked on the job and consumed here without suspending.
func (c *Context) WaitFor(signalID string, out any, timeout string) error {
	idx := c.next()
	if e := c.lookup(idx); e != nil {
		return replay(e, out)
	}

	input, err := json.Marshal(waitInput{SignalID: signalID, Timeout: timeout})
	if err != nil {
		return err
	}

	// A parked signal resolves the wait in one commit.
	data, parked, err := c.rt.GetParkedSignal(c.ctx, c.info.JobID, signalID)
	if err != nil {
		return err
	}
	if parked {
		e := c.newEntry(idx, journal.KindWaitFor, journal.StateResolved)
		e.Input = input
		e.Result = data
		if err := c.commit(Commit{
			Entry: e,
			Del:   []string{keys.ParkedSignalField(signalID)},
		}); err != nil {
			return err
		}
		return replay(e, out)
	}

	e := c.newEntry(idx, journal.KindWaitFor, journal.StatePending)
	e.Input = input
	cm := Commit{
		Entry:       e,
		StatusDelta: 1,
		Set: []api.Attr{{
			Field: keys.WaitField(signalID),
			Value: fmt.Sprintf("%s|%d", c.info.Dimension, idx),
			Type:  api.FieldOther,
		}},
	}
	if timeout != "" {
		d, err := scheduler.ParseDuration(timeout)
		if err != nil {
			return err
		}
		if d != scheduler.Infinite {
			msg, err := api.NewMessage(api.MessageTimer, c.info.JobID, api.TimerPayload{
				JobID:     c.info.JobID,
				Dimension: c.info.Dimension,
				Index:     idx,
				Timeout:   true,
				Attempt:   c.info.Attempt,
			})
			if err != nil {
				return err
			}
			cm.Outbound = []Outbound{{
				Stream: keys.EngineStream(c.info.Namespace, c.info.TaskQueue),
				Msg:    msg,
				Delay:  d,
			}}
		}
	}
	if err := c.commit(cm); err != nil {
		return err
	}
	return fault.ErrSuspended
}
