// Package keys mints the durable key names shared by every provider: job
// hash keys, stream names, notification topics, safe schema names, and the
// base-52 symbol identifiers used for compact attribute fields.
package keys

import (
	"fmt"
	"strings"

	"github.com/memflowio/memflow/api"
)

// MaxSafeNameLen is the longest schema-safe identifier, matching the
// PostgreSQL identifier limit.
const MaxSafeNameLen = 63

// SafeName sanitizes an application/namespace identifier for use as a schema
// or key prefix: lowercase, runs of non-alphanumerics collapsed to a single
// underscore, trimmed to 63 characters with no trailing underscore. Empty
// results fall back to "connections".
func SafeName(appID string) string {
	var b strings.Builder
	b.Grow(len(appID))
	lastUnderscore := false
	for _, r := range strings.ToLower(appID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	name := b.String()
	if len(name) > MaxSafeNameLen {
		name = name[:MaxSafeNameLen]
	}
	name = strings.TrimRight(name, "_")
	if name == "" {
		return "connections"
	}
	return name
}

const symAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// SymKey encodes n as a 3-character base-52 symbolic key. n must satisfy
// 0 <= n < 52^3.
func SymKey(n int) (string, error) {
	if n < 0 || n >= 52*52*52 {
		return "", fmt.Errorf("symbol key out of range: %d", n)
	}
	return string([]byte{
		symAlphabet[n/(52*52)],
		symAlphabet[(n/52)%52],
		symAlphabet[n%52],
	}), nil
}

// SymVal encodes n as a 2-character base-52 symbolic value. n must satisfy
// 0 <= n < 52^2.
func SymVal(n int) (string, error) {
	if n < 0 || n >= 52*52 {
		return "", fmt.Errorf("symbol value out of range: %d", n)
	}
	return string([]byte{
		symAlphabet[n/52],
		symAlphabet[n%52],
	}), nil
}

// prefix is the shared key namespace for all providers.
const prefix = "mf"

// Job returns the durable key of a job's state hash.
func Job(namespace, jobID string) string {
	return fmt.Sprintf("%s:%s:j:%s", prefix, SafeName(namespace), jobID)
}

// JobPattern returns the glob matching every job hash key, for scan-based
// providers.
func JobPattern() string {
	return prefix + ":*:j:*"
}

// ParseJob splits a job hash key back into namespace and job ID.
func ParseJob(key string) (namespace, jobID string, ok bool) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 || parts[0] != prefix || parts[2] != "j" {
		return "", "", false
	}
	return parts[1], parts[3], true
}

// EngineStream returns the ENGINE stream name for a task queue. Engine
// streams carry workflow steps and end with ":" by convention.
func EngineStream(namespace, taskQueue string) string {
	return fmt.Sprintf("%s:%s:%s:", prefix, SafeName(namespace), taskQueue)
}

// WorkerStream returns the WORKER stream name for a task queue. Worker
// streams carry activity requests and do not end with ":".
func WorkerStream(namespace, taskQueue string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, SafeName(namespace), taskQueue)
}

// IsEngineStream reports whether the stream name addresses the engine role.
func IsEngineStream(stream string) bool {
	return strings.HasSuffix(stream, ":")
}

// JobTopic returns the notification topic carrying a job's event feed
// (terminal events and user emissions).
func JobTopic(namespace, jobID string) string {
	return fmt.Sprintf("%s:%s:evt:%s", prefix, SafeName(namespace), jobID)
}

// ReplyTopic returns a one-shot reply topic for fire-and-wait calls.
func ReplyTopic(namespace, callID string) string {
	return fmt.Sprintf("%s:%s:reply:%s", prefix, SafeName(namespace), callID)
}

// Journal attribute fields. Journal entries live in the job hash under hmark
// fields keyed by dimension and execution index; auxiliary markers let the
// engine locate pending waits and child links without scanning.

// EntryField returns the attribute field storing the journal entry at the
// given dimension and execution index.
func EntryField(dimension string, index int) string {
	return fmt.Sprintf("h:%s:%d", dimension, index)
}

// NotaryField returns the attribute field claimed when a journal slot moves
// from pending to resolved. The claim makes leg-2 commits exactly-once under
// redelivery.
func NotaryField(dimension string, index int) string {
	return fmt.Sprintf("n:%s:%d", dimension, index)
}

// DimFuncField returns the attribute field recording the function and
// arguments driving a dimensional thread, so continuations can re-execute it
// from the top.
func DimFuncField(dimension string) string {
	return "fn:" + dimension
}

// DoneField returns the attribute field claimed when a dimensional thread's
// function body runs to completion.
func DoneField(dimension string) string {
	return "done:" + dimension
}

// SearchField returns the attribute field storing a start-time search value.
func SearchField(name string) string {
	return "_" + name
}

// MarkField returns the attribute field storing the timeline marker emitted
// at the given journal slot. Markers are jmark attributes and survive
// attribute stripping.
func MarkField(dimension string, index int) string {
	return fmt.Sprintf("m:%s:%d", dimension, index)
}

// WaitField returns the attribute field mapping a signal ID to the journal
// slot of its pending wait.
func WaitField(signalID string) string {
	return "w:" + signalID
}

// ParkedSignalField returns the attribute field holding a signal payload that
// arrived before its wait began.
func ParkedSignalField(signalID string) string {
	return "sig:" + signalID
}

// ChildField returns the attribute field recording a child job link.
func ChildField(childID string) string {
	return "child:" + childID
}

// HookDimField returns the attribute field pinning a hook invocation to its
// minted dimension, making hook dispatch idempotent.
func HookDimField(hookID string) string {
	return "hookdim:" + hookID
}

// Reserved job hash fields.
const (
	FieldStatus    = "status"    // semaphore value
	FieldEntity    = "entity"    // entity JSON document
	FieldResult    = "jdata"     // workflow return value
	FieldError     = "jerr"      // terminal fault envelope
	FieldParent    = "parent"    // parent linkage "jobID|dimension|index"
	FieldWorkflow  = "workflow"  // workflow name
	FieldTaskQueue = "taskqueue" // owning task queue
	FieldAttempt   = "attempt"   // workflow-level retry counter
	FieldDimCount  = "dimcount"  // collator dimension counter
	FieldThrow     = "throw"     // interrupt throw suppression flag
	FieldSignalIn  = "signalin"  // inbound signal gate
	FieldExpire    = "expire"    // retention window in seconds
	FieldPolicy    = "policy"    // workflow-level retry policy
	FieldFinalized = "finalized" // terminal-processing claim
)

// TypeOf reconstructs an attribute's retention type from its field name.
// Providers with flat hash storage use it to rebuild typed attributes on
// read.
func TypeOf(field string) api.FieldType {
	switch {
	case field == FieldStatus:
		return api.FieldStatus
	case field == FieldEntity, strings.HasPrefix(field, "_"):
		return api.FieldUData
	case field == FieldResult, field == FieldError:
		return api.FieldJData
	case strings.HasPrefix(field, "m:"):
		return api.FieldJMark
	case strings.HasPrefix(field, "h:"), strings.HasPrefix(field, "n:"),
		strings.HasPrefix(field, "hookdim:"), strings.HasPrefix(field, "done:"):
		return api.FieldHMark
	default:
		return api.FieldOther
	}
}
