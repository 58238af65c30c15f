// Package entity implements the mutation operations of the per-job entity
// document: a JSON tree addressed by dotted paths with a small fixed op set.
// The functions here are pure; providers apply them inside per-job
// transactions so concurrent mutations serialize.
package entity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OpKind enumerates the entity mutations.
type OpKind string

const (
	OpSet            OpKind = "set"
	OpMerge          OpKind = "merge"
	OpAppend         OpKind = "append"
	OpPrepend        OpKind = "prepend"
	OpIncrement      OpKind = "increment"
	OpToggle         OpKind = "toggle"
	OpSetIfNotExists OpKind = "setnx"
)

// Op describes one mutation. Path is a dotted path ("a.b.c"); Set and Merge
// ignore it and address the whole document. Value carries the operand for
// Set, Merge, Append, Prepend and SetIfNotExists; Delta carries the increment
// amount.
type Op struct {
	Kind  OpKind          `json:"kind"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Delta float64         `json:"delta,omitempty"`
}

// Apply executes op against the serialized document and returns the new
// document plus the op result (the document for Set/Merge, the new value at
// the path for the others). A nil or empty doc is treated as an empty object.
func Apply(doc []byte, op Op) (newDoc []byte, result json.RawMessage, err error) {
	root := map[string]any{}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &root); err != nil {
			return nil, nil, fmt.Errorf("entity document is not an object: %w", err)
		}
	}

	switch op.Kind {
	case OpSet:
		var repl map[string]any
		if err := json.Unmarshal(op.Value, &repl); err != nil {
			return nil, nil, fmt.Errorf("set requires an object value: %w", err)
		}
		root = repl

	case OpMerge:
		var partial map[string]any
		if err := json.Unmarshal(op.Value, &partial); err != nil {
			return nil, nil, fmt.Errorf("merge requires an object value: %w", err)
		}
		root = deepMerge(root, partial)

	case OpAppend, OpPrepend:
		cur, exists, err := resolve(root, op.Path)
		if err != nil {
			return nil, nil, err
		}
		var arr []any
		if exists {
			a, ok := cur.([]any)
			if !ok {
				return nil, nil, fmt.Errorf("path %q is not an array", op.Path)
			}
			arr = a
		}
		var item any
		if err := json.Unmarshal(op.Value, &item); err != nil {
			return nil, nil, err
		}
		if op.Kind == OpAppend {
			arr = append(arr, item)
		} else {
			arr = append([]any{item}, arr...)
		}
		if err := assign(root, op.Path, arr); err != nil {
			return nil, nil, err
		}

	case OpIncrement:
		cur, exists, err := resolve(root, op.Path)
		if err != nil {
			return nil, nil, err
		}
		n := 0.0
		if exists {
			f, ok := cur.(float64)
			if !ok {
				return nil, nil, fmt.Errorf("path %q is not numeric", op.Path)
			}
			n = f
		}
		n += op.Delta
		if err := assign(root, op.Path, n); err != nil {
			return nil, nil, err
		}

	case OpToggle:
		cur, exists, err := resolve(root, op.Path)
		if err != nil {
			return nil, nil, err
		}
		b := false
		if exists {
			v, ok := cur.(bool)
			if !ok {
				return nil, nil, fmt.Errorf("path %q is not boolean", op.Path)
			}
			b = v
		}
		if err := assign(root, op.Path, !b); err != nil {
			return nil, nil, err
		}

	case OpSetIfNotExists:
		_, exists, err := resolve(root, op.Path)
		if err != nil {
			return nil, nil, err
		}
		if !exists {
			var v any
			if err := json.Unmarshal(op.Value, &v); err != nil {
				return nil, nil, err
			}
			if err := assign(root, op.Path, v); err != nil {
				return nil, nil, err
			}
		}

	default:
		return nil, nil, fmt.Errorf("unknown entity op %q", op.Kind)
	}

	newDoc, err = json.Marshal(root)
	if err != nil {
		return nil, nil, err
	}
	switch op.Kind {
	case OpSet, OpMerge:
		result = newDoc
	default:
		cur, _, rerr := resolve(root, op.Path)
		if rerr != nil {
			return nil, nil, rerr
		}
		result, err = json.Marshal(cur)
		if err != nil {
			return nil, nil, err
		}
	}
	return newDoc, result, nil
}

// Get returns the raw JSON value at the dotted path of doc. The second return
// reports whether the path exists.
func Get(doc []byte, path string) (json.RawMessage, bool, error) {
	root := map[string]any{}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &root); err != nil {
			return nil, false, err
		}
	}
	cur, exists, err := resolve(root, path)
	if err != nil || !exists {
		return nil, false, err
	}
	raw, err := json.Marshal(cur)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// deepMerge recursively merges partial into base. Nested objects merge;
// arrays and scalars overwrite at their leaf path.
func deepMerge(base, partial map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	for k, v := range partial {
		pm, pok := v.(map[string]any)
		bm, bok := base[k].(map[string]any)
		if pok && bok {
			base[k] = deepMerge(bm, pm)
			continue
		}
		base[k] = v
	}
	return base
}

// resolve walks the dotted path and returns the value found there.
// Intermediate segments that exist but are not objects produce an error;
// absent segments report exists=false.
func resolve(root map[string]any, path string) (any, bool, error) {
	if path == "" {
		return root, true, nil
	}
	segs := strings.Split(path, ".")
	cur := any(root)
	for i, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false, fmt.Errorf("path %q traverses a non-object at %q", path, strings.Join(segs[:i], "."))
		}
		next, exists := m[seg]
		if !exists {
			return nil, false, nil
		}
		cur = next
	}
	return cur, true, nil
}

// assign writes value at the dotted path, creating intermediate objects.
func assign(root map[string]any, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty entity path")
	}
	segs := strings.Split(path, ".")
	cur := root
	for i, seg := range segs[:len(segs)-1] {
		next, exists := cur[seg]
		if !exists {
			child := map[string]any{}
			cur[seg] = child
			cur = child
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q traverses a non-object at %q", path, strings.Join(segs[:i+1], "."))
		}
		cur = m
	}
	cur[segs[len(segs)-1]] = value
	return nil
}
