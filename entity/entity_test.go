package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustApply(t *testing.T, doc []byte, op Op) ([]byte, json.RawMessage) {
	t.Helper()
	newDoc, result, err := Apply(doc, op)
	require.NoError(t, err, "apply %s", op.Kind)
	return newDoc, result
}

func TestApplySetAndMerge(t *testing.T) {
	doc, result := mustApply(t, nil, Op{Kind: OpSet, Value: json.RawMessage(`{"name":"ada","tags":["a"]}`)})
	assert.JSONEq(t, string(doc), string(result), "set result should be the document")

	doc, _ = mustApply(t, doc, Op{Kind: OpMerge, Value: json.RawMessage(`{"age":36,"tags":["b"]}`)})
	var m map[string]any
	require.NoError(t, json.Unmarshal(doc, &m))
	assert.Equal(t, "ada", m["name"])
	assert.Equal(t, 36.0, m["age"])
	// Arrays overwrite on merge.
	assert.Equal(t, []any{"b"}, m["tags"])
}

func TestApplyDeepMerge(t *testing.T) {
	doc := []byte(`{"profile":{"city":"paris","zip":"75"}}`)
	doc, _ = mustApply(t, doc, Op{Kind: OpMerge, Value: json.RawMessage(`{"profile":{"city":"lyon"}}`)})
	raw, ok, err := Get(doc, "profile.zip")
	require.NoError(t, err)
	require.True(t, ok, "deep merge dropped sibling")
	assert.Equal(t, `"75"`, string(raw))
	raw, _, _ = Get(doc, "profile.city")
	assert.Equal(t, `"lyon"`, string(raw))
}

func TestApplyAppendPrepend(t *testing.T) {
	doc, result := mustApply(t, nil, Op{Kind: OpAppend, Path: "items", Value: json.RawMessage(`"x"`)})
	assert.Equal(t, `["x"]`, string(result))
	_, result = mustApply(t, doc, Op{Kind: OpPrepend, Path: "items", Value: json.RawMessage(`"y"`)})
	assert.Equal(t, `["y","x"]`, string(result))
	_, _, err := Apply([]byte(`{"items":5}`), Op{Kind: OpAppend, Path: "items", Value: json.RawMessage(`1`)})
	assert.Error(t, err, "append to non-array should fail")
}

func TestApplyIncrementToggleSetNX(t *testing.T) {
	doc, result := mustApply(t, nil, Op{Kind: OpIncrement, Path: "count", Delta: 2})
	assert.Equal(t, "2", string(result))
	doc, result = mustApply(t, doc, Op{Kind: OpIncrement, Path: "count", Delta: -0.5})
	assert.Equal(t, "1.5", string(result))

	doc, result = mustApply(t, doc, Op{Kind: OpToggle, Path: "on"})
	assert.Equal(t, "true", string(result), "toggle from absent")
	doc, result = mustApply(t, doc, Op{Kind: OpToggle, Path: "on"})
	assert.Equal(t, "false", string(result))

	doc, result = mustApply(t, doc, Op{Kind: OpSetIfNotExists, Path: "id", Value: json.RawMessage(`"first"`)})
	assert.Equal(t, `"first"`, string(result))
	_, result = mustApply(t, doc, Op{Kind: OpSetIfNotExists, Path: "id", Value: json.RawMessage(`"second"`)})
	assert.Equal(t, `"first"`, string(result), "setnx should keep the existing value")
}

func TestApplyTypeErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		op   Op
	}{
		{"increment on string", `{"n":"x"}`, Op{Kind: OpIncrement, Path: "n", Delta: 1}},
		{"toggle on number", `{"b":1}`, Op{Kind: OpToggle, Path: "b"}},
		{"unknown op", ``, Op{Kind: "bogus"}},
		{"non-object document", `[1,2]`, Op{Kind: OpIncrement, Path: "n", Delta: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var doc []byte
			if tc.doc != "" {
				doc = []byte(tc.doc)
			}
			_, _, err := Apply(doc, tc.op)
			assert.Error(t, err)
		})
	}
}

func TestGet(t *testing.T) {
	doc := []byte(`{"a":{"b":{"c":7}},"s":"v"}`)
	raw, ok, err := Get(doc, "a.b.c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "7", string(raw))

	_, ok, err = Get(doc, "a.x")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = Get(doc, "s.deep")
	assert.Error(t, err, "traversing through a scalar should fail")
}
