package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/memflowio/memflow/entity"
)

// MatchDoc evaluates one field comparison against an entity document.
// Scan-based providers share it; SQL providers compile conditions into the
// query instead.
func MatchDoc(doc []byte, field, want string, op SearchOp) (bool, error) {
	raw, exists, err := entity.Get(doc, field)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, err
	}
	got := stringifyValue(v)

	switch op {
	case OpEq:
		return got == want, nil
	case OpLike:
		return likeMatch(got, want), nil
	case OpIn:
		for _, cand := range strings.Split(want, ",") {
			if got == strings.TrimSpace(cand) {
				return true, nil
			}
		}
		return false, nil
	case OpGt, OpLt, OpGte, OpLte:
		gf, gerr := strconv.ParseFloat(got, 64)
		wf, werr := strconv.ParseFloat(want, 64)
		if gerr != nil || werr != nil {
			// Fall back to lexicographic comparison for non-numerics.
			return compareStrings(got, want, op), nil
		}
		switch op {
		case OpGt:
			return gf > wf, nil
		case OpLt:
			return gf < wf, nil
		case OpGte:
			return gf >= wf, nil
		default:
			return gf <= wf, nil
		}
	default:
		return false, fmt.Errorf("unsupported search op %q", op)
	}
}

// ContextSnapshot builds a search result context: the entity document with
// the primary key removed, plus the id under "$id".
func ContextSnapshot(jobID string, doc []byte) map[string]any {
	ctx := map[string]any{}
	if len(doc) > 0 {
		_ = json.Unmarshal(doc, &ctx)
	}
	delete(ctx, "id")
	ctx["$id"] = jobID
	return ctx
}

func compareStrings(got, want string, op SearchOp) bool {
	switch op {
	case OpGt:
		return got > want
	case OpLt:
		return got < want
	case OpGte:
		return got >= want
	default:
		return got <= want
	}
}

// likeMatch implements SQL LIKE with % wildcards at either end.
func likeMatch(got, pattern string) bool {
	pre := strings.HasPrefix(pattern, "%")
	suf := strings.HasSuffix(pattern, "%")
	core := strings.TrimSuffix(strings.TrimPrefix(pattern, "%"), "%")
	switch {
	case pre && suf:
		return strings.Contains(got, core)
	case pre:
		return strings.HasSuffix(got, core)
	case suf:
		return strings.HasPrefix(got, core)
	default:
		return got == pattern
	}
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, _ := json.Marshal(v)
		return string(raw)
	}
}
