package keys

import (
	"strings"
	"testing"

	"github.com/memflowio/memflow/api"
)

func TestSafeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"MyApp", "myapp"},
		{"my app v2", "my_app_v2"},
		{"a--b__c", "a_b_c"},
		{"trailing!", "trailing"},
		{"", "connections"},
		{"!!!", "connections"},
		{strings.Repeat("a", 100), strings.Repeat("a", 63)},
	}
	for _, c := range cases {
		if got := SafeName(c.in); got != c.want {
			t.Errorf("SafeName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSymKeyVal(t *testing.T) {
	k, err := SymKey(0)
	if err != nil || k != "aaa" {
		t.Fatalf("SymKey(0) = %q, %v", k, err)
	}
	k, err = SymKey(52*52*52 - 1)
	if err != nil || k != "ZZZ" {
		t.Fatalf("SymKey(max) = %q, %v", k, err)
	}
	if _, err := SymKey(52 * 52 * 52); err == nil {
		t.Fatal("SymKey out of range should fail")
	}
	v, err := SymVal(53)
	if err != nil || v != "bb" {
		t.Fatalf("SymVal(53) = %q, %v", v, err)
	}
	if _, err := SymVal(-1); err == nil {
		t.Fatal("SymVal(-1) should fail")
	}

	// Distinctness over the full key range is what callers rely on.
	seen := map[string]bool{}
	for n := 0; n < 52*52; n++ {
		v, err := SymVal(n)
		if err != nil {
			t.Fatal(err)
		}
		if seen[v] {
			t.Fatalf("SymVal collision at %d: %q", n, v)
		}
		seen[v] = true
	}
}

func TestJobKeyRoundTrip(t *testing.T) {
	key := Job("My App", "Habc123")
	if key != "mf:my_app:j:Habc123" {
		t.Fatalf("Job = %q", key)
	}
	ns, id, ok := ParseJob(key)
	if !ok || ns != "my_app" || id != "Habc123" {
		t.Fatalf("ParseJob = %q, %q, %v", ns, id, ok)
	}
	if _, _, ok := ParseJob("not:a:job"); ok {
		t.Fatal("ParseJob should reject malformed keys")
	}
}

func TestStreamConventions(t *testing.T) {
	eng := EngineStream("ns", "orders")
	wrk := WorkerStream("ns", "orders")
	if !IsEngineStream(eng) {
		t.Fatalf("engine stream %q not recognized", eng)
	}
	if IsEngineStream(wrk) {
		t.Fatalf("worker stream %q misrecognized as engine", wrk)
	}
	if eng != wrk+":" {
		t.Fatalf("engine stream should be worker stream plus colon: %q vs %q", eng, wrk)
	}
}

func TestTypeOf(t *testing.T) {
	cases := []struct {
		field string
		want  api.FieldType
	}{
		{FieldStatus, api.FieldStatus},
		{FieldEntity, api.FieldUData},
		{"_city", api.FieldUData},
		{FieldResult, api.FieldJData},
		{FieldError, api.FieldJData},
		{MarkField("0", 3), api.FieldJMark},
		{EntryField("0", 1), api.FieldHMark},
		{NotaryField("0", 1), api.FieldHMark},
		{HookDimField("Hx"), api.FieldHMark},
		{DoneField("0"), api.FieldHMark},
		{FieldWorkflow, api.FieldOther},
	}
	for _, c := range cases {
		if got := TypeOf(c.field); got != c.want {
			t.Errorf("TypeOf(%q) = %q, want %q", c.field, got, c.want)
		}
	}
}
