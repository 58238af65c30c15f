package registry

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	var stopped []string
	stop := func(id string) func(context.Context) error {
		return func(context.Context) error {
			stopped = append(stopped, id)
			return nil
		}
	}
	r.Add(&Instance{ID: "b", Kind: KindWorker, TaskQueue: "default", Shutdown: stop("b")})
	r.Add(&Instance{ID: "a", Kind: KindEngine, TaskQueue: "default", Shutdown: stop("a")})
	r.Add(&Instance{ID: "c", Kind: KindClient, TaskQueue: "default"})

	insts := r.List()
	if len(insts) != 3 || insts[0].ID != "a" || insts[2].ID != "c" {
		t.Fatalf("List = %+v", insts)
	}
	if got := r.ByKind(KindEngine); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("ByKind = %+v", got)
	}

	r.Remove("c")
	if len(r.List()) != 2 {
		t.Fatal("Remove did not unregister")
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(stopped) != 2 || stopped[0] != "a" || stopped[1] != "b" {
		t.Fatalf("shutdown order = %v", stopped)
	}
	if len(r.List()) != 0 {
		t.Fatal("Shutdown should empty the registry")
	}
}

func TestShutdownReturnsFirstError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	var last bool
	r.Add(&Instance{ID: "1", Kind: KindEngine, Shutdown: func(context.Context) error { return boom }})
	r.Add(&Instance{ID: "2", Kind: KindWorker, Shutdown: func(context.Context) error { last = true; return errors.New("later") }})

	if err := r.Shutdown(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Shutdown = %v", err)
	}
	if !last {
		t.Fatal("later instances must still shut down")
	}
}

func TestAddReplacesSameID(t *testing.T) {
	r := NewRegistry()
	r.Add(&Instance{ID: "x", Kind: KindEngine, TaskQueue: "a"})
	r.Add(&Instance{ID: "x", Kind: KindEngine, TaskQueue: "b"})
	insts := r.List()
	if len(insts) != 1 || insts[0].TaskQueue != "b" {
		t.Fatalf("List = %+v", insts)
	}
}
