package stepflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nevindra/stepflow/store/sqlite"
)

func testRegistryStore(t *testing.T) Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegistryDefineAndLookup(t *testing.T) {
	r := NewRegistry(testRegistryStore(t))

	called := false
	handler := func(*Context) (any, error) {
		called = true
		return nil, nil
	}
	if err := r.Define(context.Background(), "onboard", handler); err != nil {
		t.Fatalf("define: %v", err)
	}

	h, err := r.Lookup("onboard")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := h(nil); err != nil {
		t.Fatalf("invoke looked up handler: %v", err)
	}
	if !called {
		t.Fatal("expected looked up handler to be the one registered")
	}
}

func TestRegistryDefineTwiceFails(t *testing.T) {
	r := NewRegistry(testRegistryStore(t))
	handler := func(*Context) (any, error) { return nil, nil }

	if err := r.Define(context.Background(), "onboard", handler); err != nil {
		t.Fatalf("first define: %v", err)
	}
	err := r.Define(context.Background(), "onboard", handler)
	if err == nil {
		t.Fatal("expected second define to fail")
	}
	if !errors.Is(err, ErrAlreadyDefined) {
		t.Fatalf("expected ErrAlreadyDefined, got %v", err)
	}
}

func TestRegistryLookupUndefinedFails(t *testing.T) {
	r := NewRegistry(testRegistryStore(t))
	_, err := r.Lookup("ghost")
	if err == nil {
		t.Fatal("expected lookup of undefined workflow to fail")
	}
	if !errors.Is(err, ErrNotDefined) {
		t.Fatalf("expected ErrNotDefined, got %v", err)
	}
}

func TestRegistryListDefinitionsReadsThroughStore(t *testing.T) {
	store := testRegistryStore(t)
	r := NewRegistry(store)
	handler := func(*Context) (any, error) { return nil, nil }

	if err := r.Define(context.Background(), "onboard", handler, WithVersion("v1"), WithDescription("onboards a user")); err != nil {
		t.Fatalf("define: %v", err)
	}

	defs, err := r.ListDefinitions(context.Background())
	if err != nil {
		t.Fatalf("list definitions: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected 1 definition, got %d", len(defs))
	}
	if defs[0].Name != "onboard" || defs[0].Version != "v1" || defs[0].Description != "onboards a user" {
		t.Fatalf("unexpected definition: %#v", defs[0])
	}
}

func TestRegistryDefinePersistsEvenWithoutOptions(t *testing.T) {
	store := testRegistryStore(t)
	r := NewRegistry(store)
	handler := func(*Context) (any, error) { return nil, nil }

	if err := r.Define(context.Background(), "bare", handler); err != nil {
		t.Fatalf("define: %v", err)
	}

	def, err := store.GetDefinition(context.Background(), "bare")
	if err != nil {
		t.Fatalf("get definition: %v", err)
	}
	if !def.Active {
		t.Fatal("expected persisted definition to be active")
	}
}
