//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/store/pgregistry/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package pgregistry_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripwire/monitor/internal/ctype"
	"github.com/tripwire/monitor/internal/registry"
	"github.com/tripwire/monitor/internal/store/pgregistry"
)

func setupStore(t *testing.T) (*pgregistry.Store, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("monitor_test"),
		tcpostgres.WithUsername("monitor"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	store, err := pgregistry.Open(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("pgregistry.Open: %v", err)
	}

	cleanup := func() {
		store.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return store, cleanup
}

var gccX64 = ctype.ABI{Compiler: ctype.GCC, Arch: ctype.X64}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	reg := registry.New(gccX64, nil)
	res := reg.Parse("struct Point { int x; int y; };")
	if len(res.Errors) != 0 {
		t.Fatalf("parse errors: %v", res.Errors)
	}
	if err := store.Save(ctx, reg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fresh := registry.New(gccX64, nil)
	found, err := store.LoadInto(ctx, fresh)
	if err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	if !found {
		t.Fatal("LoadInto found no snapshot")
	}
	st, ok := fresh.GetStruct("Point")
	if !ok {
		t.Fatal("loaded registry is missing struct Point")
	}
	if st.TotalSize != 8 {
		t.Errorf("TotalSize = %d, want 8", st.TotalSize)
	}
}

func TestLoadIntoMissingSnapshotIsNotFound(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	reg := registry.New(ctype.ABI{Compiler: ctype.MSVC, Arch: ctype.X86}, nil)
	found, err := store.LoadInto(ctx, reg)
	if err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	if found {
		t.Fatal("expected no snapshot for an ABI never saved")
	}
}

func TestSaveOverwritesPriorSnapshot(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	reg := registry.New(gccX64, nil)
	reg.Parse("struct A { int x; };")
	if err := store.Save(ctx, reg); err != nil {
		t.Fatalf("Save #1: %v", err)
	}

	reg.Parse("struct B { char c; double d; };")
	if err := store.Save(ctx, reg); err != nil {
		t.Fatalf("Save #2: %v", err)
	}

	fresh := registry.New(gccX64, nil)
	if _, err := store.LoadInto(ctx, fresh); err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	if _, ok := fresh.GetStruct("A"); !ok {
		t.Error("expected struct A to survive re-save (registry accumulates, Encode snapshots all of it)")
	}
	if _, ok := fresh.GetStruct("B"); !ok {
		t.Error("expected struct B from the second parse")
	}
}

func TestDeleteRemovesSnapshot(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	reg := registry.New(gccX64, nil)
	reg.Parse("struct A { int x; };")
	if err := store.Save(ctx, reg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(ctx, reg); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	fresh := registry.New(gccX64, nil)
	found, err := store.LoadInto(ctx, fresh)
	if err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	if found {
		t.Fatal("expected no snapshot after Delete")
	}
}
