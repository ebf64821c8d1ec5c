package registry_test

import (
	"testing"

	"github.com/tripwire/monitor/internal/ctype"
	"github.com/tripwire/monitor/internal/registry"
)

var gccX64 = ctype.ABI{Compiler: ctype.GCC, Arch: ctype.X64}

func TestParseAndGetStruct(t *testing.T) {
	r := registry.New(gccX64, nil)
	res := r.Parse("struct N { char a; int b; char c; };")
	if len(res.Errors) != 0 {
		t.Fatalf("parse errors: %v", res.Errors)
	}
	if res.StructsAdded != 1 {
		t.Fatalf("StructsAdded = %d, want 1", res.StructsAdded)
	}
	s, ok := r.GetStruct("N")
	if !ok {
		t.Fatal("expected struct N to be registered")
	}
	if s.TotalSize != 12 || s.Alignment != 4 {
		t.Errorf("N layout = size=%d align=%d, want 12/4", s.TotalSize, s.Alignment)
	}
}

func TestSizeOfAndOffsetOfNestedPath(t *testing.T) {
	r := registry.New(gccX64, nil)
	res := r.Parse(`
struct Inner { int x; int y; };
struct Outer { char tag; struct Inner pt[2]; };
`)
	if len(res.Errors) != 0 {
		t.Fatalf("parse errors: %v", res.Errors)
	}

	size, err := r.SizeOf("Outer")
	if err != nil {
		t.Fatalf("SizeOf: %v", err)
	}
	if size <= 0 {
		t.Errorf("SizeOf(Outer) = %d, want > 0", size)
	}

	loc, err := r.OffsetOf("Outer", "pt[1].y")
	if err != nil {
		t.Fatalf("OffsetOf: %v", err)
	}
	inner, ok := r.GetStruct("Inner")
	if !ok {
		t.Fatal("expected Inner to be registered")
	}
	outer, _ := r.GetStruct("Outer")
	ptField := outer.Fields[1]
	wantOffset := ptField.Offset + inner.TotalSize + inner.Fields[1].Offset
	if loc.Offset != wantOffset {
		t.Errorf("OffsetOf(pt[1].y) = %d, want %d", loc.Offset, wantOffset)
	}
}

func TestOffsetOfUnknownFieldErrors(t *testing.T) {
	r := registry.New(gccX64, nil)
	r.Parse("struct N { int a; };")
	if err := r.ValidateFieldPath("N", "nope"); err == nil {
		t.Error("expected an error for an unknown field")
	}
}

func TestRemoveMarksDependentsDangling(t *testing.T) {
	r := registry.New(gccX64, nil)
	r.Parse(`
typedef unsigned int u32;
struct S { u32 x; };
`)
	if err := r.Remove("u32"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	errs := r.Validate()
	if len(errs) == 0 {
		t.Error("expected S to be reported as dangling after removing u32")
	}
}

func TestTopologicalOrderAndCycles(t *testing.T) {
	r := registry.New(gccX64, nil)
	r.Parse(`
struct A { int x; };
struct B { struct A a; };
`)
	if r.HasCycles() {
		t.Fatal("no cycle expected")
	}
	order, err := r.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	posA, posB := -1, -1
	for i, n := range order {
		if n == "A" {
			posA = i
		}
		if n == "B" {
			posB = i
		}
	}
	if posA < 0 || posB < 0 || posA > posB {
		t.Errorf("expected A before B in %v", order)
	}
}

func TestDirectByValueCycleIsRejectedAtParse(t *testing.T) {
	r := registry.New(gccX64, nil)
	res := r.Parse("struct Self { struct Self inner; };")
	if len(res.Errors) == 0 {
		t.Error("expected a by-value self-reference error")
	}
}

func TestSnapshotAndRestoreRoundTrip(t *testing.T) {
	r := registry.New(gccX64, nil)
	r.Parse("struct N { char a; int b; };")
	structs, unions, typedefs := r.Snapshot()

	r2 := registry.New(gccX64, nil)
	r2.Restore(structs, unions, typedefs)

	s1, _ := r.GetStruct("N")
	s2, ok := r2.GetStruct("N")
	if !ok {
		t.Fatal("expected N to survive Restore")
	}
	if s1.TotalSize != s2.TotalSize || s1.Alignment != s2.Alignment {
		t.Errorf("layout mismatch after restore: %+v vs %+v", s1, s2)
	}
}
