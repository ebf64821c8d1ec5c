package parser_test

import (
	"testing"

	"github.com/tripwire/monitor/internal/ctype"
	"github.com/tripwire/monitor/internal/parser"
)

func TestParseSimpleStruct(t *testing.T) {
	res := parser.Parse("struct N { char a; int b; char c; };")
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if len(res.Structs) != 1 {
		t.Fatalf("got %d structs, want 1", len(res.Structs))
	}
	s := res.Structs[0]
	if s.Name != "N" {
		t.Errorf("name = %q, want N", s.Name)
	}
	if len(s.Fields) != 3 {
		t.Fatalf("got %d fields, want 3", len(s.Fields))
	}
	if s.Fields[0].Name != "a" || s.Fields[0].Type.PrimitiveKind() != ctype.PChar {
		t.Errorf("field 0 = %+v", s.Fields[0])
	}
	if s.Fields[1].Type.PrimitiveKind() != ctype.PInt {
		t.Errorf("field 1 type = %v, want int", s.Fields[1].Type)
	}
}

func TestParsePackedStruct(t *testing.T) {
	res := parser.Parse("#pragma pack(1)\nstruct P { char a; int b; char c; };")
	if len(res.Structs) != 1 {
		t.Fatalf("got %d structs, want 1", len(res.Structs))
	}
	s := res.Structs[0]
	if !s.IsPacked || s.PackValue != 1 {
		t.Errorf("IsPacked=%v PackValue=%d, want true/1", s.IsPacked, s.PackValue)
	}
}

func TestParseBitfields(t *testing.T) {
	res := parser.Parse("struct B { unsigned a:3; unsigned b:5; unsigned c:25; };")
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	s := res.Structs[0]
	if len(s.Fields) != 3 {
		t.Fatalf("got %d fields, want 3", len(s.Fields))
	}
	for i, want := range []uint32{3, 5, 25} {
		f := s.Fields[i]
		if f.Bits == nil {
			t.Fatalf("field %d: expected bitfield", i)
		}
		if f.Bits.BitWidth != want {
			t.Errorf("field %d width = %d, want %d", i, f.Bits.BitWidth, want)
		}
	}
}

func TestParseUnion(t *testing.T) {
	res := parser.Parse("union U { int a; char b[4]; };")
	if len(res.Unions) != 1 {
		t.Fatalf("got %d unions, want 1", len(res.Unions))
	}
	u := res.Unions[0]
	if len(u.Members) != 2 {
		t.Fatalf("got %d members, want 2", len(u.Members))
	}
	if u.Members[1].Type.Tag() != ctype.TagArray || u.Members[1].Type.Length() != 4 {
		t.Errorf("member 1 = %v, want char[4]", u.Members[1].Type)
	}
}

func TestParseTypedefAndNamedReference(t *testing.T) {
	res := parser.Parse("typedef unsigned int u32;\nstruct S { u32 x; };")
	if len(res.Typedefs) != 1 || res.Typedefs[0].Name != "u32" {
		t.Fatalf("typedefs = %+v", res.Typedefs)
	}
	s := res.Structs[0]
	if s.Fields[0].Type.Tag() != ctype.TagNamed || s.Fields[0].Type.Name() != "u32" {
		t.Errorf("field type = %v, want named u32", s.Fields[0].Type)
	}
	if len(s.DependsOn) != 1 || s.DependsOn[0] != "u32" {
		t.Errorf("DependsOn = %v, want [u32]", s.DependsOn)
	}
}

func TestParsePointerField(t *testing.T) {
	res := parser.Parse("struct Node { struct Node* next; int value; };")
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	s := res.Structs[0]
	if s.Fields[0].Type.Tag() != ctype.TagPointer {
		t.Errorf("field 0 type = %v, want pointer", s.Fields[0].Type)
	}
}

func TestDuplicateFieldNameIsDroppedAndReported(t *testing.T) {
	res := parser.Parse("struct D { int a; int a; };")
	if len(res.Errors) == 0 {
		t.Fatal("expected a duplicate-field error")
	}
	s := res.Structs[0]
	if len(s.Fields) != 1 {
		t.Errorf("got %d fields, want 1 (duplicate dropped)", len(s.Fields))
	}
}

func TestErrorRecoveryContinuesAfterBadField(t *testing.T) {
	res := parser.Parse("struct R { !!! int a; int b; };")
	if len(res.Errors) == 0 {
		t.Fatal("expected a parse error for the garbage token")
	}
	s := res.Structs[0]
	var names []string
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	found := false
	for _, n := range names {
		if n == "b" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected recovery to still parse field b, got fields %v", names)
	}
}

func TestMaxFieldsPerStructLimit(t *testing.T) {
	src := "struct Big {"
	for i := 0; i < 1005; i++ {
		src += "int f" + itoa(i) + ";"
	}
	src += "};"
	res := parser.Parse(src)
	if len(res.Errors) == 0 {
		t.Fatal("expected a max-fields error")
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
