package serialize_test

import (
	"testing"

	"github.com/tripwire/monitor/internal/ctype"
	"github.com/tripwire/monitor/internal/registry"
	"github.com/tripwire/monitor/internal/serialize"
)

var gccX64 = ctype.ABI{Compiler: ctype.GCC, Arch: ctype.X64}

func TestEncodeDecodeRoundTripPreservesLayout(t *testing.T) {
	r := registry.New(gccX64, nil)
	r.Parse("struct B { unsigned a:3; unsigned b:5; unsigned c:25; };")
	r.Parse("#pragma pack(1)\nstruct P { char a; int b; char c; };")

	data, err := serialize.Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	r2 := registry.New(gccX64, nil)
	if err := serialize.Decode(data, r2); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	for _, name := range []string{"B", "P"} {
		want, ok := r.GetStruct(name)
		if !ok {
			t.Fatalf("missing %q in source registry", name)
		}
		got, ok := r2.GetStruct(name)
		if !ok {
			t.Fatalf("missing %q after round trip", name)
		}
		if want.TotalSize != got.TotalSize || want.Alignment != got.Alignment {
			t.Errorf("%s: size/align mismatch: want %d/%d got %d/%d", name, want.TotalSize, want.Alignment, got.TotalSize, got.Alignment)
		}
		for i := range want.Fields {
			wf, gf := want.Fields[i], got.Fields[i]
			if wf.Offset != gf.Offset || wf.Size != gf.Size {
				t.Errorf("%s.%s: offset/size mismatch: want %d/%d got %d/%d", name, wf.Name, wf.Offset, wf.Size, gf.Offset, gf.Size)
			}
			if wf.IsBitfield() != gf.IsBitfield() {
				t.Errorf("%s.%s: bitfield mismatch", name, wf.Name)
				continue
			}
			if wf.IsBitfield() && (wf.Bits.BitOffset != gf.Bits.BitOffset || wf.Bits.BitWidth != gf.Bits.BitWidth || wf.Bits.Mask != gf.Bits.Mask) {
				t.Errorf("%s.%s: bits mismatch: want %+v got %+v", name, wf.Name, wf.Bits, gf.Bits)
			}
		}
	}
}

func TestDecodeRejectsUnknownMajorVersion(t *testing.T) {
	doc := []byte("format_version: \"2.0\"\n")
	r := registry.New(gccX64, nil)
	if err := serialize.Decode(doc, r); err == nil {
		t.Error("expected an error for an unrecognized major version")
	}
}
