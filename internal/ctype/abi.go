// Package ctype defines the polymorphic Type variant, the per-ABI primitive
// size/alignment table, and the declaration shapes (StructDecl, UnionDecl,
// TypedefDecl, Field) produced by the parser and filled in by the layout
// engine.
package ctype

import "fmt"

// Compiler identifies one of the three supported ABI compiler families.
type Compiler string

const (
	MSVC  Compiler = "msvc"
	GCC   Compiler = "gcc"
	Clang Compiler = "clang"
)

// Arch identifies one of the four supported target architectures. All four
// are little-endian, per spec.md §4.4.
type Arch string

const (
	X86   Arch = "x86"
	X64   Arch = "x64"
	ARM32 Arch = "arm32"
	ARM64 Arch = "arm64"
)

// ABI selects a (Compiler, Arch) pair and exposes the primitive size table,
// default struct alignment, pointer size, and bitfield packing rule that
// selection implies.
type ABI struct {
	Compiler Compiler
	Arch     Arch
}

// Key returns a short string uniquely identifying this ABI, suitable for use
// in registry layout-cache keys (spec.md §4.4 "Caching").
func (a ABI) Key() string { return string(a.Compiler) + "-" + string(a.Arch) }

func (a ABI) is64() bool { return a.Arch == X64 || a.Arch == ARM64 }

// PointerSize returns the pointer width in bytes for this ABI.
func (a ABI) PointerSize() int {
	if a.is64() {
		return 8
	}
	return 4
}

// DefaultStructAlignment is the pack value in effect with no #pragma pack
// active.
func (a ABI) DefaultStructAlignment() int { return 8 }

// UsesMSVCBitfieldPacking reports whether bitfield runs coalesce using the
// MSVC "declared type must match exactly" rule rather than the GCC/Clang
// "fits in remaining space" rule.
func (a ABI) UsesMSVCBitfieldPacking() bool { return a.Compiler == MSVC }

// PrimitiveInfo is the size/alignment/signedness of one primitive kind under
// a given ABI.
type PrimitiveInfo struct {
	Size      int
	Alignment int
	Signed    bool
}

// PrimitiveKind enumerates the primitive type keywords the parser recognizes.
type PrimitiveKind string

const (
	PVoid              PrimitiveKind = "void"
	PBool              PrimitiveKind = "bool"
	PChar              PrimitiveKind = "char"
	PSignedChar        PrimitiveKind = "signed_char"
	PUnsignedChar      PrimitiveKind = "unsigned_char"
	PShort             PrimitiveKind = "short"
	PUnsignedShort     PrimitiveKind = "unsigned_short"
	PInt               PrimitiveKind = "int"
	PUnsignedInt       PrimitiveKind = "unsigned_int"
	PLong              PrimitiveKind = "long"
	PUnsignedLong      PrimitiveKind = "unsigned_long"
	PLongLong          PrimitiveKind = "long_long"
	PUnsignedLongLong  PrimitiveKind = "unsigned_long_long"
	PFloat             PrimitiveKind = "float"
	PDouble            PrimitiveKind = "double"
	PLongDouble        PrimitiveKind = "long_double"
)

// fixedPrimitives are the primitive kinds whose size/alignment never vary
// across the four supported ABIs.
var fixedPrimitives = map[PrimitiveKind]PrimitiveInfo{
	PVoid:             {0, 1, false},
	PBool:             {1, 1, false},
	PChar:             {1, 1, true},
	PSignedChar:       {1, 1, true},
	PUnsignedChar:     {1, 1, false},
	PShort:            {2, 2, true},
	PUnsignedShort:    {2, 2, false},
	PInt:              {4, 4, true},
	PUnsignedInt:      {4, 4, false},
	PLongLong:         {8, 8, true},
	PUnsignedLongLong: {8, 8, false},
	PFloat:            {4, 4, true},
	PDouble:           {8, 8, true},
}

// PrimitiveInfo returns the size/alignment/signedness of kind under this ABI.
// long varies 4 (Windows/x86, arm32) vs 8 (everything else on GCC/Clang
// 64-bit); long_double varies 8 (MSVC, always) vs 16 (GCC/Clang on x64) vs 8
// (GCC/Clang on 32-bit/arm).
func (a ABI) PrimitiveInfo(kind PrimitiveKind) (PrimitiveInfo, error) {
	if info, ok := fixedPrimitives[kind]; ok {
		return info, nil
	}
	switch kind {
	case PLong, PUnsignedLong:
		signed := kind == PLong
		if a.Compiler == MSVC {
			return PrimitiveInfo{4, 4, signed}, nil
		}
		if a.is64() {
			return PrimitiveInfo{8, 8, signed}, nil
		}
		return PrimitiveInfo{4, 4, signed}, nil
	case PLongDouble:
		if a.Compiler == MSVC {
			return PrimitiveInfo{8, 8, true}, nil
		}
		if a.Arch == X64 {
			return PrimitiveInfo{16, 16, true}, nil
		}
		return PrimitiveInfo{8, 8, true}, nil
	}
	return PrimitiveInfo{}, fmt.Errorf("ctype: unknown primitive kind %q", kind)
}
