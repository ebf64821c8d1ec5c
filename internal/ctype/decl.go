package ctype

// BitView describes a bitfield's position within its storage unit.
type BitView struct {
	BitOffset uint32
	BitWidth  uint32
	Mask      uint64
}

// Field is one member of a StructDecl or UnionDecl, including the layout
// results the layout engine fills in after parsing.
type Field struct {
	Name string
	Type Type

	// Layout results, zero until the layout engine runs.
	Offset    int
	Size      int
	Alignment int
	Bits      *BitView // non-nil for bitfield members

	PaddingBefore int
	PaddingAfter  int
}

// IsBitfield reports whether this field is a bitfield member.
func (f Field) IsBitfield() bool { return f.Bits != nil }

// StructDecl is a parsed (and, after the layout engine runs, laid-out)
// struct declaration.
type StructDecl struct {
	Name       string
	Fields     []Field
	IsPacked   bool
	PackValue  uint8 // 1, 2, 4, 8, or 16; meaningful only if IsPacked
	TotalSize  int
	Alignment  int
	DependsOn  []string // names of referenced user-defined types
	SourceHash string   // hash of the declaring source text, for cache keys
}

// UnionDecl is a parsed union declaration; every member shares offset 0.
type UnionDecl struct {
	Name       string
	Members    []Field
	TotalSize  int
	Alignment  int
	DependsOn  []string
	SourceHash string
}

// TypedefDecl names an existing Type.
type TypedefDecl struct {
	Name       string
	Underlying Type
	DependsOn  []string
}

// Decl is implemented by *StructDecl, *UnionDecl, and *TypedefDecl so the
// registry can store all three kinds in one map.
type Decl interface {
	DeclName() string
	Dependencies() []string
}

func (s *StructDecl) DeclName() string        { return s.Name }
func (s *StructDecl) Dependencies() []string  { return s.DependsOn }
func (u *UnionDecl) DeclName() string         { return u.Name }
func (u *UnionDecl) Dependencies() []string   { return u.DependsOn }
func (t *TypedefDecl) DeclName() string       { return t.Name }
func (t *TypedefDecl) Dependencies() []string { return t.DependsOn }
