// Package layout computes struct and union memory layouts from parsed
// declarations, per spec.md §4.4: field offsets, padding, alignment, total
// size, and bitfield bit-offset/width/mask, all as a function of the active
// ABI and #pragma pack value.
package layout

import (
	"github.com/tripwire/monitor/internal/ctype"
	"github.com/tripwire/monitor/internal/monerr"
)

// Resolver looks up the (size, alignment) of a named type, typically a
// registry lookup for a previously-parsed struct, union, or typedef.
type Resolver func(name string) (size, alignment int, err error)

func ceilTo(offset, align int) int {
	if align <= 1 {
		return offset
	}
	rem := offset % align
	if rem == 0 {
		return offset
	}
	return offset + (align - rem)
}

// ComputeStruct fills in every Field's Offset/Size/Alignment/Bits and the
// StructDecl's TotalSize/Alignment, in place.
func ComputeStruct(s *ctype.StructDecl, abi ctype.ABI, resolve Resolver) error {
	pack := int(abi.DefaultStructAlignment())
	if s.IsPacked {
		pack = int(s.PackValue)
	}

	b := &builder{abi: abi, resolve: resolve, pack: pack}
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.IsBitfield() {
			if err := b.addBitfield(f); err != nil {
				return err
			}
			continue
		}
		if err := b.closeBitfieldGroup(); err != nil {
			return err
		}
		if err := b.addField(f); err != nil {
			return err
		}
	}
	if err := b.closeBitfieldGroup(); err != nil {
		return err
	}

	s.Alignment = max(b.structAlign, 1)
	s.TotalSize = ceilTo(b.offset, s.Alignment)
	if tail := s.TotalSize - b.offset; tail > 0 && len(s.Fields) > 0 {
		s.Fields[len(s.Fields)-1].PaddingAfter += tail
	}
	return nil
}

// ComputeUnion fills in every member's Offset (always 0)/Size/Alignment and
// the UnionDecl's TotalSize/Alignment, in place.
func ComputeUnion(u *ctype.UnionDecl, abi ctype.ABI, resolve Resolver) error {
	maxSize, maxAlign := 0, 1
	for i := range u.Members {
		m := &u.Members[i]
		if m.IsBitfield() {
			width := int(m.Bits.BitWidth)
			info, err := abi.PrimitiveInfo(m.Type.PrimitiveKind())
			if err != nil {
				return monerr.New(monerr.KindLayout, "union bitfield member: %v", err)
			}
			m.Offset = 0
			m.Size = info.Size
			m.Alignment = info.Alignment
			m.Bits.BitOffset = 0
			m.Bits.Mask = bitMask(0, uint32(width))
			if info.Size > maxSize {
				maxSize = info.Size
			}
			if info.Alignment > maxAlign {
				maxAlign = info.Alignment
			}
			continue
		}
		size, align, err := ctype.Describe(m.Type, abi, resolve)
		if err != nil {
			return monerr.New(monerr.KindLayout, "union member %q: %v", m.Name, err)
		}
		m.Offset = 0
		m.Size = size
		m.Alignment = align
		if size > maxSize {
			maxSize = size
		}
		if align > maxAlign {
			maxAlign = align
		}
	}
	u.Alignment = maxAlign
	u.TotalSize = ceilTo(maxSize, maxAlign)
	return nil
}

// builder accumulates struct-layout state across a pass over Fields.
type builder struct {
	abi     ctype.ABI
	resolve Resolver
	pack    int

	offset      int // current byte offset, after the last placed field/group
	structAlign int

	group *bitGroup
}

// bitGroup is an in-progress run of coalesced bitfields sharing one storage
// unit, not yet committed to a byte offset.
type bitGroup struct {
	msvc      bool
	baseKind  ctype.PrimitiveKind
	unitSize  int // bytes
	unitAlign int
	usedBits  int
	fields    []*ctype.Field
}

func (b *builder) addField(f *ctype.Field) error {
	size, align, err := ctype.Describe(f.Type, b.abi, b.resolve)
	if err != nil {
		return monerr.New(monerr.KindLayout, "field %q: %v", f.Name, err)
	}
	fieldAlign := align
	if b.pack > 0 && b.pack < fieldAlign {
		fieldAlign = b.pack
	}
	if fieldAlign < 1 {
		fieldAlign = 1
	}
	fieldOffset := ceilTo(b.offset, fieldAlign)
	f.PaddingBefore = fieldOffset - b.offset
	f.Offset = fieldOffset
	f.Size = size
	f.Alignment = fieldAlign

	b.offset = fieldOffset + size
	if fieldAlign > b.structAlign {
		b.structAlign = fieldAlign
	}
	return nil
}

// addBitfield folds f into the current bit-group, starting a new one when
// the active packing rule says the bits don't fit in the current unit.
func (b *builder) addBitfield(f *ctype.Field) error {
	width := f.Bits.BitWidth
	if f.Type.Tag() != ctype.TagPrimitive {
		return monerr.New(monerr.KindLayout, "bitfield %q: base type must be a primitive integer", f.Name)
	}
	info, err := b.abi.PrimitiveInfo(f.Type.PrimitiveKind())
	if err != nil {
		return monerr.New(monerr.KindLayout, "bitfield %q: %v", f.Name, err)
	}
	unitAlign := info.Alignment
	if b.pack > 0 && b.pack < unitAlign {
		unitAlign = b.pack
	}

	if width == 0 {
		// Zero-width: close out the current group, and on GCC/Clang force
		// the next bitfield to begin at the next alignment boundary of T.
		if err := b.closeBitfieldGroup(); err != nil {
			return err
		}
		if !b.abi.UsesMSVCBitfieldPacking() {
			b.offset = ceilTo(b.offset, unitAlign)
		}
		f.Offset = b.offset
		f.Size = 0
		f.Alignment = unitAlign
		f.Bits.BitOffset = 0
		f.Bits.Mask = 0
		return nil
	}

	needsNewUnit := b.group == nil
	if b.group != nil {
		if b.abi.UsesMSVCBitfieldPacking() {
			needsNewUnit = b.group.baseKind != f.Type.PrimitiveKind() ||
				b.group.usedBits+int(width) > b.group.unitSize*8
		} else {
			needsNewUnit = b.group.usedBits+int(width) > b.group.unitSize*8
		}
	}
	if needsNewUnit {
		if err := b.closeBitfieldGroup(); err != nil {
			return err
		}
		b.group = &bitGroup{
			msvc:      b.abi.UsesMSVCBitfieldPacking(),
			baseKind:  f.Type.PrimitiveKind(),
			unitSize:  info.Size,
			unitAlign: unitAlign,
		}
	}
	f.Bits.BitOffset = uint32(b.group.usedBits)
	f.Bits.Mask = bitMask(uint32(b.group.usedBits), width)
	b.group.usedBits += int(width)
	b.group.fields = append(b.group.fields, f)
	return nil
}

// closeBitfieldGroup commits the in-progress bit-group to a byte offset,
// treating the whole storage unit as one opaque field for offset purposes.
func (b *builder) closeBitfieldGroup() error {
	g := b.group
	b.group = nil
	if g == nil || len(g.fields) == 0 {
		return nil
	}

	unitOffset := ceilTo(b.offset, g.unitAlign)
	padding := unitOffset - b.offset
	for i, f := range g.fields {
		f.Offset = unitOffset
		f.Size = g.unitSize
		f.Alignment = g.unitAlign
		if i == 0 {
			f.PaddingBefore = padding
		}
	}
	b.offset = unitOffset + g.unitSize
	if g.unitAlign > b.structAlign {
		b.structAlign = g.unitAlign
	}
	return nil
}

func bitMask(offset, width uint32) uint64 {
	if width == 0 {
		return 0
	}
	if width >= 64 {
		return ^uint64(0) << offset
	}
	return ((uint64(1) << width) - 1) << offset
}
