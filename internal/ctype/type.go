package ctype

import "fmt"

// TypeTag discriminates the Type sum type's variants.
type TypeTag int

const (
	TagPrimitive TypeTag = iota
	TagNamed
	TagArray
	TagPointer
)

// Type is the polymorphic type representation described in spec.md §3: a
// tagged union with exactly one meaningful payload per tag. Construct with
// Primitive, Named, Array, or Pointer rather than composite-literal syntax so
// invalid combinations of fields can't be built.
type Type struct {
	tag TypeTag

	primitive PrimitiveKind
	named     string
	elem      *Type
	length    int // Array only; 0 = flexible array member
}

func Primitive(kind PrimitiveKind) Type { return Type{tag: TagPrimitive, primitive: kind} }
func Named(name string) Type            { return Type{tag: TagNamed, named: name} }
func Array(elem Type, length int) Type  { return Type{tag: TagArray, elem: &elem, length: length} }
func Pointer(pointee Type) Type         { return Type{tag: TagPointer, elem: &pointee} }

func (t Type) Tag() TypeTag { return t.tag }

// PrimitiveKind returns the primitive kind; valid only when Tag() == TagPrimitive.
func (t Type) PrimitiveKind() PrimitiveKind { return t.primitive }

// Name returns the referenced type name; valid only when Tag() == TagNamed.
func (t Type) Name() string { return t.named }

// Elem returns the element (Array) or pointee (Pointer) type.
func (t Type) Elem() Type { return *t.elem }

// Length returns the array length; valid only when Tag() == TagArray.
func (t Type) Length() int { return t.length }

func (t Type) String() string {
	switch t.tag {
	case TagPrimitive:
		return string(t.primitive)
	case TagNamed:
		return t.named
	case TagArray:
		return fmt.Sprintf("%s[%d]", t.Elem(), t.length)
	case TagPointer:
		return fmt.Sprintf("%s*", t.Elem())
	default:
		return "<invalid type>"
	}
}

// Describe returns the (size, alignment) of t under abi, resolving Named
// references through resolve (typically registry.Registry.sizeAlignOf).
// Named/Array/Pointer resolution of the element uses the same describe
// recursively, matching spec.md §9's "single function describe(type, abi)".
func Describe(t Type, abi ABI, resolve func(name string) (size, alignment int, err error)) (size, alignment int, err error) {
	switch t.tag {
	case TagPrimitive:
		info, err := abi.PrimitiveInfo(t.primitive)
		if err != nil {
			return 0, 0, err
		}
		if t.primitive == PVoid {
			return 0, 1, nil
		}
		return info.Size, info.Alignment, nil
	case TagNamed:
		return resolve(t.named)
	case TagArray:
		elemSize, elemAlign, err := Describe(t.Elem(), abi, resolve)
		if err != nil {
			return 0, 0, err
		}
		return elemSize * t.length, elemAlign, nil
	case TagPointer:
		sz := abi.PointerSize()
		return sz, sz, nil
	default:
		return 0, 0, fmt.Errorf("ctype: invalid type tag %v", t.tag)
	}
}
