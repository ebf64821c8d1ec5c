// Package serialize implements the structured-text round trip described in
// spec.md §4.8/§6: every contract-relevant attribute of a registry's
// declarations (name, field order, type descriptor, offset, size,
// alignment, bitfield geometry, pack state, dependency list) survives an
// encode/decode cycle. The concrete syntax (Open Question #1 in
// SPEC_FULL.md) is YAML via gopkg.in/yaml.v3, matching the teacher's
// config-file format.
package serialize

import (
	"gopkg.in/yaml.v3"

	"github.com/tripwire/monitor/internal/ctype"
	"github.com/tripwire/monitor/internal/monerr"
	"github.com/tripwire/monitor/internal/registry"
)

// FormatVersion is the document format version this package writes.
// Readers reject documents whose major component differs.
const FormatVersion = "1.0"

// Document is the top-level structured-text document.
type Document struct {
	FormatVersion string       `yaml:"format_version"`
	Structs       []structDoc  `yaml:"structs,omitempty"`
	Unions        []unionDoc   `yaml:"unions,omitempty"`
	Typedefs      []typedefDoc `yaml:"typedefs,omitempty"`
}

type fieldDoc struct {
	Name          string   `yaml:"name"`
	Type          typeDoc  `yaml:"type"`
	Offset        int      `yaml:"offset"`
	Size          int      `yaml:"size"`
	Alignment     int      `yaml:"alignment"`
	BitOffset     *uint32  `yaml:"bit_offset,omitempty"`
	BitWidth      *uint32  `yaml:"bit_width,omitempty"`
	Mask          *uint64  `yaml:"mask,omitempty"`
	PaddingBefore int      `yaml:"padding_before,omitempty"`
	PaddingAfter  int      `yaml:"padding_after,omitempty"`
}

type typeDoc struct {
	Tag       string   `yaml:"tag"`
	Primitive string   `yaml:"primitive,omitempty"`
	Name      string   `yaml:"name,omitempty"`
	Length    int      `yaml:"length,omitempty"`
	Elem      *typeDoc `yaml:"elem,omitempty"`
}

type structDoc struct {
	Name      string     `yaml:"name"`
	IsPacked  bool       `yaml:"is_packed"`
	PackValue uint8      `yaml:"pack_value"`
	TotalSize int        `yaml:"total_size"`
	Alignment int        `yaml:"alignment"`
	DependsOn []string   `yaml:"depends_on,omitempty"`
	Fields    []fieldDoc `yaml:"fields"`
}

type unionDoc struct {
	Name      string     `yaml:"name"`
	TotalSize int        `yaml:"total_size"`
	Alignment int        `yaml:"alignment"`
	DependsOn []string   `yaml:"depends_on,omitempty"`
	Members   []fieldDoc `yaml:"members"`
}

type typedefDoc struct {
	Name       string   `yaml:"name"`
	Underlying typeDoc  `yaml:"underlying"`
	DependsOn  []string `yaml:"depends_on,omitempty"`
}

func typeToDoc(t ctype.Type) typeDoc {
	switch t.Tag() {
	case ctype.TagPrimitive:
		return typeDoc{Tag: "primitive", Primitive: string(t.PrimitiveKind())}
	case ctype.TagNamed:
		return typeDoc{Tag: "named", Name: t.Name()}
	case ctype.TagArray:
		elem := typeToDoc(t.Elem())
		return typeDoc{Tag: "array", Length: t.Length(), Elem: &elem}
	case ctype.TagPointer:
		elem := typeToDoc(t.Elem())
		return typeDoc{Tag: "pointer", Elem: &elem}
	default:
		return typeDoc{Tag: "invalid"}
	}
}

func docToType(d typeDoc) (ctype.Type, error) {
	switch d.Tag {
	case "primitive":
		return ctype.Primitive(ctype.PrimitiveKind(d.Primitive)), nil
	case "named":
		return ctype.Named(d.Name), nil
	case "array":
		if d.Elem == nil {
			return ctype.Type{}, monerr.New(monerr.KindSerialize, "array type missing elem")
		}
		elem, err := docToType(*d.Elem)
		if err != nil {
			return ctype.Type{}, err
		}
		return ctype.Array(elem, d.Length), nil
	case "pointer":
		if d.Elem == nil {
			return ctype.Type{}, monerr.New(monerr.KindSerialize, "pointer type missing elem")
		}
		elem, err := docToType(*d.Elem)
		if err != nil {
			return ctype.Type{}, err
		}
		return ctype.Pointer(elem), nil
	default:
		return ctype.Type{}, monerr.New(monerr.KindSerialize, "unknown type tag %q", d.Tag)
	}
}

func fieldToDoc(f ctype.Field) fieldDoc {
	fd := fieldDoc{
		Name:          f.Name,
		Type:          typeToDoc(f.Type),
		Offset:        f.Offset,
		Size:          f.Size,
		Alignment:     f.Alignment,
		PaddingBefore: f.PaddingBefore,
		PaddingAfter:  f.PaddingAfter,
	}
	if f.Bits != nil {
		bo, bw, m := f.Bits.BitOffset, f.Bits.BitWidth, f.Bits.Mask
		fd.BitOffset, fd.BitWidth, fd.Mask = &bo, &bw, &m
	}
	return fd
}

func docToField(fd fieldDoc) (ctype.Field, error) {
	t, err := docToType(fd.Type)
	if err != nil {
		return ctype.Field{}, err
	}
	f := ctype.Field{
		Name:          fd.Name,
		Type:          t,
		Offset:        fd.Offset,
		Size:          fd.Size,
		Alignment:     fd.Alignment,
		PaddingBefore: fd.PaddingBefore,
		PaddingAfter:  fd.PaddingAfter,
	}
	if fd.BitWidth != nil {
		f.Bits = &ctype.BitView{BitWidth: *fd.BitWidth}
		if fd.BitOffset != nil {
			f.Bits.BitOffset = *fd.BitOffset
		}
		if fd.Mask != nil {
			f.Bits.Mask = *fd.Mask
		}
	}
	return f, nil
}

// Encode renders a registry's current contents as a YAML document.
func Encode(r *registry.Registry) ([]byte, error) {
	structs, unions, typedefs := r.Snapshot()
	doc := Document{FormatVersion: FormatVersion}

	for _, s := range structs {
		sd := structDoc{
			Name: s.Name, IsPacked: s.IsPacked, PackValue: s.PackValue,
			TotalSize: s.TotalSize, Alignment: s.Alignment, DependsOn: s.DependsOn,
		}
		for _, f := range s.Fields {
			sd.Fields = append(sd.Fields, fieldToDoc(f))
		}
		doc.Structs = append(doc.Structs, sd)
	}
	for _, u := range unions {
		ud := unionDoc{Name: u.Name, TotalSize: u.TotalSize, Alignment: u.Alignment, DependsOn: u.DependsOn}
		for _, m := range u.Members {
			ud.Members = append(ud.Members, fieldToDoc(m))
		}
		doc.Unions = append(doc.Unions, ud)
	}
	for _, td := range typedefs {
		doc.Typedefs = append(doc.Typedefs, typedefDoc{
			Name: td.Name, Underlying: typeToDoc(td.Underlying), DependsOn: td.DependsOn,
		})
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, monerr.New(monerr.KindSerialize, "marshal registry document: %v", err)
	}
	return out, nil
}

// Decode parses a YAML document previously produced by Encode and replaces
// r's contents with it. Documents whose major format version differs from
// FormatVersion's are rejected.
func Decode(data []byte, r *registry.Registry) error {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return monerr.New(monerr.KindSerialize, "unmarshal registry document: %v", err)
	}
	if err := checkVersion(doc.FormatVersion); err != nil {
		return err
	}

	var structs []*ctype.StructDecl
	var unions []*ctype.UnionDecl
	var typedefs []*ctype.TypedefDecl

	for _, sd := range doc.Structs {
		s := &ctype.StructDecl{
			Name: sd.Name, IsPacked: sd.IsPacked, PackValue: sd.PackValue,
			TotalSize: sd.TotalSize, Alignment: sd.Alignment, DependsOn: sd.DependsOn,
		}
		for _, fd := range sd.Fields {
			f, err := docToField(fd)
			if err != nil {
				return err
			}
			s.Fields = append(s.Fields, f)
		}
		structs = append(structs, s)
	}
	for _, ud := range doc.Unions {
		u := &ctype.UnionDecl{Name: ud.Name, TotalSize: ud.TotalSize, Alignment: ud.Alignment, DependsOn: ud.DependsOn}
		for _, fd := range ud.Members {
			f, err := docToField(fd)
			if err != nil {
				return err
			}
			u.Members = append(u.Members, f)
		}
		unions = append(unions, u)
	}
	for _, tdd := range doc.Typedefs {
		underlying, err := docToType(tdd.Underlying)
		if err != nil {
			return err
		}
		typedefs = append(typedefs, &ctype.TypedefDecl{Name: tdd.Name, Underlying: underlying, DependsOn: tdd.DependsOn})
	}

	r.Restore(structs, unions, typedefs)
	return nil
}

func checkVersion(v string) error {
	if v == "" {
		return monerr.New(monerr.KindSerialize, "document missing format_version")
	}
	wantMajor := majorOf(FormatVersion)
	if majorOf(v) != wantMajor {
		return monerr.New(monerr.KindSerialize, "unsupported document major version %q (reader supports major %q)", v, wantMajor)
	}
	return nil
}

func majorOf(v string) string {
	for i, c := range v {
		if c == '.' {
			return v[:i]
		}
	}
	return v
}
