// Package registry implements the StructureRegistry described in spec.md
// §4.5: the single owner of every parsed struct, union, and typedef
// declaration, their dependency graph, and an LRU cache of computed layouts.
// Query methods take a shared lock; parse/remove take an exclusive one,
// matching spec.md §5's concurrency model.
package registry

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tripwire/monitor/internal/ctype"
	"github.com/tripwire/monitor/internal/layout"
	"github.com/tripwire/monitor/internal/monerr"
	"github.com/tripwire/monitor/internal/parser"
)

// DefaultCacheCapacity is the default LRU layout-cache size (spec.md §4.4
// "Caching").
const DefaultCacheCapacity = 1000

// ParseResult summarizes one Parse call.
type ParseResult struct {
	StructsAdded  int
	UnionsAdded   int
	TypedefsAdded int
	Errors        []error
	Warnings      []error
}

type cacheKey struct {
	name       string
	sourceHash string
	abiKey     string
}

// Registry owns all parsed declarations for one ABI selection.
type Registry struct {
	abi    ctype.ABI
	logger *slog.Logger

	mu       sync.RWMutex
	structs  map[string]*ctype.StructDecl
	unions   map[string]*ctype.UnionDecl
	typedefs map[string]*ctype.TypedefDecl

	dependsOn  map[string]map[string]bool // name -> names it references
	dependents map[string]map[string]bool // name -> names that reference it
	dangling   map[string]bool

	cache *lru.Cache[cacheKey, struct{}] // presence cache: layout already lives on the decl
}

// New creates an empty registry targeting abi, with the default layout-cache
// capacity.
func New(abi ctype.ABI, logger *slog.Logger) *Registry {
	return NewWithCapacity(abi, logger, DefaultCacheCapacity)
}

// NewWithCapacity is New with an explicit LRU cache capacity.
func NewWithCapacity(abi ctype.ABI, logger *slog.Logger, capacity int) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	c, _ := lru.New[cacheKey, struct{}](capacity)
	return &Registry{
		abi:        abi,
		logger:     logger,
		structs:    make(map[string]*ctype.StructDecl),
		unions:     make(map[string]*ctype.UnionDecl),
		typedefs:   make(map[string]*ctype.TypedefDecl),
		dependsOn:  make(map[string]map[string]bool),
		dependents: make(map[string]map[string]bool),
		dangling:   make(map[string]bool),
		cache:      c,
	}
}

// ABI returns the ABI this registry computes layouts for.
func (r *Registry) ABI() ctype.ABI { return r.abi }

// Parse drives lexer -> preprocessor -> parser -> layout for source, inserts
// every declaration it produces, and updates the dependency graph. At most
// one Parse runs at a time per registry (enforced by the exclusive lock).
func (r *Registry) Parse(source string) ParseResult {
	res := parser.Parse(source)

	r.mu.Lock()
	defer r.mu.Unlock()

	out := ParseResult{Errors: append([]error{}, res.Errors...), Warnings: append([]error{}, res.Warnings...)}

	for _, td := range res.Typedefs {
		r.typedefs[td.Name] = td
		r.setEdgesLocked(td.Name, td.DependsOn)
		out.TypedefsAdded++
	}
	for _, s := range res.Structs {
		if err := r.layoutStructLocked(s); err != nil {
			out.Errors = append(out.Errors, err)
			continue
		}
		r.structs[s.Name] = s
		r.setEdgesLocked(s.Name, s.DependsOn)
		r.evictDependentsLocked(s.Name)
		out.StructsAdded++
	}
	for _, u := range res.Unions {
		if err := r.layoutUnionLocked(u); err != nil {
			out.Errors = append(out.Errors, err)
			continue
		}
		r.unions[u.Name] = u
		r.setEdgesLocked(u.Name, u.DependsOn)
		r.evictDependentsLocked(u.Name)
		out.UnionsAdded++
	}

	r.recomputeDanglingLocked()
	r.logger.Info("registry: parsed source",
		"structs_added", out.StructsAdded, "unions_added", out.UnionsAdded,
		"typedefs_added", out.TypedefsAdded, "errors", len(out.Errors))
	return out
}

func (r *Registry) layoutStructLocked(s *ctype.StructDecl) error {
	key := cacheKey{name: s.Name, sourceHash: s.SourceHash, abiKey: r.abi.Key()}
	if r.cache != nil {
		if _, ok := r.cache.Get(key); ok {
			if existing, ok := r.structs[s.Name]; ok && existing.SourceHash == s.SourceHash {
				*s = *existing
				return nil
			}
		}
	}
	if err := layout.ComputeStruct(s, r.abi, r.resolveLocked); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.Add(key, struct{}{})
	}
	return nil
}

func (r *Registry) layoutUnionLocked(u *ctype.UnionDecl) error {
	key := cacheKey{name: u.Name, sourceHash: u.SourceHash, abiKey: r.abi.Key()}
	if err := layout.ComputeUnion(u, r.abi, r.resolveLocked); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.Add(key, struct{}{})
	}
	return nil
}

// resolveLocked implements layout.Resolver against already-registered
// declarations; callers must hold r.mu.
func (r *Registry) resolveLocked(name string) (size, alignment int, err error) {
	if s, ok := r.structs[name]; ok {
		return s.TotalSize, s.Alignment, nil
	}
	if u, ok := r.unions[name]; ok {
		return u.TotalSize, u.Alignment, nil
	}
	if td, ok := r.typedefs[name]; ok {
		return ctype.Describe(td.Underlying, r.abi, r.resolveLocked)
	}
	return 0, 0, monerr.New(monerr.KindLayout, "unknown type reference %q", name)
}

func (r *Registry) setEdgesLocked(name string, deps []string) {
	if r.dependsOn[name] == nil {
		r.dependsOn[name] = make(map[string]bool)
	}
	for old := range r.dependsOn[name] {
		if r.dependents[old] != nil {
			delete(r.dependents[old], name)
		}
	}
	r.dependsOn[name] = make(map[string]bool)
	for _, d := range deps {
		r.dependsOn[name][d] = true
		if r.dependents[d] == nil {
			r.dependents[d] = make(map[string]bool)
		}
		r.dependents[d][name] = true
	}
}

// evictDependentsLocked recomputes, in place, the layout of every transitive
// dependent of name, since their field offsets may now be stale.
func (r *Registry) evictDependentsLocked(name string) {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(n string) {
		for dep := range r.dependents[n] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if s, ok := r.structs[dep]; ok {
				layout.ComputeStruct(s, r.abi, r.resolveLocked)
			}
			if u, ok := r.unions[dep]; ok {
				layout.ComputeUnion(u, r.abi, r.resolveLocked)
			}
			walk(dep)
		}
	}
	walk(name)
}

func (r *Registry) recomputeDanglingLocked() {
	r.dangling = make(map[string]bool)
	for name, deps := range r.dependsOn {
		for dep := range deps {
			if !r.exists(dep) {
				r.dangling[name] = true
			}
		}
	}
}

func (r *Registry) exists(name string) bool {
	if _, ok := r.structs[name]; ok {
		return true
	}
	if _, ok := r.unions[name]; ok {
		return true
	}
	if _, ok := r.typedefs[name]; ok {
		return true
	}
	return false
}

// GetStruct returns the named struct declaration, or false if absent.
func (r *Registry) GetStruct(name string) (*ctype.StructDecl, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.structs[name]
	return s, ok
}

// GetUnion returns the named union declaration, or false if absent.
func (r *Registry) GetUnion(name string) (*ctype.UnionDecl, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.unions[name]
	return u, ok
}

// GetTypedef returns the named typedef declaration, or false if absent.
func (r *Registry) GetTypedef(name string) (*ctype.TypedefDecl, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	td, ok := r.typedefs[name]
	return td, ok
}

// SizeOf returns the total size, in bytes, of the named struct or union.
func (r *Registry) SizeOf(name string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.structs[name]; ok {
		return s.TotalSize, nil
	}
	if u, ok := r.unions[name]; ok {
		return u.TotalSize, nil
	}
	return 0, monerr.New(monerr.KindRegistry, "unknown declaration %q", name)
}

// FieldLocation is the resolved result of an OffsetOf/field-path query.
type FieldLocation struct {
	Offset int
	Size   int
	Bits   *ctype.BitView
}

// OffsetOf resolves a dotted/indexed field path ("a.b[3].c") rooted at the
// named struct, per spec.md §4.4 "Field-path resolution".
func (r *Registry) OffsetOf(name, fieldPath string) (FieldLocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolvePathLocked(name, fieldPath)
}

// ValidateFieldPath reports whether fieldPath resolves against name.
func (r *Registry) ValidateFieldPath(name, fieldPath string) error {
	_, err := r.OffsetOf(name, fieldPath)
	return err
}

type pathStep struct {
	field   string
	indices []int
}

func parseFieldPath(path string) ([]pathStep, error) {
	var steps []pathStep
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, monerr.New(monerr.KindRegistry, "empty field-path segment in %q", path)
		}
		name := seg
		var indices []int
		if idx := strings.IndexByte(seg, '['); idx >= 0 {
			name = seg[:idx]
			rest := seg[idx:]
			for len(rest) > 0 {
				if rest[0] != '[' {
					return nil, monerr.New(monerr.KindRegistry, "malformed field-path segment %q", seg)
				}
				end := strings.IndexByte(rest, ']')
				if end < 0 {
					return nil, monerr.New(monerr.KindRegistry, "unterminated '[' in field-path segment %q", seg)
				}
				n, err := strconv.Atoi(rest[1:end])
				if err != nil {
					return nil, monerr.New(monerr.KindRegistry, "invalid array index in %q", seg)
				}
				indices = append(indices, n)
				rest = rest[end+1:]
			}
		}
		steps = append(steps, pathStep{field: name, indices: indices})
	}
	return steps, nil
}

func (r *Registry) resolvePathLocked(name, fieldPath string) (FieldLocation, error) {
	steps, err := parseFieldPath(fieldPath)
	if err != nil {
		return FieldLocation{}, err
	}

	s, ok := r.structs[name]
	if !ok {
		if u, uok := r.unions[name]; uok {
			s = &ctype.StructDecl{Name: u.Name, Fields: u.Members, TotalSize: u.TotalSize, Alignment: u.Alignment}
		} else {
			return FieldLocation{}, monerr.New(monerr.KindRegistry, "unknown root declaration %q", name)
		}
	}

	offset := 0
	var cur ctype.Type
	var size int
	var bits *ctype.BitView

	fields := s.Fields
	for si, step := range steps {
		var f *ctype.Field
		for i := range fields {
			if fields[i].Name == step.field {
				f = &fields[i]
				break
			}
		}
		if f == nil {
			return FieldLocation{}, monerr.New(monerr.KindRegistry, "no field %q on %q", step.field, name)
		}
		offset += f.Offset
		size = f.Size
		bits = f.Bits
		cur = f.Type

		for _, idx := range step.indices {
			if cur.Tag() != ctype.TagArray {
				return FieldLocation{}, monerr.New(monerr.KindRegistry, "field %q is not an array", step.field)
			}
			if idx < 0 || idx >= cur.Length() {
				return FieldLocation{}, monerr.New(monerr.KindRegistry, "index %d out of range for %q[%d]", idx, step.field, cur.Length())
			}
			elemSize, _, err := ctype.Describe(cur.Elem(), r.abi, r.resolveLocked)
			if err != nil {
				return FieldLocation{}, err
			}
			offset += idx * elemSize
			size = elemSize
			cur = cur.Elem()
		}

		if si < len(steps)-1 {
			next, err := r.structOfTypeLocked(cur)
			if err != nil {
				return FieldLocation{}, err
			}
			fields = next.Fields
		}
	}

	return FieldLocation{Offset: offset, Size: size, Bits: bits}, nil
}

func (r *Registry) structOfTypeLocked(t ctype.Type) (*ctype.StructDecl, error) {
	if t.Tag() != ctype.TagNamed {
		return nil, monerr.New(monerr.KindRegistry, "cannot descend into non-struct type %q", t.String())
	}
	if s, ok := r.structs[t.Name()]; ok {
		return s, nil
	}
	if u, ok := r.unions[t.Name()]; ok {
		return &ctype.StructDecl{Name: u.Name, Fields: u.Members, TotalSize: u.TotalSize, Alignment: u.Alignment}, nil
	}
	return nil, monerr.New(monerr.KindRegistry, "unknown nested declaration %q", t.Name())
}

// Remove deletes the named declaration and recomputes the layouts of every
// transitive dependent. Declarations still referenced by a dependent become
// dangling (reported by Validate), per spec.md §4.5.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.exists(name) {
		return monerr.New(monerr.KindRegistry, "cannot remove unknown declaration %q", name)
	}
	delete(r.structs, name)
	delete(r.unions, name)
	delete(r.typedefs, name)

	for dep := range r.dependsOn[name] {
		if r.dependents[dep] != nil {
			delete(r.dependents[dep], name)
		}
	}
	delete(r.dependsOn, name)

	r.evictDependentsLocked(name)
	r.recomputeDanglingLocked()
	return nil
}

// Dependencies returns the names name directly references.
func (r *Registry) Dependencies(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.dependsOn[name])
}

// Dependents returns the names that directly reference name.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.dependents[name])
}

// HasCycles reports whether the dependency graph contains a cycle.
func (r *Registry) HasCycles() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, err := r.topoSortLocked()
	return err != nil
}

// TopologicalOrder returns all declaration names in dependency order
// (dependencies before dependents), or an error if the graph has a cycle.
func (r *Registry) TopologicalOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topoSortLocked()
}

func (r *Registry) topoSortLocked() ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var order []string

	names := make([]string, 0, len(r.structs)+len(r.unions)+len(r.typedefs))
	for n := range r.structs {
		names = append(names, n)
	}
	for n := range r.unions {
		names = append(names, n)
	}
	for n := range r.typedefs {
		names = append(names, n)
	}
	sort.Strings(names)

	var visit func(string) error
	visit = func(n string) error {
		switch color[n] {
		case gray:
			return monerr.New(monerr.KindRegistry, "cyclic dependency involving %q", n)
		case black:
			return nil
		}
		color[n] = gray
		deps := sortedKeys(r.dependsOn[n])
		for _, d := range deps {
			if !r.exists(d) {
				continue
			}
			if err := visit(d); err != nil {
				return err
			}
		}
		color[n] = black
		order = append(order, n)
		return nil
	}

	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate reports every dangling dependency currently in the registry.
func (r *Registry) Validate() []error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for name := range r.dangling {
		errs = append(errs, monerr.New(monerr.KindRegistry, "declaration %q has a dangling dependency", name))
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errs
}

// Snapshot returns the registry's own pointers (not copies) to every
// declaration currently held, sorted by name, for use by internal/serialize.
func (r *Registry) Snapshot() (structs []*ctype.StructDecl, unions []*ctype.UnionDecl, typedefs []*ctype.TypedefDecl) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.structs {
		structs = append(structs, s)
	}
	for _, u := range r.unions {
		unions = append(unions, u)
	}
	for _, td := range r.typedefs {
		typedefs = append(typedefs, td)
	}
	sort.Slice(structs, func(i, j int) bool { return structs[i].Name < structs[j].Name })
	sort.Slice(unions, func(i, j int) bool { return unions[i].Name < unions[j].Name })
	sort.Slice(typedefs, func(i, j int) bool { return typedefs[i].Name < typedefs[j].Name })
	return structs, unions, typedefs
}

// Restore replaces the registry's contents with previously-serialized
// declarations, re-deriving the dependency graph. Used by
// internal/serialize's Decode to rebuild a registry.
func (r *Registry) Restore(structs []*ctype.StructDecl, unions []*ctype.UnionDecl, typedefs []*ctype.TypedefDecl) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.structs = make(map[string]*ctype.StructDecl, len(structs))
	r.unions = make(map[string]*ctype.UnionDecl, len(unions))
	r.typedefs = make(map[string]*ctype.TypedefDecl, len(typedefs))
	r.dependsOn = make(map[string]map[string]bool)
	r.dependents = make(map[string]map[string]bool)

	for _, s := range structs {
		r.structs[s.Name] = s
		r.setEdgesLocked(s.Name, s.DependsOn)
	}
	for _, u := range unions {
		r.unions[u.Name] = u
		r.setEdgesLocked(u.Name, u.DependsOn)
	}
	for _, td := range typedefs {
		r.typedefs[td.Name] = td
		r.setEdgesLocked(td.Name, td.DependsOn)
	}
	r.recomputeDanglingLocked()
}

// Describe is a small convenience wrapper exposed for callers (e.g.
// internal/api) that need size/alignment of an arbitrary Type against this
// registry's ABI without looking up a declaration by name first.
func (r *Registry) Describe(t ctype.Type) (size, alignment int, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ctype.Describe(t, r.abi, r.resolveLocked)
}
