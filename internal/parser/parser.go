// Package parser implements the recursive-descent parser described in
// spec.md §4.3: it consumes a preprocessed token stream and produces AST
// declarations (StructDecl, UnionDecl, TypedefDecl from package ctype),
// recovering from errors within a struct body instead of aborting the whole
// parse.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/tripwire/monitor/internal/ctype"
	"github.com/tripwire/monitor/internal/lexer"
	"github.com/tripwire/monitor/internal/monerr"
	"github.com/tripwire/monitor/internal/preprocessor"
)

const (
	maxNestingDepth    = 32
	maxFieldsPerStruct = 1000
)

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Result is everything Parse produces for one source text: the parsed
// declarations plus accumulated diagnostics. Partial results are returned
// even when errors occurred, matching spec.md §4.3 "Output".
type Result struct {
	Structs  []*ctype.StructDecl
	Unions   []*ctype.UnionDecl
	Typedefs []*ctype.TypedefDecl

	Errors   []error
	Warnings []error

	SourceHash string
}

// Parse tokenizes, preprocesses, and parses source text in one call.
func Parse(source string) Result {
	toks := lexer.New(source).Tokens()
	pp := preprocessor.New()
	filtered, packAt := pp.Process(toks)

	p := &parserState{tokens: filtered, packAt: packAt}
	p.run()

	sum := sha256.Sum256([]byte(source))
	res := Result{
		Structs:    p.structs,
		Unions:     p.unions,
		Typedefs:   p.typedefs,
		Errors:     append(p.errors, pp.Errors()...),
		Warnings:   p.warnings,
		SourceHash: hex.EncodeToString(sum[:]),
	}
	for _, s := range res.Structs {
		s.SourceHash = res.SourceHash
	}
	for _, u := range res.Unions {
		u.SourceHash = res.SourceHash
	}
	return res
}

type parserState struct {
	tokens []lexer.Token
	packAt []uint8
	pos    int

	context []string // e.g. "in struct X", for error messages

	structs  []*ctype.StructDecl
	unions   []*ctype.UnionDecl
	typedefs []*ctype.TypedefDecl

	errors   []error
	warnings []error
}

func (p *parserState) peek() lexer.Token {
	if p.pos >= len(p.tokens) {
		return lexer.Token{Kind: lexer.EOF}
	}
	return p.tokens[p.pos]
}

func (p *parserState) currentPack() uint8 {
	if p.pos < len(p.packAt) {
		return p.packAt[p.pos]
	}
	return preprocessor.DefaultPack
}

func (p *parserState) advance() lexer.Token {
	tok := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return tok
}

func (p *parserState) atEnd() bool { return p.peek().Kind == lexer.EOF }

func (p *parserState) errorAt(tok lexer.Token, format string, args ...any) {
	ctx := ""
	if len(p.context) > 0 {
		ctx = " in " + p.context[len(p.context)-1]
	}
	p.errors = append(p.errors, monerr.At(monerr.KindParse,
		monerr.Location{Line: tok.Line, Column: tok.Column},
		format+ctx, args...))
}

func (p *parserState) pushContext(name string) { p.context = append(p.context, name) }
func (p *parserState) popContext() {
	if len(p.context) > 0 {
		p.context = p.context[:len(p.context)-1]
	}
}

func (p *parserState) run() {
	for !p.atEnd() {
		tok := p.peek()
		switch tok.Kind {
		case lexer.KeywordStruct:
			p.parseStructDecl()
		case lexer.KeywordUnion:
			p.parseUnionDecl()
		case lexer.KeywordTypedef:
			p.parseTypedef()
		case lexer.Semicolon:
			p.advance()
		default:
			p.advance() // skip unrecognized top-level token
		}
	}
}

func (p *parserState) parseStructDecl() {
	p.advance() // 'struct'
	nameTok := p.peek()
	name := p.expectIdentifier("expected struct name")
	if len(p.context) >= maxNestingDepth {
		p.errorAt(nameTok, "maximum nesting depth (%d) exceeded", maxNestingDepth)
		p.skipToMatchingBrace()
		return
	}
	pack := p.currentPack()
	p.pushContext("struct " + name)
	defer p.popContext()

	if p.peek().Kind != lexer.LBrace {
		p.errorAt(p.peek(), "expected '{' to open struct body")
		p.skipPastSemicolon()
		return
	}
	p.advance() // '{'

	fields, deps := p.parseFieldList()

	if p.peek().Kind == lexer.RBrace {
		p.advance()
	} else {
		p.errorAt(p.peek(), "expected '}' to close struct body")
	}
	if p.peek().Kind == lexer.Semicolon {
		p.advance()
	}

	decl := &ctype.StructDecl{
		Name:      name,
		Fields:    fields,
		IsPacked:  pack != preprocessor.DefaultPack,
		PackValue: pack,
		DependsOn: deps,
	}
	p.checkByValueCycle(decl.Name, decl.Fields)
	p.structs = append(p.structs, decl)
}

func (p *parserState) parseUnionDecl() {
	p.advance() // 'union'
	name := p.expectIdentifier("expected union name")
	p.pushContext("union " + name)
	defer p.popContext()

	if p.peek().Kind != lexer.LBrace {
		p.errorAt(p.peek(), "expected '{' to open union body")
		p.skipPastSemicolon()
		return
	}
	p.advance()

	fields, deps := p.parseFieldList()

	if p.peek().Kind == lexer.RBrace {
		p.advance()
	} else {
		p.errorAt(p.peek(), "expected '}' to close union body")
	}
	if p.peek().Kind == lexer.Semicolon {
		p.advance()
	}

	p.unions = append(p.unions, &ctype.UnionDecl{
		Name:      name,
		Members:   fields,
		DependsOn: deps,
	})
}

func (p *parserState) parseTypedef() {
	p.advance() // 'typedef'
	typ, ok := p.parseType()
	if !ok {
		p.errorAt(p.peek(), "expected type in typedef")
		p.skipPastSemicolon()
		return
	}
	name := p.expectIdentifier("expected typedef name")
	p.expectSemicolon()

	deps := dependenciesOf(typ)
	p.typedefs = append(p.typedefs, &ctype.TypedefDecl{
		Name:       name,
		Underlying: typ,
		DependsOn:  deps,
	})
}

// parseFieldList parses `field*` until the next '}', recovering from
// per-field errors by skipping to the next ';' or the matching '}'.
func (p *parserState) parseFieldList() ([]ctype.Field, []string) {
	var fields []ctype.Field
	seen := map[string]bool{}
	depSet := map[string]bool{}

	for p.peek().Kind != lexer.RBrace && !p.atEnd() {
		if len(fields) >= maxFieldsPerStruct {
			p.errorAt(p.peek(), "maximum fields per struct (%d) exceeded", maxFieldsPerStruct)
			p.skipToMatchingBrace()
			break
		}
		f, deps, ok := p.parseField()
		if !ok {
			p.recoverField()
			continue
		}
		if seen[f.Name] {
			p.errorAt(p.peek(), "duplicate field name %q", f.Name)
			continue // duplicate field is dropped, per spec.md §4.3
		}
		seen[f.Name] = true
		fields = append(fields, f)
		for _, d := range deps {
			depSet[d] = true
		}
	}

	deps := make([]string, 0, len(depSet))
	for d := range depSet {
		deps = append(deps, d)
	}
	return fields, deps
}

// parseField parses `type IDENT [':' INT]? ['[' INT ']']? ';'`.
func (p *parserState) parseField() (ctype.Field, []string, bool) {
	nErrs := len(p.errors)
	typ, ok := p.parseType()
	if !ok {
		if len(p.errors) == nErrs {
			p.errorAt(p.peek(), "expected field type")
		}
		return ctype.Field{}, nil, false
	}

	nameTok := p.peek()
	if nameTok.Kind != lexer.Identifier {
		p.errorAt(nameTok, "expected field name")
		return ctype.Field{}, nil, false
	}
	if !identRE.MatchString(nameTok.Text) || lexer.IsKeyword(nameTok.Text) {
		p.errorAt(nameTok, "invalid field name %q", nameTok.Text)
		return ctype.Field{}, nil, false
	}
	p.advance()

	var bits *ctype.BitView
	if p.peek().Kind == lexer.Colon {
		p.advance()
		widthTok := p.peek()
		width, ok := p.parseIntLiteral()
		if !ok {
			p.errorAt(widthTok, "expected integer bitfield width")
			return ctype.Field{}, nil, false
		}
		if width < 0 {
			p.errorAt(widthTok, "invalid bitfield width %d", width)
			return ctype.Field{}, nil, false
		}
		bits = &ctype.BitView{BitWidth: uint32(width)}
	} else if p.peek().Kind == lexer.LBracket {
		p.advance()
		lenTok := p.peek()
		length := 0
		if p.peek().Kind != lexer.RBracket {
			n, ok := p.parseIntLiteral()
			if !ok {
				p.errorAt(lenTok, "expected array length")
				return ctype.Field{}, nil, false
			}
			length = n
		}
		if p.peek().Kind != lexer.RBracket {
			p.errorAt(p.peek(), "expected ']'")
			return ctype.Field{}, nil, false
		}
		p.advance()
		typ = ctype.Array(typ, length)
	}

	if p.peek().Kind != lexer.Semicolon {
		p.errorAt(p.peek(), "expected ';' after field declaration")
		return ctype.Field{}, nil, false
	}
	p.advance()

	return ctype.Field{Name: nameTok.Text, Type: typ, Bits: bits}, dependenciesOf(typ), true
}

// parseType parses `qualifier* (primitive | IDENT) pointer_suffix*`.
func (p *parserState) parseType() (ctype.Type, bool) {
	for p.peek().Kind == lexer.KeywordConst || p.peek().Kind == lexer.KeywordVolatile ||
		p.peek().Kind == lexer.KeywordStatic || p.peek().Kind == lexer.KeywordExtern ||
		p.peek().Kind == lexer.KeywordInline {
		p.advance()
	}

	var typ ctype.Type
	switch tok := p.peek(); tok.Kind {
	case lexer.KeywordVoid:
		p.advance()
		typ = ctype.Primitive(ctype.PVoid)
	case lexer.KeywordBool:
		p.advance()
		typ = ctype.Primitive(ctype.PBool)
	case lexer.KeywordFloatType:
		p.advance()
		typ = ctype.Primitive(ctype.PFloat)
	case lexer.KeywordDoubleType:
		p.advance()
		typ = ctype.Primitive(ctype.PDouble)
	case lexer.KeywordSigned, lexer.KeywordUnsigned:
		unsigned := tok.Kind == lexer.KeywordUnsigned
		p.advance()
		typ = p.parseIntegerAfterSign(unsigned)
	case lexer.KeywordCharType:
		p.advance()
		typ = ctype.Primitive(ctype.PChar)
	case lexer.KeywordShort:
		p.advance()
		if p.peek().Kind == lexer.KeywordInt {
			p.advance()
		}
		typ = ctype.Primitive(ctype.PShort)
	case lexer.KeywordInt:
		p.advance()
		typ = ctype.Primitive(ctype.PInt)
	case lexer.KeywordLong:
		p.advance()
		typ = p.parseLongTail()
	case lexer.KeywordStruct, lexer.KeywordUnion:
		p.advance()
		nameTok := p.peek()
		if nameTok.Kind != lexer.Identifier {
			p.errorAt(nameTok, "expected tag name after '%s'", tok.Text)
			return ctype.Type{}, false
		}
		p.advance()
		typ = ctype.Named(nameTok.Text)
	case lexer.Identifier:
		p.advance()
		typ = ctype.Named(tok.Text)
	default:
		return ctype.Type{}, false
	}

	for p.peek().Kind == lexer.Operator && p.peek().Text == "*" {
		p.advance()
		typ = ctype.Pointer(typ)
	}
	return typ, true
}

// parseLongTail handles "long", "long long", and "long double" following an
// already-consumed "long" keyword.
func (p *parserState) parseLongTail() ctype.Type {
	if p.peek().Kind == lexer.KeywordLong {
		p.advance()
		return ctype.Primitive(ctype.PLongLong)
	}
	if p.peek().Kind == lexer.KeywordDoubleType {
		p.advance()
		return ctype.Primitive(ctype.PLongDouble)
	}
	if p.peek().Kind == lexer.KeywordInt {
		p.advance()
	}
	return ctype.Primitive(ctype.PLong)
}

func (p *parserState) parseIntegerAfterSign(unsigned bool) ctype.Type {
	switch p.peek().Kind {
	case lexer.KeywordCharType:
		p.advance()
		if unsigned {
			return ctype.Primitive(ctype.PUnsignedChar)
		}
		return ctype.Primitive(ctype.PSignedChar)
	case lexer.KeywordShort:
		p.advance()
		if p.peek().Kind == lexer.KeywordInt {
			p.advance()
		}
		if unsigned {
			return ctype.Primitive(ctype.PUnsignedShort)
		}
		return ctype.Primitive(ctype.PShort)
	case lexer.KeywordLong:
		p.advance()
		if p.peek().Kind == lexer.KeywordLong {
			p.advance()
			if p.peek().Kind == lexer.KeywordInt {
				p.advance()
			}
			if unsigned {
				return ctype.Primitive(ctype.PUnsignedLongLong)
			}
			return ctype.Primitive(ctype.PLongLong)
		}
		if p.peek().Kind == lexer.KeywordInt {
			p.advance()
		}
		if unsigned {
			return ctype.Primitive(ctype.PUnsignedLong)
		}
		return ctype.Primitive(ctype.PLong)
	case lexer.KeywordInt:
		p.advance()
		fallthrough
	default:
		if unsigned {
			return ctype.Primitive(ctype.PUnsignedInt)
		}
		return ctype.Primitive(ctype.PInt)
	}
}

func (p *parserState) parseIntLiteral() (int, bool) {
	tok := p.peek()
	if tok.Kind != lexer.Integer {
		return 0, false
	}
	p.advance()
	n, err := parseIntText(tok.Text)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseIntText(text string) (int, error) {
	end := len(text)
	for end > 0 && strings.ContainsRune("uUlL", rune(text[end-1])) {
		end--
	}
	n, err := strconv.ParseInt(text[:end], 0, 64)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (p *parserState) expectIdentifier(msg string) string {
	tok := p.peek()
	if tok.Kind != lexer.Identifier {
		p.errorAt(tok, "%s", msg)
		return ""
	}
	if !identRE.MatchString(tok.Text) || lexer.IsKeyword(tok.Text) {
		p.errorAt(tok, "invalid identifier %q", tok.Text)
	}
	p.advance()
	return tok.Text
}

func (p *parserState) expectSemicolon() {
	if p.peek().Kind == lexer.Semicolon {
		p.advance()
		return
	}
	p.errorAt(p.peek(), "expected ';'")
}

// recoverField skips tokens to the next ';' or matching '}', per spec.md
// §4.3's error-recovery rule.
func (p *parserState) recoverField() {
	depth := 0
	for !p.atEnd() {
		tok := p.peek()
		if depth == 0 && (tok.Kind == lexer.Semicolon || tok.Kind == lexer.RBrace) {
			if tok.Kind == lexer.Semicolon {
				p.advance()
			}
			return
		}
		if tok.Kind == lexer.LBrace {
			depth++
		}
		if tok.Kind == lexer.RBrace {
			if depth == 0 {
				return
			}
			depth--
		}
		p.advance()
	}
}

func (p *parserState) skipPastSemicolon() {
	for !p.atEnd() && p.peek().Kind != lexer.Semicolon {
		p.advance()
	}
	if !p.atEnd() {
		p.advance()
	}
}

func (p *parserState) skipToMatchingBrace() {
	depth := 0
	for !p.atEnd() {
		tok := p.advance()
		if tok.Kind == lexer.LBrace {
			depth++
		}
		if tok.Kind == lexer.RBrace {
			if depth == 0 {
				return
			}
			depth--
			if depth == 0 {
				return
			}
		}
	}
}

// checkByValueCycle reports a direct by-value self-reference, which is
// always a cycle since a struct cannot contain itself by value. Indirect
// cycles are detected later by the registry's dependency graph (pointer-
// mediated cycles are allowed; spec.md §9 "Registry ownership").
func (p *parserState) checkByValueCycle(name string, fields []ctype.Field) {
	for _, f := range fields {
		if f.Type.Tag() == ctype.TagNamed && f.Type.Name() == name {
			p.errors = append(p.errors, monerr.New(monerr.KindRegistry,
				"struct %q contains itself by value through field %q", name, f.Name))
		}
	}
}

// dependenciesOf walks a Type looking for Named references.
func dependenciesOf(t ctype.Type) []string {
	switch t.Tag() {
	case ctype.TagNamed:
		return []string{t.Name()}
	case ctype.TagArray, ctype.TagPointer:
		return dependenciesOf(t.Elem())
	default:
		return nil
	}
}
