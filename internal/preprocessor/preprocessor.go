// Package preprocessor consumes a lexer token sequence and maintains the
// #pragma pack(...) push/pop stack described in spec.md §4.2. All other
// tokens pass through unchanged; other pragmas are dropped from the output.
package preprocessor

import (
	"strconv"
	"strings"

	"github.com/tripwire/monitor/internal/lexer"
	"github.com/tripwire/monitor/internal/monerr"
)

// DefaultPack is the pack value in effect with no active #pragma pack.
const DefaultPack = 8

var validPackValues = map[int]bool{1: true, 2: true, 4: true, 8: true, 16: true}

type packEntry struct {
	value      uint8
	identifier string
}

// Preprocessor tracks pack pragma state across a token stream.
type Preprocessor struct {
	stack   []packEntry
	current uint8
	errs    []error
}

// New returns a Preprocessor with the default pack value active.
func New() *Preprocessor {
	return &Preprocessor{current: DefaultPack}
}

// CurrentPack returns the pack value the layout engine should use right now.
func (p *Preprocessor) CurrentPack() uint8 { return p.current }

// Errors returns every pragma-processing error accumulated so far.
func (p *Preprocessor) Errors() []error { return p.errs }

// Process scans tokens for #pragma directives, updating pack state as a
// side effect, and returns the token stream with preprocessor tokens
// stripped out (the parser never sees them), plus a parallel PackAt slice:
// PackAt[i] is the pack value in effect at the moment output token i was
// lexically encountered, letting the parser capture "the active pack when
// this struct began" even though pack state can change mid-file. Non-pack
// pragmas are dropped from the returned stream too, since they carry no
// parser-relevant state, but do not affect pack tracking.
func (p *Preprocessor) Process(tokens []lexer.Token) (out []lexer.Token, packAt []uint8) {
	out = make([]lexer.Token, 0, len(tokens))
	packAt = make([]uint8, 0, len(tokens))
	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		if tok.Kind != lexer.PragmaDirective {
			out = append(out, tok)
			packAt = append(packAt, p.current)
			i++
			continue
		}
		consumed := p.processPragma(tokens[i:])
		if consumed < 1 {
			consumed = 1
		}
		i += consumed
	}
	return out, packAt
}

// processPragma handles one #pragma directive starting at tokens[0] and
// returns how many tokens it consumed (the directive token itself plus
// everything through the matching ')' or end of line, if any).
func (p *Preprocessor) processPragma(tokens []lexer.Token) int {
	directiveText := tokens[0].Text // "#pragma" or "# pragma" etc.
	if !strings.Contains(directiveText, "pragma") {
		return 1 // not a #pragma (e.g. #ifdef): only the directive token is dropped
	}

	// Scan forward for "pack" identifier followed by a parenthesized arg list.
	idx := 1
	for idx < len(tokens) && tokens[idx].Kind != lexer.Identifier {
		if tokens[idx].Kind == lexer.LParen || tokens[idx].Kind == lexer.Newline || tokens[idx].Kind == lexer.EOF {
			break
		}
		idx++
	}
	if idx >= len(tokens) || tokens[idx].Text != "pack" {
		return idx + 1 // unrecognized pragma: consume through here, pass through
	}
	idx++ // consume "pack"

	if idx >= len(tokens) || tokens[idx].Kind != lexer.LParen {
		p.addError(tokens[0], "expected '(' after #pragma pack")
		return idx
	}
	idx++ // consume '('

	var args []string
	for idx < len(tokens) && tokens[idx].Kind != lexer.RParen {
		if tokens[idx].Kind == lexer.Comma {
			idx++
			continue
		}
		args = append(args, tokens[idx].Text)
		idx++
	}
	if idx < len(tokens) {
		idx++ // consume ')'
	}

	p.applyPackDirective(tokens[0], args)
	return idx
}

func (p *Preprocessor) applyPackDirective(loc lexer.Token, args []string) {
	switch {
	case len(args) == 0:
		p.current = DefaultPack
	case args[0] == "push":
		var n uint8 = p.current
		var ident string
		rest := args[1:]
		if len(rest) == 2 {
			ident = rest[0]
			if v, ok := parsePackValue(rest[1]); ok {
				n = v
			} else {
				p.addError(loc, "invalid pack value %q", rest[1])
				return
			}
		} else if len(rest) == 1 {
			if v, ok := parsePackValue(rest[0]); ok {
				n = v
			} else {
				ident = rest[0] // push with only an identifier, no new value
			}
		}
		p.stack = append(p.stack, packEntry{value: p.current, identifier: ident})
		p.current = n
	case args[0] == "pop":
		rest := args[1:]
		if len(rest) == 1 {
			p.popUntilNamed(rest[0])
		} else {
			p.popOne()
		}
	default:
		if v, ok := parsePackValue(args[0]); ok {
			p.current = v
		} else {
			p.addError(loc, "invalid pack value %q", args[0])
		}
	}
}

func (p *Preprocessor) popOne() {
	if len(p.stack) == 0 {
		p.current = DefaultPack
		return
	}
	top := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	p.current = top.value
}

func (p *Preprocessor) popUntilNamed(name string) {
	for i := len(p.stack) - 1; i >= 0; i-- {
		if p.stack[i].identifier == name {
			p.current = p.stack[i].value
			p.stack = p.stack[:i]
			return
		}
	}
	// Not found: restore default, matching spec.md's "if stack empties" rule.
	p.stack = nil
	p.current = DefaultPack
}

func parsePackValue(s string) (uint8, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || !validPackValues[n] {
		return 0, false
	}
	return uint8(n), true
}

func (p *Preprocessor) addError(tok lexer.Token, format string, args ...any) {
	p.errs = append(p.errs, monerr.At(monerr.KindParse,
		monerr.Location{Line: tok.Line, Column: tok.Column}, format, args...))
}
