// Package lexer tokenizes C-style struct-definition source text: a
// single-pass, position-tracking scanner that never fails the whole input —
// unrecognized bytes become Invalid tokens so the parser can still recover
// and continue.
package lexer

// Kind classifies a Token.
type Kind int

const (
	Identifier Kind = iota
	Integer
	Float
	String
	Char

	KeywordStruct
	KeywordUnion
	KeywordTypedef
	KeywordConst
	KeywordVolatile
	KeywordStatic
	KeywordExtern
	KeywordInline
	KeywordSigned
	KeywordUnsigned
	KeywordVoid
	KeywordCharType
	KeywordShort
	KeywordInt
	KeywordLong
	KeywordFloatType
	KeywordDoubleType
	KeywordBool
	KeywordClass
	KeywordEnum

	Operator

	Semicolon
	Comma
	Colon
	DoubleColon
	Dot
	Arrow
	LParen
	RParen
	LBrace
	RBrace
	LBracket
	RBracket

	PragmaDirective
	IncludeDirective
	DefineDirective
	Hash

	Newline
	Comment
	EOF
	Invalid
)

// keywords maps reserved identifiers to their keyword Kind. Anything not in
// this table that matches the identifier grammar is an Identifier token.
var keywords = map[string]Kind{
	"struct":   KeywordStruct,
	"union":    KeywordUnion,
	"typedef":  KeywordTypedef,
	"const":    KeywordConst,
	"volatile": KeywordVolatile,
	"static":   KeywordStatic,
	"extern":   KeywordExtern,
	"inline":   KeywordInline,
	"signed":   KeywordSigned,
	"unsigned": KeywordUnsigned,
	"void":     KeywordVoid,
	"char":     KeywordCharType,
	"short":    KeywordShort,
	"int":      KeywordInt,
	"long":     KeywordLong,
	"float":    KeywordFloatType,
	"double":   KeywordDoubleType,
	"bool":     KeywordBool,
	"class":    KeywordClass,
	"enum":     KeywordEnum,
}

// IsKeyword reports whether ident is a reserved keyword, as required by the
// parser's identifier-validation rule (spec.md §4.3).
func IsKeyword(ident string) bool {
	_, ok := keywords[ident]
	return ok
}

// Token is one lexical unit. Line and Column index the start of the token,
// both 1-based.
type Token struct {
	Kind   Kind
	Text   string
	Line   int
	Column int
	Offset int
}
