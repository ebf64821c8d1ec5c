package preprocessor_test

import (
	"testing"

	"github.com/tripwire/monitor/internal/lexer"
	"github.com/tripwire/monitor/internal/preprocessor"
)

func TestDefaultPack(t *testing.T) {
	p := preprocessor.New()
	if p.CurrentPack() != preprocessor.DefaultPack {
		t.Errorf("default pack = %d, want %d", p.CurrentPack(), preprocessor.DefaultPack)
	}
}

func TestPragmaPackSet(t *testing.T) {
	toks := lexer.New("#pragma pack(1)\nstruct P { int a; };").Tokens()
	p := preprocessor.New()
	out, _ := p.Process(toks)
	if p.CurrentPack() != 1 {
		t.Errorf("pack = %d, want 1", p.CurrentPack())
	}
	for _, tok := range out {
		if tok.Kind == lexer.PragmaDirective {
			t.Error("pragma directive tokens should be stripped from the output stream")
		}
	}
}

func TestPragmaPackPushPop(t *testing.T) {
	toks := lexer.New("#pragma pack(push, 2)\n#pragma pack(pop)\n").Tokens()
	p := preprocessor.New()
	_, _ = p.Process(toks)
	if p.CurrentPack() != preprocessor.DefaultPack {
		t.Errorf("pack after push/pop = %d, want default %d", p.CurrentPack(), preprocessor.DefaultPack)
	}
}

func TestPragmaPackPushNamedPop(t *testing.T) {
	toks := lexer.New("#pragma pack(push, a, 1)\n#pragma pack(push, b, 2)\n#pragma pack(pop, a)\n").Tokens()
	p := preprocessor.New()
	_, _ = p.Process(toks)
	if p.CurrentPack() != preprocessor.DefaultPack {
		t.Errorf("pack after named pop = %d, want default %d", p.CurrentPack(), preprocessor.DefaultPack)
	}
}

func TestPragmaPackResetWithNoArgs(t *testing.T) {
	toks := lexer.New("#pragma pack(4)\n#pragma pack()\n").Tokens()
	p := preprocessor.New()
	_, _ = p.Process(toks)
	if p.CurrentPack() != preprocessor.DefaultPack {
		t.Errorf("pack after reset = %d, want default %d", p.CurrentPack(), preprocessor.DefaultPack)
	}
}

func TestInvalidPackValueReportsErrorAndLeavesPackUnchanged(t *testing.T) {
	toks := lexer.New("#pragma pack(3)\n").Tokens()
	p := preprocessor.New()
	p.Process(toks)
	if len(p.Errors()) == 0 {
		t.Error("expected an error for invalid pack value 3")
	}
	if p.CurrentPack() != preprocessor.DefaultPack {
		t.Errorf("pack should remain unchanged, got %d", p.CurrentPack())
	}
}

func TestOtherPragmasPassThrough(t *testing.T) {
	toks := lexer.New("#pragma once\nstruct P { int a; };").Tokens()
	p := preprocessor.New()
	out, _ := p.Process(toks)
	if p.CurrentPack() != preprocessor.DefaultPack {
		t.Errorf("unrelated pragma should not change pack, got %d", p.CurrentPack())
	}
	var sawStruct bool
	for _, tok := range out {
		if tok.Kind == lexer.KeywordStruct {
			sawStruct = true
		}
	}
	if !sawStruct {
		t.Error("struct declaration should survive preprocessing")
	}
}
