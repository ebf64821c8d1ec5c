// Command monitorctl parses a C struct/union/typedef source file under a
// chosen ABI and prints the resulting memory layout.
//
// Usage:
//
//	monitorctl layout --source decls.h --abi gcc-x64
//	monitorctl offset --source decls.h --abi gcc-x64 --struct Header --field payload.len
//	monitorctl version
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tripwire/monitor/internal/ctype"
	"github.com/tripwire/monitor/internal/registry"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "monitorctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: monitorctl <layout|offset|version> --source <path> --abi <compiler-arch>")
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "layout":
		return cmdLayout(rest)
	case "offset":
		return cmdOffset(rest)
	case "version":
		fmt.Println(Version)
		return nil
	default:
		return fmt.Errorf("unknown command %q; use layout, offset, or version", sub)
	}
}

type sourceFlags struct {
	source string
	abi    ctype.ABI
}

func parseABI(s string) (ctype.ABI, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return ctype.ABI{}, fmt.Errorf("--abi must be compiler-arch (e.g. gcc-x64), got %q", s)
	}
	return ctype.ABI{Compiler: ctype.Compiler(parts[0]), Arch: ctype.Arch(parts[1])}, nil
}

func parseSourceFlags(fs *flag.FlagSet, args []string) (sourceFlags, error) {
	source := fs.String("source", "", "path to a C struct/union/typedef source file (required)")
	abi := fs.String("abi", "gcc-x64", "ABI as compiler-arch: {gcc,clang,msvc}-{x86,x64,arm32,arm64}")
	if err := fs.Parse(args); err != nil {
		return sourceFlags{}, err
	}
	if *source == "" {
		return sourceFlags{}, fmt.Errorf("--source is required")
	}
	parsedABI, err := parseABI(*abi)
	if err != nil {
		return sourceFlags{}, err
	}
	return sourceFlags{source: *source, abi: parsedABI}, nil
}

func loadRegistry(sf sourceFlags) (*registry.Registry, error) {
	data, err := os.ReadFile(sf.source)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", sf.source, err)
	}
	reg := registry.New(sf.abi, nil)
	res := reg.Parse(string(data))
	if len(res.Errors) > 0 {
		var b strings.Builder
		for _, e := range res.Errors {
			fmt.Fprintf(&b, "  %v\n", e)
		}
		return nil, fmt.Errorf("parse %q failed:\n%s", sf.source, b.String())
	}
	return reg, nil
}

func cmdLayout(args []string) error {
	fs := flag.NewFlagSet("layout", flag.ContinueOnError)
	sf, err := parseSourceFlags(fs, args)
	if err != nil {
		return err
	}
	reg, err := loadRegistry(sf)
	if err != nil {
		return err
	}

	structs, unions, typedefs := reg.Snapshot()
	for _, s := range structs {
		printStructLayout(s.Name, s.TotalSize, s.Alignment, s.Fields)
	}
	for _, u := range unions {
		printStructLayout(u.Name+" (union)", u.TotalSize, u.Alignment, u.Members)
	}
	for _, td := range typedefs {
		fmt.Printf("typedef %s -> %s\n", td.Name, td.Underlying.String())
	}
	return nil
}

func printStructLayout(name string, size, alignment int, fields []ctype.Field) {
	fmt.Printf("%s: size=%d align=%d\n", name, size, alignment)
	for _, f := range fields {
		if f.Bits != nil {
			fmt.Printf("  %-20s offset=%-4d size=%-3d bit_offset=%-3d bit_width=%-3d %s\n",
				f.Name, f.Offset, f.Size, f.Bits.BitOffset, f.Bits.BitWidth, f.Type.String())
			continue
		}
		fmt.Printf("  %-20s offset=%-4d size=%-3d align=%-3d %s\n",
			f.Name, f.Offset, f.Size, f.Alignment, f.Type.String())
	}
}

func cmdOffset(args []string) error {
	fs := flag.NewFlagSet("offset", flag.ContinueOnError)
	structName := fs.String("struct", "", "declaration name to resolve the field path against (required)")
	fieldPath := fs.String("field", "", "dotted/bracketed field path, e.g. a.b[3].c (required)")
	sf, err := parseSourceFlags(fs, args)
	if err != nil {
		return err
	}
	if *structName == "" || *fieldPath == "" {
		return fmt.Errorf("--struct and --field are required")
	}

	reg, err := loadRegistry(sf)
	if err != nil {
		return err
	}
	loc, err := reg.OffsetOf(*structName, *fieldPath)
	if err != nil {
		return err
	}
	if loc.Bits != nil {
		fmt.Printf("%s.%s: offset=%d size=%d bit_offset=%d bit_width=%d mask=0x%x\n",
			*structName, *fieldPath, loc.Offset, loc.Size, loc.Bits.BitOffset, loc.Bits.BitWidth, loc.Bits.Mask)
		return nil
	}
	fmt.Printf("%s.%s: offset=%d size=%d\n", *structName, *fieldPath, loc.Offset, loc.Size)
	return nil
}
