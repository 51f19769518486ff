//go:build !(js && wasm)

package soft

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gogpu/mtlhal/native"
)

// entryDecl matches MSL entry-point declarations such as
// "vertex VsOut vs_main(" or "kernel void cs_main(".
var entryDecl = regexp.MustCompile(`(?m)^\s*(vertex|fragment|kernel)\s+[^\n(]*?\b(\w+)\s*\(`)

// errorDirective matches "#error message" lines, which the software
// compiler reports as diagnostics.
var errorDirective = regexp.MustCompile(`(?m)^\s*#error\s*(.*)$`)

// CompileError carries the diagnostics of a rejected library.
type CompileError struct {
	Diagnostics []string
}

func (e *CompileError) Error() string {
	return "soft: library compilation failed: " + strings.Join(e.Diagnostics, "; ")
}

// Library implements native.Library.
type Library struct {
	id        uint64
	Source    string
	Options   native.CompileOptions
	functions map[string]string // name -> stage keyword
	names     []string
}

var _ native.Library = (*Library)(nil)

// NewLibraryWithSource "compiles" MSL by locating entry-point declarations.
func (d *Device) NewLibraryWithSource(source string, opts native.CompileOptions) (native.Library, error) {
	if m := errorDirective.FindAllStringSubmatch(source, -1); len(m) > 0 {
		diags := make([]string, len(m))
		for i, sub := range m {
			diags[i] = strings.TrimSpace(sub[1])
		}
		return nil, &CompileError{Diagnostics: diags}
	}
	if strings.TrimSpace(source) == "" {
		return nil, &CompileError{Diagnostics: []string{"empty source"}}
	}

	lib := &Library{
		id:        d.newID(),
		Source:    source,
		Options:   opts,
		functions: make(map[string]string),
	}
	for _, m := range entryDecl.FindAllStringSubmatch(source, -1) {
		if _, dup := lib.functions[m[2]]; dup {
			continue
		}
		lib.functions[m[2]] = m[1]
		lib.names = append(lib.names, m[2])
	}
	return lib, nil
}

// ID returns the library handle.
func (l *Library) ID() uint64 { return l.id }

// Release is a no-op.
func (l *Library) Release() {}

// FunctionNames lists entry points in declaration order.
func (l *Library) FunctionNames() []string {
	return append([]string(nil), l.names...)
}

// NewFunction looks up an entry point.
func (l *Library) NewFunction(name string) (native.Function, error) {
	stage, ok := l.functions[name]
	if !ok {
		return nil, fmt.Errorf("soft: function %q not found in library", name)
	}
	return &Function{name: name, Stage: stage}, nil
}

// Function implements native.Function.
type Function struct {
	name  string
	Stage string
}

// Name returns the function name.
func (f *Function) Name() string { return f.name }
