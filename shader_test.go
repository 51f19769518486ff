package mtlhal

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga/ir"

	"github.com/gogpu/mtlhal/native/soft"
)

const computeWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<f32>;

@compute @workgroup_size(64, 1, 1)
fn cs_main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = data[id.x] * 2.0;
}
`

// stubTranslator returns a fixed translation or error and counts calls.
type stubTranslator struct {
	name   string
	source string
	err    error
	calls  atomic.Int32
}

func (s *stubTranslator) Name() string { return s.name }

func (s *stubTranslator) Translate(req *TranslateRequest) (*Translation, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	src := s.source
	if src == "" {
		src = "kernel void " + req.EntryPoint + "_(device float* p [[buffer(0)]])"
	}
	ep := findEntryPoint(req.Module, req.Stage, req.EntryPoint)
	return &Translation{
		Translator:  s.name,
		Source:      src,
		EntryPoints: map[string]string{req.EntryPoint: req.EntryPoint + "_"},
		Workgroup:   ep.Workgroup,
	}, nil
}

// irModule builds a shader module around hand-written IR.
func irModule(label string, m *ir.Module) *ShaderModule {
	return &ShaderModule{label: label, ir: m, hash: [32]byte{byte(len(label))}}
}

func computeModule() *ShaderModule {
	return irModule("compute", &ir.Module{
		EntryPoints: []ir.EntryPoint{{Name: "main", Stage: ir.StageCompute, Workgroup: [3]uint32{8, 8, 1}}},
	})
}

func emptyLayout(t *testing.T, dev *Device) *PipelineLayout {
	t.Helper()
	return mustPipelineLayout(t, dev, &PipelineLayoutDescriptor{})
}

// captureLogs routes package logs into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	return &buf
}

func TestCreateShaderModule(t *testing.T) {
	dev := newTestDevice(t, DefaultConfig())

	m, err := dev.CreateShaderModule(&ShaderModuleDescriptor{Label: "double", Code: computeWGSL})
	if err != nil {
		t.Fatalf("CreateShaderModule: %v", err)
	}
	if m.IR() == nil {
		t.Fatal("WGSL module has no IR")
	}
	if findEntryPoint(m.IR(), StageCompute, "cs_main") == nil {
		t.Error("cs_main not found in lowered module")
	}
	if m.Label() != "double" || m.Source() != SourceWGSL {
		t.Errorf("Label() = %q, Source() = %v", m.Label(), m.Source())
	}

	again, _ := dev.CreateShaderModule(&ShaderModuleDescriptor{Code: computeWGSL})
	if again.Hash() != m.Hash() {
		t.Error("equal sources hash differently")
	}
	native, err := dev.CreateShaderModule(&ShaderModuleDescriptor{Source: SourceMSL, Code: computeWGSL})
	if err != nil {
		t.Fatalf("CreateShaderModule(MSL): %v", err)
	}
	if native.IR() != nil {
		t.Error("native source was parsed")
	}
	if native.Hash() == m.Hash() {
		t.Error("source kind does not contribute to the hash")
	}
	dev.DestroyShaderModule(m)
}

func TestCreateShaderModuleErrors(t *testing.T) {
	dev := newTestDevice(t, DefaultConfig())
	tests := []struct {
		name string
		desc ShaderModuleDescriptor
		want error
	}{
		{"syntax", ShaderModuleDescriptor{Code: "fn main( {"}, ErrInvalidShaderModule},
		{"source kind", ShaderModuleDescriptor{Source: ShaderSource(9), Code: "x"}, ErrInvalidDescriptor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := dev.CreateShaderModule(&tt.desc); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestResolveSpecialization(t *testing.T) {
	id := func(v uint16) *uint16 { return &v }
	def := ir.ExpressionHandle(0)
	overrides := []ir.Override{
		{Name: "required", ID: id(1)},
		{Name: "defaulted", ID: id(2), Init: &def},
		{Name: "named", Init: &def},
	}

	tests := []struct {
		name      string
		overrides []ir.Override
		spec      []SpecConstant
		want      map[string]float64
		wantErr   bool
	}{
		{
			name: "no overrides ignores data",
			spec: []SpecConstant{{ID: 1, Value: 3}},
		},
		{
			name:      "required supplied",
			overrides: overrides,
			spec:      []SpecConstant{{ID: 1, Value: 0.5}},
			want:      map[string]float64{"1": 0.5},
		},
		{
			name:      "default overridden and unknown ignored",
			overrides: overrides,
			spec:      []SpecConstant{{ID: 1, Value: 1}, {ID: 2, Value: 7}, {ID: 40, Value: 9}},
			want:      map[string]float64{"1": 1, "2": 7},
		},
		{
			name:      "required missing",
			overrides: overrides,
			spec:      []SpecConstant{{ID: 2, Value: 7}},
			wantErr:   true,
		},
		{
			name:      "no id and no default",
			overrides: []ir.Override{{Name: "orphan"}},
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &ir.Module{Overrides: tt.overrides}
			got, err := resolveSpecialization(m, "test", Specialization{Constants: tt.spec})
			if tt.wantErr {
				if !errors.Is(err, ErrBadSpecialization) || !errors.Is(err, ErrMissingSpecialization) {
					t.Errorf("error = %v, want ErrBadSpecialization and ErrMissingSpecialization", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveSpecialization: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("constant %s = %g, want %g", k, got[k], v)
				}
			}
		})
	}
}

func TestSpecializationWithoutOverridesIsLogged(t *testing.T) {
	logs := captureLogs(t)
	if _, err := resolveSpecialization(&ir.Module{}, "plain", Specialization{Constants: []SpecConstant{{ID: 3}}}); err != nil {
		t.Fatalf("resolveSpecialization: %v", err)
	}
	if !strings.Contains(logs.String(), "without overrides") {
		t.Errorf("log = %q, want a warning about unexpected specialization", logs.String())
	}
}

func TestTranslatorChain(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name           string
		errs           []error
		wantTranslator string
		wantCalls      []int32
		wantFallback   bool
	}{
		{"first wins", []error{nil, nil}, "t0", []int32{1, 0}, false},
		{"fallback", []error{boom, nil}, "t1", []int32{1, 1}, true},
		{"all fail", []error{boom, boom}, "", []int32{1, 1}, false},
		{"entry point short-circuits", []error{ErrEntryPointNotFound, nil}, "", []int32{1, 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := captureLogs(t)
			var chain []Translator
			var stubs []*stubTranslator
			for i, err := range tt.errs {
				s := &stubTranslator{name: "t" + string(rune('0'+i)), err: err}
				stubs = append(stubs, s)
				chain = append(chain, s)
			}
			dev := newTestDevice(t, DefaultConfig(), WithTranslators(chain...))

			tr, err := dev.TranslateShader(StageCompute, &ShaderStageDescriptor{Module: computeModule(), EntryPoint: "main"},
				emptyLayout(t, dev))
			for i, s := range stubs {
				if got := s.calls.Load(); got != tt.wantCalls[i] {
					t.Errorf("translator %d called %d times, want %d", i, got, tt.wantCalls[i])
				}
			}
			engaged := strings.Contains(logs.String(), "fallback translator engaged")
			if engaged != tt.wantFallback {
				t.Errorf("fallback warning logged = %v, want %v", engaged, tt.wantFallback)
			}

			switch {
			case tt.wantTranslator != "":
				if err != nil {
					t.Fatalf("TranslateShader: %v", err)
				}
				if tr.Translator != tt.wantTranslator || tr.Workgroup != [3]uint32{8, 8, 1} {
					t.Errorf("translation = %+v", tr)
				}
			case errors.Is(tt.errs[0], ErrEntryPointNotFound):
				if !errors.Is(err, ErrEntryPointNotFound) || IsShaderCompileError(err) {
					t.Errorf("error = %v, want a bare ErrEntryPointNotFound", err)
				}
			default:
				var ce *CompileError
				if !errors.As(err, &ce) || ce.Translator != "t1" || !errors.Is(err, boom) {
					t.Fatalf("error = %v, want *CompileError from t1 wrapping boom", err)
				}
				if !errors.Is(err, ErrShaderCompilation) {
					t.Error("CompileError does not match ErrShaderCompilation")
				}
			}
		})
	}
}

func TestTranslateStageErrors(t *testing.T) {
	stub := &stubTranslator{name: "stub"}
	dev := newTestDevice(t, DefaultConfig(), WithTranslators(stub))
	layout := emptyLayout(t, dev)

	tests := []struct {
		name   string
		stage  Stage
		sd     *ShaderStageDescriptor
		layout *PipelineLayout
		want   error
	}{
		{"nil descriptor", StageCompute, nil, layout, ErrInvalidDescriptor},
		{"nil module", StageCompute, &ShaderStageDescriptor{EntryPoint: "main"}, layout, ErrInvalidDescriptor},
		{"nil layout", StageCompute, &ShaderStageDescriptor{Module: computeModule(), EntryPoint: "main"}, nil, ErrInvalidDescriptor},
		{"wrong name", StageCompute, &ShaderStageDescriptor{Module: computeModule(), EntryPoint: "other"}, layout, ErrEntryPointNotFound},
		{"wrong stage", StageVertex, &ShaderStageDescriptor{Module: computeModule(), EntryPoint: "main"}, layout, ErrEntryPointNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := dev.TranslateShader(tt.stage, tt.sd, tt.layout); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
	if n := stub.calls.Load(); n != 0 {
		t.Errorf("translator ran %d times for rejected requests", n)
	}
}

func TestCompileStageRasterization(t *testing.T) {
	stub := &stubTranslator{name: "stub", source: "vertex float4 main_()"}
	dev := newTestDevice(t, DefaultConfig(), WithTranslators(stub))
	layout := emptyLayout(t, dev)

	withOutput := irModule("out", &ir.Module{EntryPoints: []ir.EntryPoint{{
		Name: "main", Stage: ir.StageVertex, Function: ir.Function{Result: &ir.FunctionResult{}},
	}}})
	noOutput := irModule("none", &ir.Module{EntryPoints: []ir.EntryPoint{{Name: "main", Stage: ir.StageVertex}}})

	tests := []struct {
		name  string
		stage Stage
		mod   *ShaderModule
		want  bool
	}{
		{"vertex with output", StageVertex, withOutput, true},
		{"vertex without output", StageVertex, noOutput, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs, err := dev.compileStage(tt.stage, &ShaderStageDescriptor{Module: tt.mod, EntryPoint: "main"}, layout, false, nil)
			if err != nil {
				t.Fatalf("compileStage: %v", err)
			}
			defer cs.release()
			if cs.Rasterization != tt.want {
				t.Errorf("Rasterization = %v, want %v", cs.Rasterization, tt.want)
			}
			if cs.Function.Name() != "main_" {
				t.Errorf("function = %q, want the translated name", cs.Function.Name())
			}
		})
	}
}

func TestCompileStageNativeSource(t *testing.T) {
	stub := &stubTranslator{name: "stub"}
	dev := newTestDevice(t, DefaultConfig(), WithTranslators(stub))
	mod, err := dev.CreateShaderModule(&ShaderModuleDescriptor{
		Label:  "native",
		Source: SourceMSL,
		Code:   "#include <metal_stdlib>\nkernel void fill(device uint* out [[buffer(0)]]) {}\n",
	})
	if err != nil {
		t.Fatalf("CreateShaderModule: %v", err)
	}

	cs, err := dev.compileStage(StageCompute, &ShaderStageDescriptor{Module: mod, EntryPoint: "fill"}, nil, false, nil)
	if err != nil {
		t.Fatalf("compileStage: %v", err)
	}
	if cs.Function.Name() != "fill" {
		t.Errorf("function = %q, want the verbatim name", cs.Function.Name())
	}
	if cs.Workgroup != ([3]uint32{}) {
		t.Errorf("Workgroup = %v, want zero for native source", cs.Workgroup)
	}
	if stub.calls.Load() != 0 {
		t.Error("native source went through the translator")
	}

	if _, err := dev.compileStage(StageCompute, &ShaderStageDescriptor{Module: mod, EntryPoint: "missing"}, nil, false, nil); !errors.Is(err, ErrEntryPointNotFound) {
		t.Errorf("missing native entry: error = %v, want ErrEntryPointNotFound", err)
	}
}

func TestCompileStageNativeRejection(t *testing.T) {
	logs := captureLogs(t)
	stub := &stubTranslator{name: "stub", source: "#error unsupported builtin\nkernel void main_()"}
	dev := newTestDevice(t, DefaultConfig(), WithTranslators(stub))

	_, err := dev.compileStage(StageCompute, &ShaderStageDescriptor{Module: computeModule(), EntryPoint: "main"},
		emptyLayout(t, dev), false, nil)
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *CompileError", err)
	}
	if ce.Translator != "" || !strings.Contains(ce.Source, "#error") {
		t.Errorf("CompileError = %+v, want native failure carrying the source", ce)
	}
	var diag *soft.CompileError
	if !errors.As(err, &diag) || diag.Diagnostics[0] != "unsupported builtin" {
		t.Errorf("diagnostics not preserved: %v", err)
	}
	if !strings.Contains(logs.String(), "native compiler rejected shader") {
		t.Error("rejection was not logged")
	}
}

func TestPrimaryTranslatorRejectsArgumentBuffers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ArgumentBuffers = true
	dev := newTestDevice(t, cfg)
	set := mustSetLayout(t, dev,
		DescriptorSetLayoutBinding{Binding: 0, Type: DescriptorUniformBuffer, Count: 1, Stages: gputypes.ShaderStageCompute})
	layout := mustPipelineLayout(t, dev, &PipelineLayoutDescriptor{SetLayouts: []*DescriptorSetLayout{set}})

	_, err := PrimaryTranslator{}.Translate(&TranslateRequest{
		Module: computeModule().IR(), Stage: StageCompute, EntryPoint: "main", Layout: layout,
	})
	if !errors.Is(err, errArgumentBuffers) {
		t.Errorf("error = %v, want errArgumentBuffers", err)
	}
}

func TestTranslateWGSL(t *testing.T) {
	dev := newTestDevice(t, DefaultConfig())
	mod, err := dev.CreateShaderModule(&ShaderModuleDescriptor{Label: "double", Code: computeWGSL})
	if err != nil {
		t.Fatalf("CreateShaderModule: %v", err)
	}
	set := mustSetLayout(t, dev,
		DescriptorSetLayoutBinding{Binding: 0, Type: DescriptorStorageBuffer, Count: 1, Stages: gputypes.ShaderStageCompute})
	layout := mustPipelineLayout(t, dev, &PipelineLayoutDescriptor{SetLayouts: []*DescriptorSetLayout{set}})

	tr, err := dev.TranslateShader(StageCompute, &ShaderStageDescriptor{Module: mod, EntryPoint: "cs_main"}, layout)
	if err != nil {
		t.Fatalf("TranslateShader: %v", err)
	}
	if tr.Translator != "primary" {
		t.Errorf("Translator = %q, want primary", tr.Translator)
	}
	if tr.Workgroup != [3]uint32{64, 1, 1} {
		t.Errorf("Workgroup = %v", tr.Workgroup)
	}
	if _, ok := tr.EntryPoints["cs_main"]; !ok {
		t.Errorf("EntryPoints = %v, want cs_main", tr.EntryPoints)
	}
	if !strings.Contains(tr.Source, "kernel") {
		t.Error("generated source has no kernel")
	}
	if len(tr.Sized) != 1 || tr.Sized[0] != (ir.ResourceBinding{Group: 0, Binding: 0}) {
		t.Errorf("Sized = %v, want the runtime-sized storage binding", tr.Sized)
	}
}
