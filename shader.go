package mtlhal

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"

	"github.com/gogpu/mtlhal/native"
)

// ShaderSource selects how a shader module's source is interpreted.
type ShaderSource uint8

const (
	// SourceWGSL is translated through the translator chain.
	SourceWGSL ShaderSource = iota
	// SourceMSL is handed to the native compiler unchanged.
	SourceMSL
)

// ShaderModuleDescriptor describes a shader module.
type ShaderModuleDescriptor struct {
	Label  string
	Source ShaderSource
	Code   string
}

// ShaderModule is a parsed and validated shader.
type ShaderModule struct {
	label  string
	source ShaderSource
	code   string
	ir     *ir.Module
	hash   [sha256.Size]byte
}

// Label returns the module label.
func (m *ShaderModule) Label() string { return m.label }

// Hash returns the digest of the module source.
func (m *ShaderModule) Hash() [sha256.Size]byte { return m.hash }

// Source returns how the module's code is interpreted.
func (m *ShaderModule) Source() ShaderSource { return m.source }

// IR returns the lowered module, or nil for native source.
func (m *ShaderModule) IR() *ir.Module { return m.ir }

// CreateShaderModule parses, lowers and validates WGSL. Native source is
// stored as is and bypasses translation.
func (d *Device) CreateShaderModule(desc *ShaderModuleDescriptor) (*ShaderModule, error) {
	m := &ShaderModule{
		label:  desc.Label,
		source: desc.Source,
		code:   desc.Code,
		hash:   sha256.Sum256(append([]byte{byte(desc.Source)}, desc.Code...)),
	}
	switch desc.Source {
	case SourceMSL:
		return m, nil
	case SourceWGSL:
	default:
		return nil, fmt.Errorf("%w: shader source kind %d", ErrInvalidDescriptor, desc.Source)
	}

	ast, err := naga.Parse(desc.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidShaderModule, desc.Label, err)
	}
	module, err := naga.LowerWithSource(ast, desc.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidShaderModule, desc.Label, err)
	}
	verrs, err := naga.Validate(module)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidShaderModule, desc.Label, err)
	}
	if len(verrs) > 0 {
		msgs := make([]string, len(verrs))
		for i := range verrs {
			msgs[i] = verrs[i].Error()
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidShaderModule, desc.Label, strings.Join(msgs, "; "))
	}
	m.ir = module
	return m, nil
}

// DestroyShaderModule releases the module. It is a no-op.
func (d *Device) DestroyShaderModule(*ShaderModule) {}

// SpecConstant is one specialization value, matched to a module override
// by its numeric id.
type SpecConstant struct {
	ID    uint32
	Value float64
}

// Specialization is the specialization data of one stage.
type Specialization struct {
	Constants []SpecConstant
}

// resolveSpecialization matches supplied constants to the module's
// overrides by id. Unknown ids are ignored. A required override with no
// value fails with ErrMissingSpecialization.
func resolveSpecialization(m *ir.Module, label string, spec Specialization) (map[string]float64, error) {
	if len(m.Overrides) == 0 {
		if len(spec.Constants) > 0 {
			Logger().Warn("mtlhal: specialization data for a module without overrides",
				"module", label, "constants", len(spec.Constants))
		}
		return nil, nil
	}

	supplied := make(map[uint32]float64, len(spec.Constants))
	for _, c := range spec.Constants {
		supplied[c.ID] = c.Value
	}

	out := make(map[string]float64)
	for _, o := range m.Overrides {
		if o.ID == nil {
			if o.Init == nil {
				return nil, fmt.Errorf("%w: %w: override %q has no id and no default",
					ErrBadSpecialization, ErrMissingSpecialization, o.Name)
			}
			continue
		}
		v, ok := supplied[uint32(*o.ID)]
		if !ok {
			if o.Init == nil {
				return nil, fmt.Errorf("%w: %w: override %q (id %d)",
					ErrBadSpecialization, ErrMissingSpecialization, o.Name, *o.ID)
			}
			continue
		}
		out[strconv.FormatUint(uint64(*o.ID), 10)] = v
	}
	return out, nil
}

// ShaderStageDescriptor selects one entry point of a module.
type ShaderStageDescriptor struct {
	Module         *ShaderModule
	EntryPoint     string
	Specialization Specialization
}

// CompiledShader is a stage ready for pipeline creation.
type CompiledShader struct {
	Library  native.Library
	Function native.Function
	// Workgroup is the compute workgroup size, zero for native source.
	Workgroup [3]uint32
	// Rasterization is false for vertex entries that produce no output.
	Rasterization bool
	// Sized lists bindings whose element counts the caller passes through
	// the sizes buffer.
	Sized      []ir.ResourceBinding
	Translator string
}

// TranslateShader translates one stage against layout without compiling
// it natively. Native source is returned unchanged.
func (d *Device) TranslateShader(stage Stage, sd *ShaderStageDescriptor, layout *PipelineLayout) (*Translation, error) {
	tr, _, err := d.translateStage(stage, sd, layout, false, nil)
	return tr, err
}

// translateStage resolves specialization and runs the translator chain,
// through cache when it is non-nil. It also reports whether the stage
// feeds the rasterizer.
func (d *Device) translateStage(stage Stage, sd *ShaderStageDescriptor, layout *PipelineLayout, pointSize bool, cache *PipelineCache) (*Translation, bool, error) {
	if sd == nil || sd.Module == nil {
		return nil, false, fmt.Errorf("%w: %s stage has no module", ErrInvalidDescriptor, stage)
	}
	mod := sd.Module
	if mod.ir == nil {
		return &Translation{Source: mod.code}, true, nil
	}

	if layout == nil {
		return nil, false, fmt.Errorf("%w: %s stage has no pipeline layout", ErrInvalidDescriptor, stage)
	}
	ep := findEntryPoint(mod.ir, stage, sd.EntryPoint)
	if ep == nil {
		return nil, false, fmt.Errorf("%w: %s %q in %s", ErrEntryPointNotFound, stage, sd.EntryPoint, mod.label)
	}
	constants, err := resolveSpecialization(mod.ir, mod.label, sd.Specialization)
	if err != nil {
		return nil, false, err
	}

	req := &TranslateRequest{
		Module:         mod.ir,
		Stage:          stage,
		EntryPoint:     sd.EntryPoint,
		Layout:         layout,
		Constants:      constants,
		ForcePointSize: pointSize && stage == StageVertex,
		LangVersion:    d.cfg.LangVersion,
	}
	var tr *Translation
	if cache != nil {
		tr, err = cache.translation(d, newCompileKey(d, req, mod), req)
	} else {
		tr, err = d.translate(req)
	}
	if err != nil {
		return nil, false, err
	}
	return tr, stage != StageVertex || ep.Function.Result != nil, nil
}

// compileStage translates and natively compiles one stage.
func (d *Device) compileStage(stage Stage, sd *ShaderStageDescriptor, layout *PipelineLayout, pointSize bool, cache *PipelineCache) (*CompiledShader, error) {
	tr, raster, err := d.translateStage(stage, sd, layout, pointSize, cache)
	if err != nil {
		return nil, err
	}
	return d.compileNative(stage, sd, tr, raster)
}

// compileNative hands source to the native compiler and resolves the
// entry symbol. A name missing from the translation table is used
// verbatim with a zero workgroup size.
func (d *Device) compileNative(stage Stage, sd *ShaderStageDescriptor, tr *Translation, raster bool) (*CompiledShader, error) {
	src := tr.Source
	var lib native.Library
	err := d.withNative(func(dev native.Device) error {
		var err error
		lib, err = dev.NewLibraryWithSource(src, native.CompileOptions{
			LanguageVersion: native.LanguageVersion{
				Major: d.cfg.LangVersion.Major,
				Minor: d.cfg.LangVersion.Minor,
			},
			FastMath: true,
		})
		return err
	})
	if err != nil {
		Logger().Warn("mtlhal: native compiler rejected shader",
			"stage", stage.String(),
			"entry", sd.EntryPoint,
			"error", err,
			"source", src)
		return nil, &CompileError{Stage: stage, EntryPoint: sd.EntryPoint, Source: src, Err: err}
	}

	name, ok := tr.EntryPoints[sd.EntryPoint]
	workgroup := tr.Workgroup
	if !ok {
		name = sd.EntryPoint
		workgroup = [3]uint32{}
	}
	fn, err := lib.NewFunction(name)
	if err != nil {
		lib.Release()
		return nil, fmt.Errorf("%w: %s %q: %w", ErrEntryPointNotFound, stage, name, err)
	}

	return &CompiledShader{
		Library:       lib,
		Function:      fn,
		Workgroup:     workgroup,
		Rasterization: raster,
		Sized:         slices.Clone(tr.Sized),
		Translator:    tr.Translator,
	}, nil
}

// release frees the native library.
func (s *CompiledShader) release() {
	if s != nil && s.Library != nil {
		s.Library.Release()
	}
}

// IsShaderCompileError reports whether err came from translation or
// native compilation, as opposed to a bad descriptor or specialization.
func IsShaderCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}
