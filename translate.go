package mtlhal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/msl"
)

// Translator turns one entry point of a shader module into shading
// language source for the native compiler.
//
// A Device holds an ordered chain of translators. Each shader stage is
// offered to the translators in order and the first success wins.
type Translator interface {
	// Name identifies the translator in logs and errors.
	Name() string
	// Translate produces source for req.EntryPoint.
	Translate(req *TranslateRequest) (*Translation, error)
}

// TranslateRequest is everything a translator sees for one stage.
type TranslateRequest struct {
	Module     *ir.Module
	Stage      Stage
	EntryPoint string
	Layout     *PipelineLayout
	// Constants are the resolved specialization values, keyed by override
	// id in decimal.
	Constants map[string]float64
	// ForcePointSize makes vertex shaders write a point size.
	ForcePointSize bool
	LangVersion    msl.Version
}

// Translation is the output of a translator. It is what the compile cache
// stores and what a pipeline cache persists.
type Translation struct {
	Translator string `cbor:"1,keyasint"`
	Source     string `cbor:"2,keyasint"`
	// EntryPoints maps source entry names to compiled symbol names.
	EntryPoints map[string]string `cbor:"3,keyasint"`
	// Workgroup is the compute workgroup size of the translated entry.
	Workgroup [3]uint32 `cbor:"4,keyasint"`
	// Sized lists bindings whose element counts are passed through the
	// sizes buffer.
	Sized               []ir.ResourceBinding `cbor:"5,keyasint"`
	RequiresSizesBuffer bool                 `cbor:"6,keyasint"`
}

// errArgumentBuffers is returned by PrimaryTranslator for layouts with
// argument-buffer sets, which it cannot express.
var errArgumentBuffers = errors.New("argument-buffer descriptor sets are not supported")

// PrimaryTranslator emits MSL with naga, passing the layout's binding map
// straight through. Every referenced binding must be present in the map
// and bounds checks stay on.
type PrimaryTranslator struct{}

// Name returns "primary".
func (PrimaryTranslator) Name() string { return "primary" }

// Translate implements Translator.
func (PrimaryTranslator) Translate(req *TranslateRequest) (*Translation, error) {
	if req.Layout.hasArgumentBuffers() {
		return nil, errArgumentBuffers
	}
	opts := msl.Options{
		LangVersion:                   req.LangVersion,
		PerEntryPointMap:              map[string]msl.EntryPointResources{req.EntryPoint: req.Layout.entryPointResources(req.Stage)},
		InlineSamplers:                req.Layout.InlineSamplers(),
		BoundsCheckPolicies:           msl.DefaultBoundsCheckPolicies(),
		ZeroInitializeWorkgroupMemory: true,
		ForceLoopBounding:             true,
		PipelineConstants:             req.Constants,
		AllowAndForcePointSize:        req.ForcePointSize,
	}
	return runMSL("primary", req, req.Module, opts)
}

// FallbackTranslator emits MSL with naga for modules the primary
// translator rejects. Overrides are folded into constants before code
// generation, bounds checks are dropped, and bindings the layout does
// not place are given placeholder slots. Binding overrides are rebuilt
// from the layout's binding map, so argument-buffer sets fall through to
// placeholders.
type FallbackTranslator struct{}

// Name returns "fallback".
func (FallbackTranslator) Name() string { return "fallback" }

// Translate implements Translator.
func (FallbackTranslator) Translate(req *TranslateRequest) (*Translation, error) {
	module := req.Module
	if len(module.Overrides) > 0 {
		module = ir.CloneModuleForOverrides(module)
		if err := ir.ProcessOverrides(module, ir.PipelineConstants(req.Constants)); err != nil {
			return nil, fmt.Errorf("fold overrides: %w", err)
		}
	}

	resources := msl.EntryPointResources{Resources: make(map[ir.ResourceBinding]msl.BindTarget)}
	for _, e := range req.Layout.Bindings() {
		if e.Key.Stage != req.Stage {
			continue
		}
		resources.Resources[ir.ResourceBinding{Group: e.Key.Set, Binding: e.Key.Binding}] = e.Target.toMSL()
	}
	info := req.Layout.StageInfo(req.Stage)
	if info.PushConstants != nil {
		resources.PushConstantBuffer = slotPtr(info.PushConstants.Slot)
	}
	if info.SizesBuffer != nil {
		resources.SizesBuffer = slotPtr(*info.SizesBuffer)
	}

	opts := msl.Options{
		LangVersion:         req.LangVersion,
		PerEntryPointMap:    map[string]msl.EntryPointResources{req.EntryPoint: resources},
		InlineSamplers:      req.Layout.InlineSamplers(),
		BoundsCheckPolicies: msl.BoundsCheckPolicies{},
		FakeMissingBindings: true,
		// Already folded.
		PipelineConstants:      nil,
		AllowAndForcePointSize: req.ForcePointSize,
	}
	return runMSL("fallback", req, module, opts)
}

// runMSL runs the naga MSL back end for one entry point.
func runMSL(name string, req *TranslateRequest, module *ir.Module, opts msl.Options) (*Translation, error) {
	ep := findEntryPoint(module, req.Stage, req.EntryPoint)
	if ep == nil {
		return nil, fmt.Errorf("%w: %s %q", ErrEntryPointNotFound, req.Stage, req.EntryPoint)
	}

	src, info, err := msl.CompileWithPipeline(module, opts, msl.PipelineOptions{
		EntryPoint: &msl.EntryPointSelector{
			Stage: req.Stage.irStage(),
			Name:  req.EntryPoint,
		},
		AllowAndForcePointSize: req.ForcePointSize,
	})
	if err != nil {
		return nil, err
	}

	return &Translation{
		Translator:          name,
		Source:              src,
		EntryPoints:         info.EntryPointNames,
		Workgroup:           ep.Workgroup,
		Sized:               sizedBindings(module),
		RequiresSizesBuffer: info.RequiresSizesBuffer,
	}, nil
}

// translate offers req to each translator in turn. The error of the last
// translator is returned when all fail.
func (d *Device) translate(req *TranslateRequest) (*Translation, error) {
	var errs []string
	for i, t := range d.translators {
		tr, err := t.Translate(req)
		if err == nil {
			if i > 0 {
				Logger().Warn("mtlhal: fallback translator engaged",
					"translator", t.Name(),
					"stage", req.Stage.String(),
					"entry", req.EntryPoint,
					"errors", strings.Join(errs, "; "))
			}
			Logger().Debug("mtlhal: translated shader",
				"translator", t.Name(),
				"stage", req.Stage.String(),
				"entry", req.EntryPoint,
				"source", tr.Source)
			return tr, nil
		}
		// A missing entry point fails every translator the same way.
		if errors.Is(err, ErrEntryPointNotFound) {
			return nil, err
		}
		errs = append(errs, t.Name()+": "+err.Error())
		if i == len(d.translators)-1 {
			return nil, &CompileError{
				Stage:      req.Stage,
				EntryPoint: req.EntryPoint,
				Translator: t.Name(),
				Err:        err,
			}
		}
	}
	return nil, fmt.Errorf("%w: no translators configured", ErrShaderCompilation)
}

// findEntryPoint returns the entry point of the given stage and name.
func findEntryPoint(m *ir.Module, s Stage, name string) *ir.EntryPoint {
	for i := range m.EntryPoints {
		ep := &m.EntryPoints[i]
		if ep.Stage == s.irStage() && ep.Name == name {
			return ep
		}
	}
	return nil
}

// sizedBindings lists storage bindings whose type ends in a runtime-sized
// array.
func sizedBindings(m *ir.Module) []ir.ResourceBinding {
	var out []ir.ResourceBinding
	for _, g := range m.GlobalVariables {
		if g.Binding == nil || g.Space != ir.SpaceStorage {
			continue
		}
		if isRuntimeSized(m, g.Type) {
			out = append(out, *g.Binding)
		}
	}
	return out
}

func isRuntimeSized(m *ir.Module, h ir.TypeHandle) bool {
	if int(h) >= len(m.Types) {
		return false
	}
	switch t := m.Types[h].Inner.(type) {
	case ir.ArrayType:
		return t.Size.Constant == nil
	case ir.StructType:
		if len(t.Members) == 0 {
			return false
		}
		return isRuntimeSized(m, t.Members[len(t.Members)-1].Type)
	default:
		return false
	}
}
