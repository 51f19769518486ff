package mtlhal

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/mtlhal/native"
)

// Pipeline is a GraphicsPipeline or a ComputePipeline.
type Pipeline interface {
	Layout() *PipelineLayout
	release()
}

// GraphicsPipelineDescriptor describes a render pipeline.
type GraphicsPipelineDescriptor struct {
	Label  string
	Layout *PipelineLayout
	Vertex ShaderStageDescriptor
	// Fragment is optional.
	Fragment     *ShaderStageDescriptor
	Topology     gputypes.PrimitiveTopology
	ColorFormats []gputypes.TextureFormat
	DepthFormat  gputypes.TextureFormat
	SampleCount  uint32
	// Cache, when non-nil, serves and records translations.
	Cache *PipelineCache
}

// GraphicsPipeline is a compiled render pipeline.
type GraphicsPipeline struct {
	raw           native.RenderPipelineState
	layout        *PipelineLayout
	vertex        *CompiledShader
	fragment      *CompiledShader
	rasterization bool
}

// Native returns the native pipeline state.
func (p *GraphicsPipeline) Native() native.RenderPipelineState { return p.raw }

// Layout returns the pipeline layout.
func (p *GraphicsPipeline) Layout() *PipelineLayout { return p.layout }

// Vertex returns the compiled vertex stage.
func (p *GraphicsPipeline) Vertex() *CompiledShader { return p.vertex }

// Fragment returns the compiled fragment stage, or nil.
func (p *GraphicsPipeline) Fragment() *CompiledShader { return p.fragment }

// RasterizationEnabled reports whether the vertex stage feeds the
// rasterizer.
func (p *GraphicsPipeline) RasterizationEnabled() bool { return p.rasterization }

func (p *GraphicsPipeline) release() {
	p.raw.Release()
	p.vertex.release()
	p.fragment.release()
}

// CreateGraphicsPipeline compiles the vertex and fragment stages
// concurrently and creates the native pipeline state. A vertex entry
// without outputs disables rasterization and the fragment stage is
// dropped.
func (d *Device) CreateGraphicsPipeline(desc *GraphicsPipelineDescriptor) (*GraphicsPipeline, error) {
	if desc.Layout == nil {
		return nil, fmt.Errorf("%w: graphics pipeline %q has no layout", ErrInvalidDescriptor, desc.Label)
	}
	pointSize := desc.Topology == gputypes.PrimitiveTopologyPointList

	var vs, fs *CompiledShader
	var g errgroup.Group
	g.Go(func() error {
		var err error
		vs, err = d.compileStage(StageVertex, &desc.Vertex, desc.Layout, pointSize, desc.Cache)
		return err
	})
	if desc.Fragment != nil {
		g.Go(func() error {
			var err error
			fs, err = d.compileStage(StageFragment, desc.Fragment, desc.Layout, false, desc.Cache)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		vs.release()
		fs.release()
		return nil, err
	}

	if !vs.Rasterization && fs != nil {
		Logger().Debug("mtlhal: rasterization disabled, dropping fragment stage", "pipeline", desc.Label)
		fs.release()
		fs = nil
	}

	nd := &native.RenderPipelineDescriptor{
		Label:                desc.Label,
		VertexFunction:       vs.Function,
		RasterizationEnabled: vs.Rasterization,
		Topology:             desc.Topology,
		ColorFormats:         desc.ColorFormats,
		DepthFormat:          desc.DepthFormat,
		SampleCount:          max(desc.SampleCount, 1),
		Archives:             desc.Cache.nativeArchives(),
	}
	if fs != nil {
		nd.FragmentFunction = fs.Function
	}

	var raw native.RenderPipelineState
	err := d.withNative(func(dev native.Device) error {
		var err error
		if raw, err = dev.NewRenderPipelineState(nd); err != nil {
			return deviceError("create render pipeline", err)
		}
		return nil
	})
	if err != nil {
		vs.release()
		fs.release()
		return nil, err
	}
	for _, a := range nd.Archives {
		if err := a.AddRenderPipeline(nd); err != nil {
			Logger().Warn("mtlhal: binary archive rejected pipeline", "pipeline", desc.Label, "error", err)
		}
	}

	return &GraphicsPipeline{
		raw:           raw,
		layout:        desc.Layout,
		vertex:        vs,
		fragment:      fs,
		rasterization: vs.Rasterization,
	}, nil
}

// ComputePipelineDescriptor describes a compute pipeline.
type ComputePipelineDescriptor struct {
	Label   string
	Layout  *PipelineLayout
	Compute ShaderStageDescriptor
	Cache   *PipelineCache
}

// ComputePipeline is a compiled compute pipeline.
type ComputePipeline struct {
	raw     native.ComputePipelineState
	layout  *PipelineLayout
	compute *CompiledShader
}

// Native returns the native pipeline state.
func (p *ComputePipeline) Native() native.ComputePipelineState { return p.raw }

// Layout returns the pipeline layout.
func (p *ComputePipeline) Layout() *PipelineLayout { return p.layout }

// Compute returns the compiled compute stage.
func (p *ComputePipeline) Compute() *CompiledShader { return p.compute }

// Workgroup returns the threadgroup size.
func (p *ComputePipeline) Workgroup() [3]uint32 { return p.compute.Workgroup }

func (p *ComputePipeline) release() {
	p.raw.Release()
	p.compute.release()
}

// CreateComputePipeline compiles the compute stage and creates the native
// pipeline state.
func (d *Device) CreateComputePipeline(desc *ComputePipelineDescriptor) (*ComputePipeline, error) {
	if desc.Layout == nil {
		return nil, fmt.Errorf("%w: compute pipeline %q has no layout", ErrInvalidDescriptor, desc.Label)
	}
	cs, err := d.compileStage(StageCompute, &desc.Compute, desc.Layout, false, desc.Cache)
	if err != nil {
		return nil, err
	}

	nd := &native.ComputePipelineDescriptor{
		Label:           desc.Label,
		Function:        cs.Function,
		ThreadgroupSize: cs.Workgroup,
		Archives:        desc.Cache.nativeArchives(),
	}
	var raw native.ComputePipelineState
	err = d.withNative(func(dev native.Device) error {
		var err error
		if raw, err = dev.NewComputePipelineState(nd); err != nil {
			return deviceError("create compute pipeline", err)
		}
		return nil
	})
	if err != nil {
		cs.release()
		return nil, err
	}
	for _, a := range nd.Archives {
		if err := a.AddComputePipeline(nd); err != nil {
			Logger().Warn("mtlhal: binary archive rejected pipeline", "pipeline", desc.Label, "error", err)
		}
	}
	return &ComputePipeline{raw: raw, layout: desc.Layout, compute: cs}, nil
}

// DestroyPipeline releases a graphics or compute pipeline. Nil is
// ignored.
func (d *Device) DestroyPipeline(p Pipeline) {
	switch p := p.(type) {
	case nil:
	case *GraphicsPipeline:
		if p != nil {
			p.release()
		}
	case *ComputePipeline:
		if p != nil {
			p.release()
		}
	default:
		p.release()
	}
}
