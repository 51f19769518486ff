package main

import (
	"fmt"
	"io"

	"github.com/gogpu/gputypes"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/mtlhal"
)

// layoutFile is the YAML description of a pipeline layout.
//
//	argumentBuffers: false
//	sets:
//	  - bindings:
//	      - {binding: 0, type: uniform-buffer, stages: [vertex, fragment]}
//	      - {binding: 1, type: sampled-image, count: 4, stages: [fragment]}
//	pushConstants:
//	  - {stages: [vertex], start: 0, end: 64}
type layoutFile struct {
	ArgumentBuffers bool                `yaml:"argumentBuffers"`
	Limits          *limitsFile         `yaml:"limits"`
	Sets            []setFile           `yaml:"sets"`
	PushConstants   []pushConstantsFile `yaml:"pushConstants"`
}

type limitsFile struct {
	Buffers  uint32 `yaml:"buffers"`
	Textures uint32 `yaml:"textures"`
	Samplers uint32 `yaml:"samplers"`
}

type setFile struct {
	Bindings []bindingFile `yaml:"bindings"`
}

type bindingFile struct {
	Binding uint32   `yaml:"binding"`
	Type    string   `yaml:"type"`
	Count   *uint32  `yaml:"count"`
	Stages  []string `yaml:"stages"`
	// Immutable gives every array element a default immutable sampler.
	Immutable bool `yaml:"immutable"`
}

type pushConstantsFile struct {
	Stages []string `yaml:"stages"`
	Start  uint32   `yaml:"start"`
	End    uint32   `yaml:"end"`
}

// readLayoutFile decodes a layout description. Unknown fields are errors.
func readLayoutFile(r io.Reader) (*layoutFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f layoutFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode layout: %w", err)
	}
	return &f, nil
}

// config returns the device configuration the file asks for.
func (f *layoutFile) config() mtlhal.Config {
	cfg := mtlhal.DefaultConfig()
	cfg.ArgumentBuffers = f.ArgumentBuffers
	if f.Limits != nil {
		cfg.Limits = mtlhal.StageLimits{
			Buffers:  f.Limits.Buffers,
			Textures: f.Limits.Textures,
			Samplers: f.Limits.Samplers,
		}
	}
	return cfg
}

func parseStages(names []string) (gputypes.ShaderStages, error) {
	var mask gputypes.ShaderStages
	for _, n := range names {
		s, ok := mtlhal.ParseStage(n)
		if !ok {
			return 0, fmt.Errorf("unknown stage %q", n)
		}
		mask |= s.Flag()
	}
	return mask, nil
}

// build creates the set layouts and the pipeline layout on dev.
func (f *layoutFile) build(dev *mtlhal.Device) (*mtlhal.PipelineLayout, error) {
	desc := &mtlhal.PipelineLayoutDescriptor{Label: "mtlc"}
	for i, set := range f.Sets {
		bindings := make([]mtlhal.DescriptorSetLayoutBinding, 0, len(set.Bindings))
		for _, b := range set.Bindings {
			typ, ok := mtlhal.ParseDescriptorType(b.Type)
			if !ok {
				return nil, fmt.Errorf("set %d binding %d: unknown type %q", i, b.Binding, b.Type)
			}
			stages, err := parseStages(b.Stages)
			if err != nil {
				return nil, fmt.Errorf("set %d binding %d: %w", i, b.Binding, err)
			}
			lb := mtlhal.DescriptorSetLayoutBinding{Binding: b.Binding, Type: typ, Count: 1, Stages: stages}
			if b.Count != nil {
				lb.Count = *b.Count
			}
			if b.Immutable {
				for range lb.Count {
					s, err := dev.CreateSampler(nil)
					if err != nil {
						return nil, err
					}
					lb.ImmutableSamplers = append(lb.ImmutableSamplers, s)
				}
			}
			bindings = append(bindings, lb)
		}
		sl, err := dev.CreateDescriptorSetLayout(bindings)
		if err != nil {
			return nil, fmt.Errorf("set %d: %w", i, err)
		}
		desc.SetLayouts = append(desc.SetLayouts, sl)
	}
	for _, pc := range f.PushConstants {
		stages, err := parseStages(pc.Stages)
		if err != nil {
			return nil, fmt.Errorf("push constants: %w", err)
		}
		desc.PushConstantRanges = append(desc.PushConstantRanges, gputypes.PushConstantRange{
			Stages: stages, Start: pc.Start, End: pc.End,
		})
	}
	return dev.CreatePipelineLayout(desc)
}
