// Package mtlhal translates an abstract GPU programming model into a
// Metal-style native driver.
//
// # Overview
//
// Callers describe resources the way a portable hardware abstraction does:
// memory types, buffers and images that are created unbound and later bound
// to memory, descriptor set layouts, pipeline layouts with push constants,
// and shader modules in WGSL. mtlhal turns these into native objects through
// the interfaces of package native.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/mtlhal"
//	    "github.com/gogpu/mtlhal/native/soft"
//	)
//
//	dev, err := mtlhal.NewDevice(soft.New(soft.Options{}))
//	if err != nil {
//	    return err
//	}
//	defer dev.Destroy()
//
//	layout, err := dev.CreatePipelineLayout(&mtlhal.PipelineLayoutDescriptor{
//	    SetLayouts: []*mtlhal.DescriptorSetLayout{set0},
//	})
//
// # Binding Model
//
// CreatePipelineLayout assigns every binding a slot in the buffer, texture
// and sampler spaces of each stage that sees it. Push constants take buffer
// slot 0. A sizes buffer for runtime-sized arrays takes the slot after all
// sets. Layouts that exceed Config.Limits fail with ErrResourceLimit.
//
// Descriptor sets are either emulated (parallel slot arrays owned by the
// pool) or argument buffers (one encoded buffer per set), selected by
// Config.ArgumentBuffers.
//
// # Shaders
//
// Shader stages are translated to MSL by a chain of translators, primary
// then fallback. Translations can be shared across pipelines through a
// PipelineCache, which computes each translation at most once and can be
// persisted with PipelineCacheData.
//
// # Lifecycle
//
// Buffers and images move one way from unbound to bound. Binding twice,
// using an unbound object, or mapping memory the CPU cannot see panics with
// a *ProgrammingError. Destroy operations accept nil and repeated calls.
//
// # Logging
//
// mtlhal is silent by default. Use SetLogger to route its diagnostics to a
// slog.Logger.
package mtlhal
