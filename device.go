package mtlhal

import (
	"fmt"
	"sync"

	"github.com/gogpu/mtlhal/native"
)

// Device translates abstract GPU objects into native driver objects.
//
// Thread Safety:
// Device is safe for concurrent use. Calls that create native objects
// (allocation, compilation, pipeline-state creation) serialize on an
// internal lock around the native device. Layout compilation and
// descriptor writes do not take the lock.
type Device struct {
	cfg Config

	// mu guards raw for object creation.
	mu  sync.Mutex
	raw native.Device

	memoryTypes []MemoryType

	// invalidation is a secondary queue used only by
	// InvalidateMappedRanges so it never waits behind application work.
	invalidation native.CommandQueue

	visibility  *VisibilityBuffer
	translators []Translator
}

// NewDevice wraps a native device.
//
// Example:
//
//	dev, err := mtlhal.NewDevice(soft.New(soft.Options{}))
//	if err != nil {
//	    return err
//	}
func NewDevice(raw native.Device, opts ...DeviceOption) (*Device, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: nil native device", ErrInvalidDescriptor)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.config.withDefaults()

	queue, err := raw.NewCommandQueue()
	if err != nil {
		return nil, deviceError("create invalidation queue", err)
	}
	vis, err := newVisibilityBuffer(raw, cfg.MaxQueries)
	if err != nil {
		return nil, err
	}

	d := &Device{
		cfg:          cfg,
		raw:          raw,
		memoryTypes:  memoryTypesFor(cfg),
		invalidation: queue,
		visibility:   vis,
		translators:  o.translators,
	}

	info := raw.Info()
	Logger().Info("mtlhal: device created",
		"adapter", info.Name,
		"type", info.Type.String(),
		"argumentBuffers", cfg.ArgumentBuffers,
		"resourceHeaps", cfg.ResourceHeaps,
		"memoryTypes", len(d.memoryTypes))

	return d, nil
}

// Config returns the effective device configuration.
func (d *Device) Config() Config { return d.cfg }

// Native returns the wrapped native device.
func (d *Device) Native() native.Device { return d.raw }

// Visibility returns the occlusion visibility buffer.
func (d *Device) Visibility() *VisibilityBuffer { return d.visibility }

// withNative runs fn with the native device lock held.
func (d *Device) withNative(fn func(raw native.Device) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(d.raw)
}

// triage wakes every waiter whose condition may have changed. It runs
// whenever a fence or event changes state or a submission completes.
func (d *Device) triage() {
	d.visibility.triage()
}

// Destroy releases device-owned native objects. Calling Destroy twice is
// a no-op.
func (d *Device) Destroy() {
	d.visibility.destroy()
}
