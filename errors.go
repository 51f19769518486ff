package mtlhal

import (
	"errors"
	"fmt"

	"github.com/gogpu/wgpu/hal"
)

// Package errors. Callers match them with errors.Is.
var (
	// ErrOutOfHostMemory is returned when a host-side structure cannot be
	// built, including pipeline layouts that exceed per-stage limits.
	ErrOutOfHostMemory = errors.New("mtlhal: out of host memory")

	// ErrOutOfDeviceMemory is returned when the native driver cannot
	// allocate a resource.
	ErrOutOfDeviceMemory = errors.New("mtlhal: out of device memory")

	// ErrResourceLimit is returned when a pipeline layout needs more slots
	// in some stage than the device provides. It is always accompanied by
	// ErrOutOfHostMemory.
	ErrResourceLimit = errors.New("mtlhal: per-stage resource limit exceeded")

	// ErrBadSpecialization is returned when specialization data does not
	// fit the shader module.
	ErrBadSpecialization = errors.New("mtlhal: bad specialization")

	// ErrMissingSpecialization is returned when a required specialization
	// constant was not supplied. It is always accompanied by
	// ErrBadSpecialization.
	ErrMissingSpecialization = errors.New("mtlhal: missing required specialization constant")

	// ErrEntryPointNotFound is returned when no entry point matches the
	// requested stage and name.
	ErrEntryPointNotFound = errors.New("mtlhal: entry point not found")

	// ErrShaderCompilation is returned when translation or native
	// compilation fails. The error chain carries a *CompileError.
	ErrShaderCompilation = errors.New("mtlhal: shader compilation failed")

	// ErrInvalidShaderModule is returned when a shader module cannot be
	// parsed or validated.
	ErrInvalidShaderModule = errors.New("mtlhal: invalid shader module")

	// ErrOutOfPoolMemory is returned when a descriptor pool has no room
	// for another set.
	ErrOutOfPoolMemory = errors.New("mtlhal: out of descriptor pool memory")

	// ErrInvalidDescriptor is returned for malformed creation descriptors.
	ErrInvalidDescriptor = errors.New("mtlhal: invalid descriptor")

	// ErrUnsupported is returned for features the device does not offer.
	ErrUnsupported = errors.New("mtlhal: unsupported")
)

// CompileError describes a failed shader translation or native compile.
type CompileError struct {
	// Stage and EntryPoint identify the shader.
	Stage      Stage
	EntryPoint string
	// Translator names the translator that failed, empty for native
	// compilation.
	Translator string
	// Source is the generated source handed to the native compiler, if any.
	Source string
	// Err is the underlying diagnostic.
	Err error
}

func (e *CompileError) Error() string {
	if e.Translator != "" {
		return fmt.Sprintf("mtlhal: %s entry %q: %s translator: %v", e.Stage, e.EntryPoint, e.Translator, e.Err)
	}
	return fmt.Sprintf("mtlhal: %s entry %q: native compile: %v", e.Stage, e.EntryPoint, e.Err)
}

// Unwrap lets errors.Is reach ErrShaderCompilation and the diagnostic.
func (e *CompileError) Unwrap() []error { return []error{ErrShaderCompilation, e.Err} }

// ProgrammingError is the panic value for lifecycle contract violations:
// binding an object twice, using an object before it is bound, or mapping
// memory the CPU cannot see. These are bugs in the calling code, not
// runtime conditions.
type ProgrammingError struct {
	Op  string
	Msg string
}

func (e *ProgrammingError) Error() string {
	return "mtlhal: " + e.Op + ": " + e.Msg
}

// contractViolation panics with a *ProgrammingError.
func contractViolation(op, format string, args ...any) {
	panic(&ProgrammingError{Op: op, Msg: fmt.Sprintf(format, args...)})
}

// deviceError maps native allocation failures onto the package taxonomy.
func deviceError(op string, err error) error {
	if errors.Is(err, hal.ErrDeviceOutOfMemory) {
		return fmt.Errorf("%w: %s: %w", ErrOutOfDeviceMemory, op, err)
	}
	return fmt.Errorf("mtlhal: %s: %w", op, err)
}
