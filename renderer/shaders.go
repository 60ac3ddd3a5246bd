package renderer

import (
	_ "embed"
	"fmt"

	"github.com/gogpu/naga"
)

// Embedded WGSL kernel sources.

//go:embed shaders/gbuffer.wgsl
var gbufferShaderSource string

//go:embed shaders/lighting.wgsl
var lightingShaderSource string

//go:embed shaders/tonemap.wgsl
var tonemapShaderSource string

//go:embed shaders/brdf_lut.wgsl
var brdfLUTShaderSource string

// Kernel identifies a built-in shader.
type Kernel int

const (
	// KernelGBuffer is the G-buffer vertex and fragment shader.
	KernelGBuffer Kernel = iota

	// KernelLighting is the deferred lighting compute kernel.
	KernelLighting

	// KernelToneMap is the tone mapping compute kernel.
	KernelToneMap

	// KernelBRDFLUT bakes the split-sum BRDF lookup table.
	KernelBRDFLUT
)

// String returns the kernel name.
func (k Kernel) String() string {
	switch k {
	case KernelGBuffer:
		return "gbuffer"
	case KernelLighting:
		return "lighting"
	case KernelToneMap:
		return "tonemap"
	case KernelBRDFLUT:
		return "brdf_lut"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Source returns the WGSL source of the kernel.
func (k Kernel) Source() string {
	switch k {
	case KernelGBuffer:
		return gbufferShaderSource
	case KernelLighting:
		return lightingShaderSource
	case KernelToneMap:
		return tonemapShaderSource
	case KernelBRDFLUT:
		return brdfLUTShaderSource
	default:
		return ""
	}
}

// workgroupSize is the @workgroup_size of the compute kernels.
var workgroupSize = [3]uint32{8, 8, 1}

// compileKernel compiles the kernel's WGSL to SPIR-V words.
func compileKernel(k Kernel) ([]uint32, error) {
	src := k.Source()
	if src == "" {
		return nil, fmt.Errorf("renderer: %w: %s", ErrUnknownKernel, k)
	}
	spirv, err := naga.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("renderer: compile %s: %w", k, err)
	}
	return spirvWords(spirv), nil
}

// spirvWords converts little-endian SPIR-V bytes to words.
func spirvWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	return words
}
