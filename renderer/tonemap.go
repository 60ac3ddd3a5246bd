package renderer

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/g3d/device"
	"github.com/gogpu/g3d/framegraph"
)

// Default tone mapping parameters.
const (
	DefaultExposure = 1.0
	DefaultGamma    = 2.2
)

// toneMapParams matches Params in tonemap.wgsl.
type toneMapParams struct {
	Exposure float32
	Gamma    float32
	Size     [2]uint32
}

// AddToneMapPass adds a compute pass mapping the HDR image lit to an
// RGBA8Unorm image, which it returns.
func AddToneMapPass(fg *framegraph.FrameGraph, lit framegraph.ImageResource, cache *PipelineCache, exposure, gamma float32) framegraph.MutableImageID {
	if gamma <= 0 {
		gamma = DefaultGamma
	}
	w, h := fg.ImageSize(lit)
	size := gputypes.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1}
	out := fg.DeclareImage(OutputFormat, size)
	params := framegraph.DeclareTypedBuffer[toneMapParams](fg, 1)

	fg.AddPass("tonemap").
		AddUniformInput(lit, 0, framegraph.StageCompute).
		AddUniformInput(params, 0, framegraph.StageCompute).
		AddStorageOutput(out, 0, framegraph.StageCompute).
		MapUpdate(params).
		SetRenderFunc(func(rec *device.CmdBufferRecorder, res *framegraph.PassResources) error {
			framegraph.MappedSlice(res, params)[0] = toneMapParams{
				Exposure: exposure,
				Gamma:    gamma,
				Size:     [2]uint32{w, h},
			}
			return dispatchKernel(rec, res, cache, KernelToneMap, size)
		})
	return out
}
