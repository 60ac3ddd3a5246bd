package renderer

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/g3d/device"
	"github.com/gogpu/g3d/framegraph"
)

// MaxLightCount is the capacity of the light buffer.
const MaxLightCount = 1024

// gpuLight matches Light in lighting.wgsl. Directional lights store the
// normalized direction towards the light in Position and a zero Radius.
type gpuLight struct {
	Position  mgl32.Vec3
	Radius    float32
	Color     mgl32.Vec3
	Intensity float32
}

// lightingParams matches Params in lighting.wgsl.
type lightingParams struct {
	InvViewProj      mgl32.Mat4
	Size             [2]uint32
	PointCount       uint32
	DirectionalCount uint32
}

// packLights writes point lights from the front of dst and directional
// lights from the back of the occupied range, so the last directional light
// lands right after the last point light. Overflowing dst is fatal.
func packLights(dst []gpuLight, points []PointLight, dirs []DirectionalLight) (pointCount, dirCount uint32) {
	total := len(points) + len(dirs)
	if total > len(dst) {
		fatalf("%d lights exceed the light buffer capacity %d", total, len(dst))
	}
	for i, l := range points {
		dst[i] = gpuLight{Position: l.Position, Radius: l.Radius, Color: l.Color, Intensity: l.Intensity}
	}
	for i, l := range dirs {
		dst[total-1-i] = gpuLight{Position: l.Direction.Mul(-1).Normalize(), Color: l.Color, Intensity: l.Intensity}
	}
	//nolint:gosec // G115: bounded by MaxLightCount
	return uint32(len(points)), uint32(len(dirs))
}

// AddLightingPass adds a compute pass shading the G-buffer with the view's
// lights and the image based ambient term of ibl into an HDR image, which
// it returns. maxLights sizes the light buffer; values outside
// [1, MaxLightCount] use MaxLightCount.
func AddLightingPass(fg *framegraph.FrameGraph, gbuffer GBuffer, cache *PipelineCache, ibl *IBLData, view *SceneView, maxLights int) framegraph.MutableImageID {
	if ibl == nil {
		fatalf("lighting pass without IBL data")
	}
	if maxLights <= 0 || maxLights > MaxLightCount {
		maxLights = MaxLightCount
	}
	lit := fg.DeclareImage(LitFormat, gbuffer.Size)
	params := framegraph.DeclareTypedBuffer[lightingParams](fg, 1)
	lights := framegraph.DeclareTypedBuffer[gpuLight](fg, maxLights)
	envmap, lut := ibl.importIBL(fg)

	builder := fg.AddPass("lighting").
		AddUniformInput(gbuffer.Depth, 0, framegraph.StageCompute).
		AddUniformInput(gbuffer.Color, 0, framegraph.StageCompute).
		AddUniformInput(gbuffer.Normal, 0, framegraph.StageCompute).
		AddUniformInput(envmap, 0, framegraph.StageCompute).
		AddUniformInput(lut, 0, framegraph.StageCompute).
		AddUniformInput(params, 0, framegraph.StageCompute).
		AddStorageInput(lights, 0, framegraph.StageCompute).
		AddStorageOutput(lit, 0, framegraph.StageCompute).
		MapUpdate(params).
		MapUpdate(lights)

	invViewProj := view.Camera.ViewProjection().Inv()
	points := view.PointLights
	dirs := view.DirectionalLights
	size := gbuffer.Size

	builder.SetRenderFunc(func(rec *device.CmdBufferRecorder, res *framegraph.PassResources) error {
		pointCount, dirCount := packLights(framegraph.MappedSlice(res, lights), points, dirs)
		framegraph.MappedSlice(res, params)[0] = lightingParams{
			InvViewProj:      invViewProj,
			Size:             [2]uint32{size.Width, size.Height},
			PointCount:       pointCount,
			DirectionalCount: dirCount,
		}
		return dispatchKernel(rec, res, cache, KernelLighting, size)
	})
	return lit
}

// dispatchKernel runs a compute kernel over every pixel of size.
func dispatchKernel(rec *device.CmdBufferRecorder, res *framegraph.PassResources, cache *PipelineCache, k Kernel, size gputypes.Extent3D) error {
	pipeline, err := cache.ComputePipeline(k, res.BindGroupLayouts())
	if err != nil {
		return err
	}
	pass, err := rec.BeginComputePass(k.String())
	if err != nil {
		return err
	}
	if err := pass.SetPipeline(pipeline); err != nil {
		return err
	}
	if err := pass.SetBindGroups(res.BindGroups()); err != nil {
		return err
	}
	if err := pass.DispatchSize(size.Width, size.Height, 1, workgroupSize); err != nil {
		return err
	}
	return pass.End()
}
