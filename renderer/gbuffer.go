package renderer

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/g3d/device"
	"github.com/gogpu/g3d/framegraph"
)

// VertexStride is the size of one interleaved position+normal vertex.
const VertexStride = 24

var vertexLayout = gputypes.VertexBufferLayout{
	ArrayStride: VertexStride,
	StepMode:    gputypes.VertexStepModeVertex,
	Attributes: []gputypes.VertexAttribute{
		{Format: gputypes.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0},
		{Format: gputypes.VertexFormatFloat32x3, Offset: 12, ShaderLocation: 1},
	},
}

// cameraUniform matches Camera in gbuffer.wgsl.
type cameraUniform struct {
	ViewProj mgl32.Mat4
}

// instanceData matches Instance in gbuffer.wgsl.
type instanceData struct {
	Model  mgl32.Mat4
	Albedo mgl32.Vec4
}

// GBuffer holds the images written by the G-buffer pass.
type GBuffer struct {
	Depth  framegraph.MutableImageID
	Color  framegraph.MutableImageID
	Normal framegraph.MutableImageID
	Size   gputypes.Extent3D
}

// meshBuffers are the imported vertex and index buffers of one instance.
type meshBuffers struct {
	vertices framegraph.BufferID
	indices  framegraph.BufferID
}

// AddGBufferPass declares the G-buffer images and a pass drawing visible
// into them. Mesh buffers are imported once per graph even when several
// instances share them.
func AddGBufferPass(fg *framegraph.FrameGraph, cache *PipelineCache, view *SceneView, visible []MeshInstance, size gputypes.Extent3D) GBuffer {
	gb := GBuffer{
		Depth:  fg.DeclareImage(DepthFormat, size),
		Color:  fg.DeclareImage(ColorFormat, size),
		Normal: fg.DeclareImage(NormalFormat, size),
		Size:   size,
	}
	camera := framegraph.DeclareTypedBuffer[cameraUniform](fg, 1)
	instances := framegraph.DeclareTypedBuffer[instanceData](fg, max(len(visible), 1))

	builder := fg.AddPass("gbuffer").
		AddDepthOutput(gb.Depth).
		AddColorOutput(gb.Color).
		AddColorOutput(gb.Normal).
		AddUniformInput(camera, 0, framegraph.StageVertex).
		AddStorageInput(instances, 0, framegraph.StageVertex).
		MapUpdate(camera).
		MapUpdate(instances)

	imported := make(map[*device.Buffer]framegraph.BufferID)
	importAs := func(buf *device.Buffer, kind framegraph.UsageKind) framegraph.BufferID {
		if id, ok := imported[buf]; ok {
			return id
		}
		id := fg.ImportBuffer(buf, framegraph.AccessOf(kind, framegraph.StageVertexInput))
		imported[buf] = id
		return id
	}
	meshes := make([]meshBuffers, len(visible))
	for i, inst := range visible {
		if inst.Mesh == nil || inst.Mesh.Vertices == nil || inst.Mesh.Indices == nil {
			fatalf("instance %d has no mesh buffers", i)
		}
		meshes[i] = meshBuffers{
			vertices: importAs(inst.Mesh.Vertices, framegraph.UsageAttrib),
			indices:  importAs(inst.Mesh.Indices, framegraph.UsageIndex),
		}
		builder.AddAttribInput(meshes[i].vertices).AddIndexInput(meshes[i].indices)
	}

	viewProj := view.Camera.ViewProjection()
	builder.SetRenderFunc(func(rec *device.CmdBufferRecorder, res *framegraph.PassResources) error {
		framegraph.MappedSlice(res, camera)[0] = cameraUniform{ViewProj: viewProj}
		data := framegraph.MappedSlice(res, instances)
		for i, inst := range visible {
			data[i] = instanceData{Model: inst.Transform, Albedo: inst.Albedo}
		}

		pipeline, err := cache.GBufferPipeline(res.BindGroupLayouts())
		if err != nil {
			return err
		}

		black := gputypes.Color{}
		pass, err := rec.BeginRenderPass(&hal.RenderPassDescriptor{
			Label: "gbuffer",
			ColorAttachments: []hal.RenderPassColorAttachment{
				{View: res.View(gb.Color), LoadOp: gputypes.LoadOpClear, StoreOp: gputypes.StoreOpStore, ClearValue: black},
				{View: res.View(gb.Normal), LoadOp: gputypes.LoadOpClear, StoreOp: gputypes.StoreOpStore, ClearValue: black},
			},
			DepthStencilAttachment: &hal.RenderPassDepthStencilAttachment{
				View:            res.View(gb.Depth),
				DepthLoadOp:     gputypes.LoadOpClear,
				DepthStoreOp:    gputypes.StoreOpStore,
				DepthClearValue: 1,
			},
		})
		if err != nil {
			return err
		}
		if err := drawMeshes(pass, pipeline, res, visible, meshes, size); err != nil {
			return err
		}
		return pass.End()
	})
	return gb
}

func drawMeshes(pass *device.RenderPass, pipeline hal.RenderPipeline, res *framegraph.PassResources, visible []MeshInstance, meshes []meshBuffers, size gputypes.Extent3D) error {
	if err := pass.SetPipeline(pipeline); err != nil {
		return err
	}
	if err := pass.SetBindGroups(res.BindGroups()); err != nil {
		return err
	}
	if err := pass.SetViewport(0, 0, float32(size.Width), float32(size.Height), 0, 1); err != nil {
		return err
	}
	for i, inst := range visible {
		if err := pass.SetVertexBuffer(0, res.Buffer(meshes[i].vertices).Raw(), 0); err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}
		if err := pass.SetIndexBuffer(res.Buffer(meshes[i].indices).Raw(), gputypes.IndexFormatUint32, 0); err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}
		//nolint:gosec // G115: instance count is bounded by the instance buffer
		if err := pass.DrawIndexed(inst.Mesh.IndexCount, 1, 0, 0, uint32(i)); err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}
	}
	return nil
}
