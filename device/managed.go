package device

import (
	"github.com/gogpu/wgpu/hal"
)

// ManagedResource is a GPU object whose destruction the LifetimeManager can
// defer. The set of variants is closed: only the types in this file
// implement it.
type ManagedResource interface {
	// Kind returns a short name of the object kind for diagnostics.
	Kind() string

	managed()
}

// ManagedBuffer is a buffer. Mapped buffers are unmapped before destruction.
type ManagedBuffer struct {
	Buffer hal.Buffer
	Mapped bool
}

// ManagedTexture is a texture.
type ManagedTexture struct{ Texture hal.Texture }

// ManagedTextureView is a texture view.
type ManagedTextureView struct{ View hal.TextureView }

// ManagedSampler is a sampler.
type ManagedSampler struct{ Sampler hal.Sampler }

// ManagedBindGroup is a bind group.
type ManagedBindGroup struct{ Group hal.BindGroup }

// ManagedBindGroupLayout is a bind group layout.
type ManagedBindGroupLayout struct{ Layout hal.BindGroupLayout }

// ManagedPipelineLayout is a pipeline layout.
type ManagedPipelineLayout struct{ Layout hal.PipelineLayout }

// ManagedShaderModule is a shader module.
type ManagedShaderModule struct{ Module hal.ShaderModule }

// ManagedRenderPipeline is a render pipeline.
type ManagedRenderPipeline struct{ Pipeline hal.RenderPipeline }

// ManagedComputePipeline is a compute pipeline.
type ManagedComputePipeline struct{ Pipeline hal.ComputePipeline }

// ManagedQuerySet is a query set.
type ManagedQuerySet struct{ QuerySet hal.QuerySet }

// ManagedRenderBundle is a pre-recorded render bundle.
type ManagedRenderBundle struct{ Bundle hal.RenderBundle }

// ManagedFence is a host-side fence.
type ManagedFence struct{ Fence hal.Fence }

// ManagedCommandBuffer is a finished command buffer returned to its pool.
type ManagedCommandBuffer struct{ CmdBuffer hal.CommandBuffer }

func (ManagedBuffer) managed()          {}
func (ManagedTexture) managed()         {}
func (ManagedTextureView) managed()     {}
func (ManagedSampler) managed()         {}
func (ManagedBindGroup) managed()       {}
func (ManagedBindGroupLayout) managed() {}
func (ManagedPipelineLayout) managed()  {}
func (ManagedShaderModule) managed()    {}
func (ManagedRenderPipeline) managed()  {}
func (ManagedComputePipeline) managed() {}
func (ManagedQuerySet) managed()        {}
func (ManagedRenderBundle) managed()    {}
func (ManagedFence) managed()           {}
func (ManagedCommandBuffer) managed()   {}

func (ManagedBuffer) Kind() string          { return "buffer" }
func (ManagedTexture) Kind() string         { return "texture" }
func (ManagedTextureView) Kind() string     { return "texture_view" }
func (ManagedSampler) Kind() string         { return "sampler" }
func (ManagedBindGroup) Kind() string       { return "bind_group" }
func (ManagedBindGroupLayout) Kind() string { return "bind_group_layout" }
func (ManagedPipelineLayout) Kind() string  { return "pipeline_layout" }
func (ManagedShaderModule) Kind() string    { return "shader_module" }
func (ManagedRenderPipeline) Kind() string  { return "render_pipeline" }
func (ManagedComputePipeline) Kind() string { return "compute_pipeline" }
func (ManagedQuerySet) Kind() string        { return "query_set" }
func (ManagedRenderBundle) Kind() string    { return "render_bundle" }
func (ManagedFence) Kind() string           { return "fence" }
func (ManagedCommandBuffer) Kind() string   { return "command_buffer" }

// destroyManaged releases r on d. Nil handles are skipped.
func destroyManaged(d hal.Device, r ManagedResource) {
	switch r := r.(type) {
	case ManagedBuffer:
		if r.Buffer == nil {
			return
		}
		if r.Mapped {
			if err := d.UnmapBuffer(r.Buffer); err != nil {
				slogger().Warn("device: unmap before destroy failed", "err", err)
			}
		}
		d.DestroyBuffer(r.Buffer)
	case ManagedTexture:
		if r.Texture != nil {
			d.DestroyTexture(r.Texture)
		}
	case ManagedTextureView:
		if r.View != nil {
			d.DestroyTextureView(r.View)
		}
	case ManagedSampler:
		if r.Sampler != nil {
			d.DestroySampler(r.Sampler)
		}
	case ManagedBindGroup:
		if r.Group != nil {
			d.DestroyBindGroup(r.Group)
		}
	case ManagedBindGroupLayout:
		if r.Layout != nil {
			d.DestroyBindGroupLayout(r.Layout)
		}
	case ManagedPipelineLayout:
		if r.Layout != nil {
			d.DestroyPipelineLayout(r.Layout)
		}
	case ManagedShaderModule:
		if r.Module != nil {
			d.DestroyShaderModule(r.Module)
		}
	case ManagedRenderPipeline:
		if r.Pipeline != nil {
			d.DestroyRenderPipeline(r.Pipeline)
		}
	case ManagedComputePipeline:
		if r.Pipeline != nil {
			d.DestroyComputePipeline(r.Pipeline)
		}
	case ManagedQuerySet:
		if r.QuerySet != nil {
			d.DestroyQuerySet(r.QuerySet)
		}
	case ManagedRenderBundle:
		if r.Bundle != nil {
			d.DestroyRenderBundle(r.Bundle)
		}
	case ManagedFence:
		if r.Fence != nil {
			d.DestroyFence(r.Fence)
		}
	case ManagedCommandBuffer:
		if r.CmdBuffer != nil {
			d.FreeCommandBuffer(r.CmdBuffer)
		}
	case nil:
	default:
		fatalf("unknown managed resource %T", r)
	}
}
