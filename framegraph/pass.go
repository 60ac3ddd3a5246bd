package framegraph

import (
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/g3d/device"
)

// Usage is one declared access of a resource by a pass.
type Usage struct {
	Resource ResourceID
	Kind     UsageKind
	Stage    PipelineStage

	// Set is the bind group index for bound usages, -1 otherwise.
	Set int
}

// RenderFunc records the commands of a pass. It runs once, during
// FrameGraph.Render, after the pass's barriers have been issued.
type RenderFunc func(rec *device.CmdBufferRecorder, res *PassResources) error

// Pass is a node of the frame graph: declared usages plus a deferred
// render callback.
type Pass struct {
	name   string
	index  int
	usages []Usage
	mapped []ResourceID
	render RenderFunc
	frozen bool

	// Filled during allocation.
	bindGroups []hal.BindGroup
	layouts    []hal.BindGroupLayout
}

// Name returns the pass name.
func (p *Pass) Name() string { return p.name }

// Index returns the position of the pass in execution order.
func (p *Pass) Index() int { return p.index }

// Usages returns the declared usages in declaration order.
func (p *Pass) Usages() []Usage { return append([]Usage(nil), p.usages...) }

// IsFrozen reports whether SetRenderFunc has been called.
func (p *Pass) IsFrozen() bool { return p.frozen }

// accesses merges the pass's usages per resource, keeping the order of
// first declaration.
func (p *Pass) accesses() []resourceAccess {
	out := make([]resourceAccess, 0, len(p.usages))
	for _, u := range p.usages {
		a := AccessOf(u.Kind, u.Stage)
		merged := false
		for i := range out {
			if out[i].id == u.Resource {
				out[i].access = out[i].access.merge(a)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, resourceAccess{id: u.Resource, access: a})
		}
	}
	return out
}

func (p *Pass) maps(id ResourceID) bool {
	for _, m := range p.mapped {
		if m == id {
			return true
		}
	}
	return false
}

// PassResources is the read-only view of resolved resources handed to a
// pass's render callback.
type PassResources struct {
	fg   *FrameGraph
	pass *Pass
}

// Pass returns the pass being executed.
func (r *PassResources) Pass() *Pass { return r.pass }

// Image returns the physical image backing id.
func (r *PassResources) Image(id ImageResource) *device.Image {
	return r.fg.resolvedImage(id.Image().id)
}

// View returns the default view of the image backing id.
func (r *PassResources) View(id ImageResource) hal.TextureView {
	return r.Image(id).View()
}

// Texture returns the texture backing id.
func (r *PassResources) Texture(id ImageResource) hal.Texture {
	return r.Image(id).Texture()
}

// Buffer returns the physical buffer backing id.
func (r *PassResources) Buffer(id BufferResource) *device.Buffer {
	return r.fg.resolvedBuffer(id.Buffer().id)
}

// ImageSize returns the declared width and height of id.
func (r *PassResources) ImageSize(id ImageResource) (width, height uint32) {
	return r.fg.ImageSize(id)
}

// BufferSize returns the declared byte size of id. The physical buffer may
// be larger.
func (r *PassResources) BufferSize(id BufferResource) uint64 {
	return r.fg.BufferSize(id)
}

// Mapping returns the host mapping of a buffer declared MapUpdate by this
// pass, limited to its declared size.
func (r *PassResources) Mapping(id MutableBufferResource) []byte {
	rid := id.MutableBuffer().id
	if !r.pass.maps(rid) {
		fatalf("pass %q maps %s without MapUpdate", r.pass.name, rid)
	}
	buf := r.fg.resolvedBuffer(rid)
	return buf.Mapping()[:r.fg.buffers[rid.index].info.Size]
}

// BindGroups returns the pass's bind groups indexed by set.
func (r *PassResources) BindGroups() []hal.BindGroup { return r.pass.bindGroups }

// BindGroupLayouts returns the layouts of the pass's bind groups indexed by
// set. Layouts are cached by the pool, so equal declarations yield the same
// layouts every frame.
func (r *PassResources) BindGroupLayouts() []hal.BindGroupLayout { return r.pass.layouts }

// PhysicalIndex returns the pool index backing id, or -1 for imported
// resources.
func (r *PassResources) PhysicalIndex(id Resource) PhysicalIndex {
	return r.fg.PhysicalIndex(id)
}
