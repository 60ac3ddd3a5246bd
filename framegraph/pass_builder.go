package framegraph

import "github.com/gogpu/g3d/device"

// PassBuilder declares the dependencies of one pass. Every method returns
// the builder so declarations can be chained; SetRenderFunc freezes the
// pass.
type PassBuilder struct {
	fg   *FrameGraph
	pass *Pass
}

// Pass returns the pass being built.
func (b *PassBuilder) Pass() *Pass { return b.pass }

// AddColorOutput declares id as a color attachment written by the pass.
func (b *PassBuilder) AddColorOutput(id MutableImageID) *PassBuilder {
	b.fg.AddUsage(b.pass, id, UsageColorAttachment, StageColorOutput, -1)
	return b
}

// AddDepthOutput declares id as the depth attachment of the pass.
func (b *PassBuilder) AddDepthOutput(id MutableImageID) *PassBuilder {
	b.fg.AddUsage(b.pass, id, UsageDepthAttachment, StageDepthTest, -1)
	return b
}

// AddUniformInput declares a sampled image or uniform buffer bound in set.
func (b *PassBuilder) AddUniformInput(r Resource, set int, stage PipelineStage) *PassBuilder {
	b.fg.AddUsage(b.pass, r, UsageUniform, stage, set)
	return b
}

// AddStorageInput declares a storage image or buffer read through set.
func (b *PassBuilder) AddStorageInput(r Resource, set int, stage PipelineStage) *PassBuilder {
	b.fg.AddUsage(b.pass, r, UsageStorageRead, stage, set)
	return b
}

// AddStorageOutput declares a storage image or buffer written through set.
func (b *PassBuilder) AddStorageOutput(r MutableResource, set int, stage PipelineStage) *PassBuilder {
	b.fg.AddUsage(b.pass, r, UsageStorageWrite, stage, set)
	return b
}

// AddIndexInput declares an index buffer.
func (b *PassBuilder) AddIndexInput(r BufferResource) *PassBuilder {
	b.fg.AddUsage(b.pass, r, UsageIndex, StageVertexInput, -1)
	return b
}

// AddAttribInput declares a vertex attribute buffer.
func (b *PassBuilder) AddAttribInput(r BufferResource) *PassBuilder {
	b.fg.AddUsage(b.pass, r, UsageAttrib, StageVertexInput, -1)
	return b
}

// MapUpdate declares that the pass writes the buffer from the host during
// execution. The buffer is allocated CPU-visible and persistently mapped.
func (b *PassBuilder) MapUpdate(r MutableBufferResource) *PassBuilder {
	id := r.MutableBuffer().id
	b.fg.checkDeclarable(b.pass)
	b.fg.checkID(id)
	b.fg.SetCPUVisible(r)
	b.fg.buffers[id.index].touched = true
	if !b.pass.maps(id) {
		b.pass.mapped = append(b.pass.mapped, id)
	}
	return b
}

// SetRenderFunc installs the pass callback and freezes the pass.
func (b *PassBuilder) SetRenderFunc(fn RenderFunc) {
	b.fg.checkDeclarable(b.pass)
	if fn == nil {
		fatalf("pass %q: nil render func", b.pass.name)
	}
	b.pass.render = fn
	b.pass.frozen = true
}

// checkDeclarable panics unless pass may still take declarations.
func (fg *FrameGraph) checkDeclarable(pass *Pass) {
	if fg.state != StateBuilding {
		fatalf("pass %q: declaration in state %s", pass.name, fg.state)
	}
	if pass.frozen {
		fatalf("pass %q: declaration after SetRenderFunc", pass.name)
	}
}

// AddUsage records that pass accesses r with kind at stage, bound through
// set for shader-visible kinds. The kind's capability is added to the
// resource's aggregate usage.
func (fg *FrameGraph) AddUsage(pass *Pass, r Resource, kind UsageKind, stage PipelineStage, set int) {
	fg.checkDeclarable(pass)
	id := r.ID()
	fg.checkID(id)

	if kind.Writes() {
		if _, ok := r.(MutableResource); !ok {
			fatalf("pass %q writes %s through a read-only id", pass.name, id)
		}
	}
	if kind.bound() {
		if set < 0 || set >= device.MaxBindGroups {
			fatalf("pass %q: bind group %d out of range [0, %d)", pass.name, set, device.MaxBindGroups)
		}
	} else {
		set = -1
	}

	if id.image {
		if kind == UsageIndex || kind == UsageAttrib {
			fatalf("pass %q: image %s used as %s", pass.name, id, kind)
		}
		e := &fg.images[id.index]
		e.info.Usage |= kind.textureUsage()
		e.touched = true
	} else {
		if kind == UsageColorAttachment || kind == UsageDepthAttachment {
			fatalf("pass %q: buffer %s used as %s", pass.name, id, kind)
		}
		e := &fg.buffers[id.index]
		e.info.Usage |= kind.bufferUsage()
		e.touched = true
	}

	pass.usages = append(pass.usages, Usage{Resource: id, Kind: kind, Stage: stage, Set: set})
}
