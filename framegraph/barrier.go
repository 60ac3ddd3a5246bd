package framegraph

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/g3d/device"
)

// Barrier is a usage transition issued before a pass.
type Barrier struct {
	// Pass is the index of the pass the barrier precedes.
	Pass int

	// Resource is the transitioned virtual resource.
	Resource ResourceID

	// Src is the previous access, Dst the access of Pass.
	Src, Dst Access
}

// String returns the string representation of the barrier.
func (b Barrier) String() string {
	return fmt.Sprintf("pass %d: %s %s -> %s", b.Pass, b.Resource, b.Src, b.Dst)
}

// resourceAccess is the merged access of one resource by one pass.
type resourceAccess struct {
	id     ResourceID
	access Access
}

// emitBarriers issues the barriers needed before pass and advances the
// tracked last access of every resource it touches.
func (fg *FrameGraph) emitBarriers(rec *device.CmdBufferRecorder, pass *Pass) error {
	var (
		buffers  []hal.BufferBarrier
		textures []hal.TextureBarrier
	)

	for _, ra := range pass.accesses() {
		prev := fg.lastAccess(ra.id)
		if needsBarrier(prev, ra.access) {
			fg.barriers = append(fg.barriers, Barrier{
				Pass:     pass.index,
				Resource: ra.id,
				Src:      prev,
				Dst:      ra.access,
			})
			if ra.id.image {
				textures = append(textures, fg.textureBarrier(ra.id, prev, ra.access))
			} else {
				buffers = append(buffers, fg.bufferBarrier(ra.id, prev, ra.access))
			}
		}
		fg.setLastAccess(ra.id, ra.access)
	}

	if len(buffers) == 0 && len(textures) == 0 {
		return nil
	}

	slogger().Debug("framegraph: barriers",
		"pass", pass.name,
		"buffers", len(buffers),
		"textures", len(textures))
	return rec.Barriers(buffers, textures)
}

func (fg *FrameGraph) textureBarrier(id ResourceID, src, dst Access) hal.TextureBarrier {
	e := &fg.images[id.index]
	aspect := gputypes.TextureAspectAll
	if e.info.Format.IsDepthStencil() {
		aspect = gputypes.TextureAspectDepthOnly
	}
	return hal.TextureBarrier{
		Texture: e.image.Texture(),
		Range: hal.TextureRange{
			Aspect:          aspect,
			MipLevelCount:   1,
			ArrayLayerCount: 1,
		},
		Usage: hal.TextureUsageTransition{
			OldUsage: src.Kinds.textureUsage(),
			NewUsage: dst.Kinds.textureUsage(),
		},
	}
}

func (fg *FrameGraph) bufferBarrier(id ResourceID, src, dst Access) hal.BufferBarrier {
	return hal.BufferBarrier{
		Buffer: fg.buffers[id.index].buffer.Raw(),
		Usage: hal.BufferUsageTransition{
			OldUsage: src.Kinds.bufferUsage(),
			NewUsage: dst.Kinds.bufferUsage(),
		},
	}
}

func (fg *FrameGraph) lastAccess(id ResourceID) Access {
	if id.image {
		return fg.images[id.index].last
	}
	return fg.buffers[id.index].last
}

func (fg *FrameGraph) setLastAccess(id ResourceID, a Access) {
	if id.image {
		fg.images[id.index].last = a
		return
	}
	fg.buffers[id.index].last = a
}
