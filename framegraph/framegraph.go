package framegraph

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/g3d/device"
)

// State is the lifecycle state of a FrameGraph.
type State int

const (
	// StateBuilding accepts declarations and passes.
	StateBuilding State = iota

	// StateAllocating resolves virtual resources to physical ones.
	StateAllocating

	// StateExecuting runs pass callbacks in declaration order.
	StateExecuting

	// StateReleased has returned its resources to the pool.
	StateReleased
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateBuilding:
		return "Building"
	case StateAllocating:
		return "Allocating"
	case StateExecuting:
		return "Executing"
	case StateReleased:
		return "Released"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// MemoryType is where a buffer lives.
type MemoryType uint8

const (
	// MemoryDeviceLocal buffers are only accessed by the GPU.
	MemoryDeviceLocal MemoryType = iota

	// MemoryCPUVisible buffers are persistently mapped for host writes.
	MemoryCPUVisible
)

// String returns the string representation of MemoryType.
func (m MemoryType) String() string {
	switch m {
	case MemoryDeviceLocal:
		return "DeviceLocal"
	case MemoryCPUVisible:
		return "CPUVisible"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// ImageCreateInfo is the declared shape of a virtual image.
type ImageCreateInfo struct {
	Size   gputypes.Extent3D
	Format gputypes.TextureFormat
	Usage  gputypes.TextureUsage
}

// BufferCreateInfo is the declared shape of a virtual buffer.
type BufferCreateInfo struct {
	Size   uint64
	Usage  gputypes.BufferUsage
	Memory MemoryType
}

type imageEntry struct {
	info     ImageCreateInfo
	imported bool
	touched  bool
	image    *device.Image
	physical PhysicalIndex
	last     Access
}

type bufferEntry struct {
	info     BufferCreateInfo
	imported bool
	touched  bool
	buffer   *device.Buffer
	physical PhysicalIndex
	last     Access
}

// FrameGraph records the passes of one frame and the virtual resources
// they use, then allocates, synchronizes and executes them in one Render
// call. A FrameGraph is single use and not safe for concurrent use.
type FrameGraph struct {
	pool       *ResourcePool
	generation uint64
	state      State

	images  []imageEntry
	buffers []bufferEntry
	passes  []*Pass

	acquired []PhysicalIndex
	barriers []Barrier
}

// New creates a frame graph allocating from pool.
func New(pool *ResourcePool) *FrameGraph {
	return &FrameGraph{
		pool:       pool,
		generation: nextGeneration(),
	}
}

// Pool returns the pool the graph allocates from.
func (fg *FrameGraph) Pool() *ResourcePool { return fg.pool }

// Generation returns the graph's unique generation.
func (fg *FrameGraph) Generation() uint64 { return fg.generation }

// State returns the current lifecycle state.
func (fg *FrameGraph) State() State { return fg.state }

// Passes returns the passes in execution order.
func (fg *FrameGraph) Passes() []*Pass { return append([]*Pass(nil), fg.passes...) }

// Barriers returns every barrier issued by Render, in issue order.
func (fg *FrameGraph) Barriers() []Barrier { return append([]Barrier(nil), fg.barriers...) }

func (fg *FrameGraph) checkBuilding(op string) {
	if fg.state != StateBuilding {
		fatalf("%s in state %s", op, fg.state)
	}
}

// checkID panics unless id was issued by this graph.
func (fg *FrameGraph) checkID(id ResourceID) {
	if id.generation != fg.generation {
		fatalf("foreign or stale id %s used in graph %d", id, fg.generation)
	}
	n := len(fg.buffers)
	if id.image {
		n = len(fg.images)
	}
	if int(id.index) >= n {
		fatalf("id %s out of range", id)
	}
}

func (fg *FrameGraph) newID(image bool, index int) ResourceID {
	//nolint:gosec // G115: index is a slice length
	return ResourceID{index: uint32(index), generation: fg.generation, image: image}
}

// DeclareImage declares a 2D image produced by the graph.
func (fg *FrameGraph) DeclareImage(format gputypes.TextureFormat, size gputypes.Extent3D) MutableImageID {
	fg.checkBuilding("DeclareImage")
	if size.Width == 0 || size.Height == 0 {
		fatalf("DeclareImage: size %dx%d must be positive", size.Width, size.Height)
	}
	size.DepthOrArrayLayers = 1
	id := fg.newID(true, len(fg.images))
	fg.images = append(fg.images, imageEntry{
		info:     ImageCreateInfo{Size: size, Format: format},
		physical: -1,
	})
	return MutableImageID{ImageID{id: id}}
}

// DeclareBuffer declares a device-local buffer produced by the graph.
func (fg *FrameGraph) DeclareBuffer(byteSize uint64) MutableBufferID {
	fg.checkBuilding("DeclareBuffer")
	if byteSize == 0 {
		fatalf("DeclareBuffer: size must be positive")
	}
	id := fg.newID(false, len(fg.buffers))
	fg.buffers = append(fg.buffers, bufferEntry{
		info:     BufferCreateInfo{Size: byteSize},
		physical: -1,
	})
	return MutableBufferID{BufferID{id: id}}
}

// ImportImage makes an externally owned image visible to passes as a
// read-only resource. last is the access it was left in, used to compute
// the first barrier.
func (fg *FrameGraph) ImportImage(img *device.Image, last Access) ImageID {
	fg.checkBuilding("ImportImage")
	if img == nil {
		fatalf("ImportImage: nil image")
	}
	w, h := img.Size()
	id := fg.newID(true, len(fg.images))
	fg.images = append(fg.images, imageEntry{
		info: ImageCreateInfo{
			Size:   gputypes.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
			Format: img.Format(),
		},
		imported: true,
		image:    img,
		physical: -1,
		last:     last,
	})
	return ImageID{id: id}
}

// ImportBuffer makes an externally owned buffer visible to passes as a
// read-only resource.
func (fg *FrameGraph) ImportBuffer(buf *device.Buffer, last Access) BufferID {
	fg.checkBuilding("ImportBuffer")
	if buf == nil {
		fatalf("ImportBuffer: nil buffer")
	}
	mem := MemoryDeviceLocal
	if buf.CPUVisible() {
		mem = MemoryCPUVisible
	}
	id := fg.newID(false, len(fg.buffers))
	fg.buffers = append(fg.buffers, bufferEntry{
		info:     BufferCreateInfo{Size: buf.Size(), Memory: mem},
		imported: true,
		buffer:   buf,
		physical: -1,
		last:     last,
	})
	return BufferID{id: id}
}

// AddPass appends a pass. Passes execute in the order they are added.
func (fg *FrameGraph) AddPass(name string) *PassBuilder {
	fg.checkBuilding("AddPass")
	p := &Pass{name: name, index: len(fg.passes)}
	fg.passes = append(fg.passes, p)
	return &PassBuilder{fg: fg, pass: p}
}

// SetCPUVisible requests a persistently mapped allocation for id.
func (fg *FrameGraph) SetCPUVisible(id MutableBufferResource) {
	fg.checkBuilding("SetCPUVisible")
	rid := id.MutableBuffer().id
	fg.checkID(rid)
	fg.buffers[rid.index].info.Memory = MemoryCPUVisible
}

// ImageSize returns the declared width and height of id.
func (fg *FrameGraph) ImageSize(id ImageResource) (width, height uint32) {
	rid := id.Image().id
	fg.checkID(rid)
	s := fg.images[rid.index].info.Size
	return s.Width, s.Height
}

// ImageInfo returns the declared shape of id, including the usage
// accumulated so far.
func (fg *FrameGraph) ImageInfo(id ImageResource) ImageCreateInfo {
	rid := id.Image().id
	fg.checkID(rid)
	return fg.images[rid.index].info
}

// BufferSize returns the declared byte size of id.
func (fg *FrameGraph) BufferSize(id BufferResource) uint64 {
	rid := id.Buffer().id
	fg.checkID(rid)
	return fg.buffers[rid.index].info.Size
}

// BufferInfo returns the declared shape of id, including the usage
// accumulated so far.
func (fg *FrameGraph) BufferInfo(id BufferResource) BufferCreateInfo {
	rid := id.Buffer().id
	fg.checkID(rid)
	return fg.buffers[rid.index].info
}

// LastAccess returns the access id was last used in. During Render it
// reflects the passes executed so far.
func (fg *FrameGraph) LastAccess(id Resource) Access {
	rid := id.ID()
	fg.checkID(rid)
	return fg.lastAccess(rid)
}

// PhysicalIndex returns the pool index backing id once allocated, or -1.
func (fg *FrameGraph) PhysicalIndex(id Resource) PhysicalIndex {
	rid := id.ID()
	fg.checkID(rid)
	if rid.image {
		return fg.images[rid.index].physical
	}
	return fg.buffers[rid.index].physical
}

// Render allocates every used resource, creates bind groups, then runs the
// passes in order, issuing the barriers each one needs on rec before its
// callback. Resources go back to the pool tagged with rec's fence, so they
// are not reused before the frame retires. An error from a callback stops
// execution and is returned; resources are released either way.
func (fg *FrameGraph) Render(rec *device.CmdBufferRecorder) error {
	fg.checkBuilding("Render")
	if rec == nil {
		fatalf("Render: nil recorder")
	}
	for _, p := range fg.passes {
		if p.render == nil {
			fatalf("pass %q has no render func", p.name)
		}
	}

	if len(fg.passes) == 0 {
		fg.state = StateReleased
		return nil
	}

	fg.state = StateAllocating
	if err := fg.allocate(); err != nil {
		fg.release(rec)
		return err
	}
	if err := fg.createBindGroups(); err != nil {
		fg.release(rec)
		return err
	}

	fg.state = StateExecuting
	for _, p := range fg.passes {
		if err := fg.emitBarriers(rec, p); err != nil {
			fg.release(rec)
			return fmt.Errorf("framegraph: pass %q barriers: %w", p.name, err)
		}
		if err := p.render(rec, &PassResources{fg: fg, pass: p}); err != nil {
			fg.release(rec)
			return fmt.Errorf("framegraph: pass %q: %w", p.name, err)
		}
	}

	fg.release(rec)
	slogger().Debug("framegraph: rendered",
		"generation", fg.generation,
		"passes", len(fg.passes),
		"barriers", len(fg.barriers),
		"physical", len(fg.acquired))
	return nil
}

// allocate resolves every touched mutable resource through the pool.
func (fg *FrameGraph) allocate() error {
	for i := range fg.images {
		e := &fg.images[i]
		if !e.touched {
			continue
		}
		if e.imported {
			if !e.image.Usage().Contains(e.info.Usage) {
				fatalf("imported image %d has usage %v, graph needs %v", i, e.image.Usage(), e.info.Usage)
			}
			continue
		}
		idx, img, err := fg.pool.acquireImage(fg.generation, imageRequest{
			label:  fmt.Sprintf("fg%d/image%d", fg.generation, i),
			format: e.info.Format,
			width:  e.info.Size.Width,
			height: e.info.Size.Height,
			usage:  e.info.Usage,
		})
		if err != nil {
			return fmt.Errorf("framegraph: image %d: %w", i, err)
		}
		e.physical, e.image = idx, img
		fg.acquired = append(fg.acquired, idx)
	}

	for i := range fg.buffers {
		e := &fg.buffers[i]
		if !e.touched {
			continue
		}
		if e.imported {
			if !e.buffer.Usage().Contains(e.info.Usage) {
				fatalf("imported buffer %d has usage %v, graph needs %v", i, e.buffer.Usage(), e.info.Usage)
			}
			continue
		}
		idx, buf, err := fg.pool.acquireBuffer(fg.generation, bufferRequest{
			label:      fmt.Sprintf("fg%d/buffer%d", fg.generation, i),
			size:       e.info.Size,
			usage:      e.info.Usage,
			cpuVisible: e.info.Memory == MemoryCPUVisible,
		})
		if err != nil {
			return fmt.Errorf("framegraph: buffer %d: %w", i, err)
		}
		e.physical, e.buffer = idx, buf
		fg.acquired = append(fg.acquired, idx)
	}
	return nil
}

// release returns physical resources to the pool tagged with rec's fence
// and defers destruction of the bind groups.
func (fg *FrameGraph) release(rec *device.CmdBufferRecorder) {
	fg.state = StateReleased
	fg.pool.release(fg.generation, fg.acquired, rec.Fence())

	dev := fg.pool.Device()
	for _, p := range fg.passes {
		for _, g := range p.bindGroups {
			dev.DestroyLater(device.ManagedBindGroup{Group: g})
		}
	}
}

func (fg *FrameGraph) resolvedImage(id ResourceID) *device.Image {
	fg.checkID(id)
	img := fg.images[id.index].image
	if img == nil {
		fatalf("image %s is not allocated", id)
	}
	return img
}

func (fg *FrameGraph) resolvedBuffer(id ResourceID) *device.Buffer {
	fg.checkID(id)
	buf := fg.buffers[id.index].buffer
	if buf == nil {
		fatalf("buffer %s is not allocated", id)
	}
	return buf
}

// bindingResource returns the bind group entry resource for id.
func (fg *FrameGraph) bindingResource(id ResourceID) gputypes.BindingResource {
	if id.image {
		return gputypes.TextureViewBinding{TextureView: fg.images[id.index].image.View().NativeHandle()}
	}
	e := &fg.buffers[id.index]
	return gputypes.BufferBinding{Buffer: e.buffer.Raw().NativeHandle(), Size: e.info.Size}
}
