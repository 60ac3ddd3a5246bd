package framegraph

import (
	"container/list"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/g3d/device"
)

// Pool errors.
var (
	// ErrAllocationFailed is returned when the device cannot create a
	// physical resource.
	ErrAllocationFailed = errors.New("framegraph: allocation failed")

	// ErrPoolClosed is returned when a closed pool is used.
	ErrPoolClosed = errors.New("framegraph: pool is closed")
)

// Default pool limits.
const (
	// DefaultMaxIdleFrames is how many frames a free resource survives
	// without being reused.
	DefaultMaxIdleFrames = 8

	// DefaultBudgetMB is the default memory budget for pooled resources.
	DefaultBudgetMB = 512
)

// PhysicalIndex is the stable arena index of a pooled resource.
type PhysicalIndex int

// PoolConfig holds configuration for creating a ResourcePool.
type PoolConfig struct {
	// MaxIdleFrames is how many frames a free resource may stay unused
	// before Trim retires it. Defaults to DefaultMaxIdleFrames if <= 0.
	MaxIdleFrames int

	// BudgetMB is the memory budget in megabytes. Trim retires free
	// resources, least recently used first, until usage fits.
	// Defaults to DefaultBudgetMB if <= 0.
	BudgetMB int
}

// PoolStats contains resource pool statistics.
type PoolStats struct {
	// Images and Buffers count live physical resources.
	Images  int
	Buffers int

	// InUse is the number of resources owned by a frame graph.
	InUse int

	// Free is the number of resources waiting for reuse.
	Free int

	// Bytes is the estimated memory held by the pool.
	Bytes uint64

	// BudgetBytes is the configured budget.
	BudgetBytes uint64

	// Created, Reused and Evicted are running totals.
	Created uint64
	Reused  uint64
	Evicted uint64

	// BindGroupLayouts is the number of cached layouts.
	BindGroupLayouts int
}

// String returns a human-readable string of pool stats.
func (s PoolStats) String() string {
	return fmt.Sprintf("Pool[%d images, %d buffers, %d in use, %d free, %d/%d MB, %d created, %d reused, %d evicted]",
		s.Images,
		s.Buffers,
		s.InUse,
		s.Free,
		s.Bytes/(1024*1024),
		s.BudgetBytes/(1024*1024),
		s.Created,
		s.Reused,
		s.Evicted)
}

// physicalResource is one pooled image or buffer.
type physicalResource struct {
	index  PhysicalIndex
	image  *device.Image
	buffer *device.Buffer
	size   uint64

	// owner is the generation of the graph holding the resource, 0 when free.
	owner uint64

	// fence is the fence of the last frame that used the resource.
	fence device.ResourceFence

	lastUsedFrame uint64
	element       *list.Element // position in the free list
}

type imageRequest struct {
	label  string
	format gputypes.TextureFormat
	width  uint32
	height uint32
	usage  gputypes.TextureUsage
}

func (r *imageRequest) compatible(img *device.Image) bool {
	w, h := img.Size()
	return img.Format() == r.format && w == r.width && h == r.height && img.Usage().Contains(r.usage)
}

type bufferRequest struct {
	label      string
	size       uint64
	usage      gputypes.BufferUsage
	cpuVisible bool
}

func (r *bufferRequest) compatible(buf *device.Buffer) bool {
	return buf.Size() >= r.size && buf.Usage().Contains(r.usage) && buf.CPUVisible() == r.cpuVisible
}

// ResourcePool owns the physical images and buffers that back frame graph
// resources and recycles them across frames. A free resource is handed out
// again only once the fence it was released with has retired.
//
// ResourcePool is safe for concurrent use.
type ResourcePool struct {
	mu sync.Mutex

	dev *device.Device

	// arena holds every physical resource by index; evicted slots are nil.
	arena []*physicalResource

	// free list (front = most recently released, back = least recently used)
	free *list.List

	layouts map[string]hal.BindGroupLayout

	maxIdleFrames uint64
	budgetBytes   uint64
	usedBytes     uint64
	frame         uint64

	created uint64
	reused  uint64
	evicted uint64

	closed bool
}

// NewPool creates a resource pool allocating from dev.
func NewPool(dev *device.Device, config PoolConfig) *ResourcePool {
	maxIdle := config.MaxIdleFrames
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdleFrames
	}
	budgetMB := config.BudgetMB
	if budgetMB <= 0 {
		budgetMB = DefaultBudgetMB
	}

	//nolint:gosec // G115: both values are positive
	return &ResourcePool{
		dev:           dev,
		free:          list.New(),
		layouts:       make(map[string]hal.BindGroupLayout),
		maxIdleFrames: uint64(maxIdle),
		budgetBytes:   uint64(budgetMB) * 1024 * 1024,
	}
}

// Device returns the device the pool allocates from.
func (p *ResourcePool) Device() *device.Device { return p.dev }

// acquireImage returns a free compatible image or creates a new one, and
// marks it owned by owner.
func (p *ResourcePool) acquireImage(owner uint64, req imageRequest) (PhysicalIndex, *device.Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return -1, nil, ErrPoolClosed
	}

	if r := p.takeFreeLocked(func(r *physicalResource) bool {
		return r.image != nil && req.compatible(r.image)
	}); r != nil {
		r.owner = owner
		slogger().Debug("framegraph: image reused", "label", req.label, "index", r.index)
		return r.index, r.image, nil
	}

	img, err := p.dev.CreateImage(device.ImageDescriptor{
		Label:  req.label,
		Width:  req.width,
		Height: req.height,
		Format: req.format,
		Usage:  req.usage,
	})
	if err != nil {
		return -1, nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	r := p.addLocked(&physicalResource{image: img, size: img.ByteSize(), owner: owner})
	slogger().Debug("framegraph: image allocated",
		"label", req.label,
		"index", r.index,
		"usage", req.usage)
	return r.index, img, nil
}

// acquireBuffer returns a free compatible buffer or creates a new one, and
// marks it owned by owner.
func (p *ResourcePool) acquireBuffer(owner uint64, req bufferRequest) (PhysicalIndex, *device.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return -1, nil, ErrPoolClosed
	}

	if r := p.takeFreeLocked(func(r *physicalResource) bool {
		return r.buffer != nil && req.compatible(r.buffer)
	}); r != nil {
		r.owner = owner
		slogger().Debug("framegraph: buffer reused", "label", req.label, "index", r.index)
		return r.index, r.buffer, nil
	}

	buf, err := p.dev.CreateBuffer(device.BufferDescriptor{
		Label:      req.label,
		Size:       req.size,
		Usage:      req.usage,
		CPUVisible: req.cpuVisible,
	})
	if err != nil {
		return -1, nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	r := p.addLocked(&physicalResource{buffer: buf, size: buf.Size(), owner: owner})
	slogger().Debug("framegraph: buffer allocated",
		"label", req.label,
		"index", r.index,
		"size", req.size,
		"cpu_visible", req.cpuVisible)
	return r.index, buf, nil
}

// takeFreeLocked removes and returns the smallest free resource that
// matches and whose fence has retired. Among equal sizes the most recently
// released wins. Caller must hold mu.
func (p *ResourcePool) takeFreeLocked(match func(*physicalResource) bool) *physicalResource {
	lifetime := p.dev.Lifetime()
	var best *physicalResource
	for e := p.free.Front(); e != nil; e = e.Next() {
		r, ok := e.Value.(*physicalResource)
		if !ok || !match(r) || !lifetime.IsRetired(r.fence) {
			continue
		}
		if best == nil || r.size < best.size {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	p.free.Remove(best.element)
	best.element = nil
	p.reused++
	return best
}

// addLocked registers a new resource in the arena. Caller must hold mu.
func (p *ResourcePool) addLocked(r *physicalResource) *physicalResource {
	r.index = PhysicalIndex(len(p.arena))
	p.arena = append(p.arena, r)
	p.usedBytes += r.size
	p.created++
	return r
}

// release returns the resources owned by owner to the free list. They may
// be reused once fence retires. Releasing a resource owned by another
// graph is a contract violation.
func (p *ResourcePool) release(owner uint64, indices []PhysicalIndex, fence device.ResourceFence) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.frame++
	for _, idx := range indices {
		if int(idx) < 0 || int(idx) >= len(p.arena) || p.arena[idx] == nil {
			fatalf("release of unknown physical resource %d", idx)
		}
		r := p.arena[idx]
		if r.owner != owner {
			fatalf("graph %d released physical resource %d owned by graph %d", owner, idx, r.owner)
		}
		r.owner = 0
		r.fence = fence
		r.lastUsedFrame = p.frame
		if p.closed {
			p.destroyLocked(r)
			continue
		}
		r.element = p.free.PushFront(r)
	}
}

// Trim retires free resources that stayed idle longer than MaxIdleFrames,
// then retires least recently used free resources until the pool fits its
// budget. Retired resources are destroyed once their last frame retires.
// Trim returns the number of resources retired.
func (p *ResourcePool) Trim() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0
	}

	n := 0
	for e := p.free.Back(); e != nil; {
		prev := e.Prev()
		r, ok := e.Value.(*physicalResource)
		if !ok {
			p.free.Remove(e)
			e = prev
			continue
		}
		if p.frame-r.lastUsedFrame > p.maxIdleFrames || p.usedBytes > p.budgetBytes {
			p.free.Remove(e)
			r.element = nil
			p.destroyLocked(r)
			p.evicted++
			n++
		}
		e = prev
	}

	if p.usedBytes > p.budgetBytes {
		slogger().Warn("framegraph: pool over budget",
			"used_mb", p.usedBytes/(1024*1024),
			"budget_mb", p.budgetBytes/(1024*1024))
	}
	if n > 0 {
		slogger().Debug("framegraph: pool trimmed", "evicted", n)
	}
	return n
}

// destroyLocked removes r from the arena and defers its destruction.
// Caller must hold mu.
func (p *ResourcePool) destroyLocked(r *physicalResource) {
	p.arena[r.index] = nil
	p.usedBytes -= r.size
	if r.image != nil {
		r.image.Destroy()
	}
	if r.buffer != nil {
		r.buffer.Destroy()
	}
}

// Len returns the number of live physical resources.
func (p *ResourcePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, r := range p.arena {
		if r != nil {
			n++
		}
	}
	return n
}

// Stats returns current pool statistics.
func (p *ResourcePool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{
		Free:             p.free.Len(),
		Bytes:            p.usedBytes,
		BudgetBytes:      p.budgetBytes,
		Created:          p.created,
		Reused:           p.reused,
		Evicted:          p.evicted,
		BindGroupLayouts: len(p.layouts),
	}
	for _, r := range p.arena {
		switch {
		case r == nil:
			continue
		case r.image != nil:
			s.Images++
		default:
			s.Buffers++
		}
		if r.owner != 0 {
			s.InUse++
		}
	}
	return s
}

// BindGroupLayout returns a cached bind group layout for entries, creating
// it on first use. Layouts live as long as the pool.
func (p *ResourcePool) BindGroupLayout(entries []gputypes.BindGroupLayoutEntry) (hal.BindGroupLayout, error) {
	key := layoutKey(entries)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if l, ok := p.layouts[key]; ok {
		return l, nil
	}

	l, err := p.dev.HAL().CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   "framegraph/" + key,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("create bind group layout: %w", err)
	}
	p.layouts[key] = l
	return l, nil
}

// layoutKey is the cache signature of a bind group layout.
func layoutKey(entries []gputypes.BindGroupLayoutEntry) string {
	if len(entries) == 0 {
		return "empty"
	}
	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteByte(';')
		}
		fmt.Fprintf(&sb, "%d:%d", e.Binding, e.Visibility)
		switch {
		case e.Buffer != nil:
			fmt.Fprintf(&sb, ":buf%d", e.Buffer.Type)
		case e.Texture != nil:
			fmt.Fprintf(&sb, ":tex%d", e.Texture.SampleType)
		case e.StorageTexture != nil:
			fmt.Fprintf(&sb, ":st%d/%d", e.StorageTexture.Access, e.StorageTexture.Format)
		case e.Sampler != nil:
			fmt.Fprintf(&sb, ":smp%d", e.Sampler.Type)
		}
	}
	return sb.String()
}

// Close destroys every pooled resource and cached layout through the
// lifetime manager. Resources still owned by a graph are destroyed when
// that graph releases them.
func (p *ResourcePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for _, r := range p.arena {
		if r != nil && r.owner == 0 {
			p.destroyLocked(r)
		}
	}
	p.free.Init()
	for _, l := range p.layouts {
		p.dev.DestroyLater(device.ManagedBindGroupLayout{Layout: l})
	}
	clear(p.layouts)
}
