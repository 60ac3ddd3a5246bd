package device

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ImageDescriptor describes a 2D image.
type ImageDescriptor struct {
	Label  string
	Width  uint32
	Height uint32
	Format gputypes.TextureFormat
	Usage  gputypes.TextureUsage
}

// Image is a texture with its default full view.
type Image struct {
	device  *Device
	texture hal.Texture
	view    hal.TextureView
	desc    ImageDescriptor

	once sync.Once
}

// Texture returns the underlying texture.
func (i *Image) Texture() hal.Texture { return i.texture }

// View returns the default view covering the whole image.
func (i *Image) View() hal.TextureView { return i.view }

// Descriptor returns the descriptor the image was created with.
func (i *Image) Descriptor() ImageDescriptor { return i.desc }

// Format returns the image format.
func (i *Image) Format() gputypes.TextureFormat { return i.desc.Format }

// Size returns the image width and height.
func (i *Image) Size() (width, height uint32) { return i.desc.Width, i.desc.Height }

// Usage returns the usage flags the image was created with.
func (i *Image) Usage() gputypes.TextureUsage { return i.desc.Usage }

// ByteSize estimates the memory footprint of the image.
func (i *Image) ByteSize() uint64 {
	return uint64(i.desc.Width) * uint64(i.desc.Height) * uint64(bytesPerPixel(i.desc.Format))
}

// Destroy queues the view and texture for destruction once the current
// fence retires. Safe to call more than once.
func (i *Image) Destroy() {
	i.once.Do(func() {
		i.device.DestroyLater(ManagedTextureView{View: i.view})
		i.device.DestroyLater(ManagedTexture{Texture: i.texture})
	})
}

// BufferDescriptor describes a buffer.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage

	// CPUVisible buffers get BufferUsageMapWrite and stay mapped for their
	// whole lifetime.
	CPUVisible bool
}

// Buffer is a GPU buffer, optionally persistently mapped.
type Buffer struct {
	device  *Device
	buffer  hal.Buffer
	desc    BufferDescriptor
	mapping []byte

	once sync.Once
}

// Raw returns the underlying buffer.
func (b *Buffer) Raw() hal.Buffer { return b.buffer }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.desc.Size }

// Usage returns the usage flags the buffer was created with.
func (b *Buffer) Usage() gputypes.BufferUsage { return b.desc.Usage }

// CPUVisible reports whether the buffer is persistently mapped.
func (b *Buffer) CPUVisible() bool { return b.desc.CPUVisible }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.desc.Label }

// Mapping returns the persistent mapping, or nil for device-local buffers.
func (b *Buffer) Mapping() []byte { return b.mapping }

// Destroy queues the buffer for destruction once the current fence retires.
// Safe to call more than once.
func (b *Buffer) Destroy() {
	b.once.Do(func() {
		b.device.DestroyLater(ManagedBuffer{Buffer: b.buffer, Mapped: b.mapping != nil})
		b.mapping = nil
	})
}

// CreateImage creates a 2D image and its default view.
func (d *Device) CreateImage(desc ImageDescriptor) (*Image, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("%w: image %q is %dx%d", ErrInvalidSize, desc.Label, desc.Width, desc.Height)
	}

	tex, err := d.hal.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("create image %q: %w", desc.Label, err)
	}

	aspect := gputypes.TextureAspectAll
	if desc.Format.IsDepthStencil() {
		aspect = gputypes.TextureAspectDepthOnly
	}
	view, err := d.hal.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:           desc.Label,
		Format:          desc.Format,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          aspect,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		d.hal.DestroyTexture(tex)
		return nil, fmt.Errorf("create image view %q: %w", desc.Label, err)
	}

	slogger().Debug("device: image created",
		"label", desc.Label,
		"width", desc.Width,
		"height", desc.Height,
		"format", desc.Format)

	return &Image{device: d, texture: tex, view: view, desc: desc}, nil
}

// CreateBuffer creates a buffer. CPU-visible buffers are mapped once here
// and stay mapped until destroyed.
func (d *Device) CreateBuffer(desc BufferDescriptor) (*Buffer, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer %q has size 0", ErrInvalidSize, desc.Label)
	}
	if desc.CPUVisible {
		desc.Usage |= gputypes.BufferUsageMapWrite
	}

	raw, err := d.hal.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer %q: %w", desc.Label, err)
	}

	buf := &Buffer{device: d, buffer: raw, desc: desc}
	if desc.CPUVisible {
		m, err := d.hal.MapBuffer(raw, 0, desc.Size)
		if err != nil {
			d.hal.DestroyBuffer(raw)
			return nil, fmt.Errorf("map buffer %q: %w", desc.Label, err)
		}
		buf.mapping = unsafe.Slice((*byte)(m.Ptr), desc.Size)
	}

	slogger().Debug("device: buffer created",
		"label", desc.Label,
		"size", desc.Size,
		"cpu_visible", desc.CPUVisible)

	return buf, nil
}

// bytesPerPixel returns the texel size for the formats the renderer uses.
// Unknown formats are counted as 4 bytes.
func bytesPerPixel(f gputypes.TextureFormat) int {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRGBA16Float, gputypes.TextureFormatRG32Float:
		return 8
	case gputypes.TextureFormatRGBA32Float:
		return 16
	default:
		return 4
	}
}
