// Package haltest provides recording HAL doubles over the noop backend.
//
// Every object created through a haltest Device gets a unique non-zero
// NativeHandle, so tests can follow individual objects through creation,
// binding and destruction.
package haltest

import (
	"errors"
	"sync"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// Event is one creation or destruction observed by a Device.
type Event struct {
	Kind   string
	Handle uintptr
}

// Open returns a recording device and a manually completed queue backed by
// the noop backend.
func Open(tb testing.TB) (*Device, *Queue) {
	tb.Helper()
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		tb.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		tb.Fatalf("Open failed: %v", err)
	}
	tb.Cleanup(func() {
		openDev.Device.Destroy()
		instance.Destroy()
	})
	return &Device{Device: openDev.Device}, &Queue{Queue: openDev.Queue}
}

// handle is a uniquely numbered object.
type handle struct{ id uintptr }

func (h *handle) Destroy()              {}
func (h *handle) NativeHandle() uintptr { return h.id }

// Buffer wraps a noop buffer so MapBuffer keeps working.
type Buffer struct {
	handle
	inner hal.Buffer
}

// Texture is a uniquely numbered texture.
type Texture struct{ handle }

func (t *Texture) CurrentUsage() gputypes.TextureUsage { return 0 }
func (t *Texture) AddPendingRef()                      {}
func (t *Texture) DecPendingRef()                      {}

// Object is a uniquely numbered view, bind group, layout, pipeline or
// command buffer.
type Object struct{ handle }

// Fence is a host fence whose status the test controls.
type Fence struct {
	handle
	mu       sync.Mutex
	signaled bool
}

// Signal marks the fence as signaled.
func (f *Fence) Signal() {
	f.mu.Lock()
	f.signaled = true
	f.mu.Unlock()
}

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("haltest: injected failure")

// Device is a hal.Device that records what it creates and destroys.
type Device struct {
	hal.Device

	mu        sync.Mutex
	next      uintptr
	created   []Event
	destroyed []Event
	encoders  []*Encoder

	// FailCreate makes Create* calls of the named kind fail with ErrInjected.
	FailCreate map[string]bool

	// FenceErr is returned by GetFenceStatus when set.
	FenceErr error

	// ShaderSources records the SPIR-V word count of each shader module.
	ShaderSources []int

	// BindGroupLayouts records every layout descriptor passed to
	// CreateBindGroupLayout.
	BindGroupLayouts []hal.BindGroupLayoutDescriptor

	// BindGroups records every bind group descriptor.
	BindGroups []hal.BindGroupDescriptor
}

func (d *Device) create(kind string) (handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailCreate[kind] {
		return handle{}, ErrInjected
	}
	d.next++
	d.created = append(d.created, Event{Kind: kind, Handle: d.next})
	return handle{id: d.next}, nil
}

func (d *Device) destroy(kind string, r interface{ NativeHandle() uintptr }) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = append(d.destroyed, Event{Kind: kind, Handle: r.NativeHandle()})
}

func nativeOf(r any) interface{ NativeHandle() uintptr } {
	if n, ok := r.(interface{ NativeHandle() uintptr }); ok {
		return n
	}
	return &handle{}
}

// Created returns the creation log.
func (d *Device) Created() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.created...)
}

// Destroyed returns the destruction log in order.
func (d *Device) Destroyed() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.destroyed...)
}

// CountCreated returns how many objects of kind were created.
func (d *Device) CountCreated(kind string) int {
	return count(d.Created(), kind)
}

// CountDestroyed returns how many objects of kind were destroyed.
func (d *Device) CountDestroyed(kind string) int {
	return count(d.Destroyed(), kind)
}

func count(events []Event, kind string) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Encoders returns every command encoder created so far.
func (d *Device) Encoders() []*Encoder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Encoder(nil), d.encoders...)
}

func (d *Device) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	h, err := d.create("buffer")
	if err != nil {
		return nil, err
	}
	inner, err := d.Device.CreateBuffer(desc)
	if err != nil {
		return nil, err
	}
	return &Buffer{handle: h, inner: inner}, nil
}

func (d *Device) MapBuffer(buffer hal.Buffer, offset, size uint64) (hal.BufferMapping, error) {
	if b, ok := buffer.(*Buffer); ok {
		return d.Device.MapBuffer(b.inner, offset, size)
	}
	return d.Device.MapBuffer(buffer, offset, size)
}

func (d *Device) UnmapBuffer(hal.Buffer) error { return nil }

func (d *Device) DestroyBuffer(b hal.Buffer) { d.destroy("buffer", b) }

func (d *Device) CreateTexture(*hal.TextureDescriptor) (hal.Texture, error) {
	h, err := d.create("texture")
	if err != nil {
		return nil, err
	}
	return &Texture{handle: h}, nil
}

func (d *Device) DestroyTexture(t hal.Texture) { d.destroy("texture", t) }

func (d *Device) CreateTextureView(hal.Texture, *hal.TextureViewDescriptor) (hal.TextureView, error) {
	h, err := d.create("texture_view")
	if err != nil {
		return nil, err
	}
	return &Object{handle: h}, nil
}

func (d *Device) DestroyTextureView(v hal.TextureView) { d.destroy("texture_view", v) }

func (d *Device) CreateSampler(*hal.SamplerDescriptor) (hal.Sampler, error) {
	h, err := d.create("sampler")
	if err != nil {
		return nil, err
	}
	return &Object{handle: h}, nil
}

func (d *Device) DestroySampler(s hal.Sampler) { d.destroy("sampler", s) }

func (d *Device) CreateBindGroupLayout(desc *hal.BindGroupLayoutDescriptor) (hal.BindGroupLayout, error) {
	h, err := d.create("bind_group_layout")
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.BindGroupLayouts = append(d.BindGroupLayouts, *desc)
	d.mu.Unlock()
	return &Object{handle: h}, nil
}

func (d *Device) DestroyBindGroupLayout(l hal.BindGroupLayout) {
	d.destroy("bind_group_layout", nativeOf(l))
}

func (d *Device) CreateBindGroup(desc *hal.BindGroupDescriptor) (hal.BindGroup, error) {
	h, err := d.create("bind_group")
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.BindGroups = append(d.BindGroups, *desc)
	d.mu.Unlock()
	return &Object{handle: h}, nil
}

func (d *Device) DestroyBindGroup(g hal.BindGroup) { d.destroy("bind_group", nativeOf(g)) }

func (d *Device) CreatePipelineLayout(*hal.PipelineLayoutDescriptor) (hal.PipelineLayout, error) {
	h, err := d.create("pipeline_layout")
	if err != nil {
		return nil, err
	}
	return &Object{handle: h}, nil
}

func (d *Device) DestroyPipelineLayout(l hal.PipelineLayout) {
	d.destroy("pipeline_layout", nativeOf(l))
}

func (d *Device) CreateShaderModule(desc *hal.ShaderModuleDescriptor) (hal.ShaderModule, error) {
	h, err := d.create("shader_module")
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.ShaderSources = append(d.ShaderSources, len(desc.Source.SPIRV))
	d.mu.Unlock()
	return &Object{handle: h}, nil
}

func (d *Device) DestroyShaderModule(m hal.ShaderModule) { d.destroy("shader_module", nativeOf(m)) }

func (d *Device) CreateRenderPipeline(*hal.RenderPipelineDescriptor) (hal.RenderPipeline, error) {
	h, err := d.create("render_pipeline")
	if err != nil {
		return nil, err
	}
	return &Object{handle: h}, nil
}

func (d *Device) DestroyRenderPipeline(p hal.RenderPipeline) {
	d.destroy("render_pipeline", nativeOf(p))
}

func (d *Device) CreateComputePipeline(*hal.ComputePipelineDescriptor) (hal.ComputePipeline, error) {
	h, err := d.create("compute_pipeline")
	if err != nil {
		return nil, err
	}
	return &Object{handle: h}, nil
}

func (d *Device) DestroyComputePipeline(p hal.ComputePipeline) {
	d.destroy("compute_pipeline", nativeOf(p))
}

func (d *Device) CreateFence() (hal.Fence, error) {
	h, err := d.create("fence")
	if err != nil {
		return nil, err
	}
	return &Fence{handle: h}, nil
}

func (d *Device) DestroyFence(f hal.Fence) { d.destroy("fence", nativeOf(f)) }

func (d *Device) GetFenceStatus(f hal.Fence) (bool, error) {
	if d.FenceErr != nil {
		return false, d.FenceErr
	}
	if hf, ok := f.(*Fence); ok {
		hf.mu.Lock()
		defer hf.mu.Unlock()
		return hf.signaled, nil
	}
	return d.Device.GetFenceStatus(f)
}

func (d *Device) FreeCommandBuffer(c hal.CommandBuffer) { d.destroy("command_buffer", nativeOf(c)) }

func (d *Device) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	if _, err := d.create("command_encoder"); err != nil {
		return nil, err
	}
	inner, err := d.Device.CreateCommandEncoder(desc)
	if err != nil {
		return nil, err
	}
	enc := &Encoder{CommandEncoder: inner, device: d}
	d.mu.Lock()
	d.encoders = append(d.encoders, enc)
	d.mu.Unlock()
	return enc, nil
}

// Encoder is a command encoder that records barriers, passes and dispatches.
type Encoder struct {
	hal.CommandEncoder
	device *Device

	mu              sync.Mutex
	BufferBarriers  []hal.BufferBarrier
	TextureBarriers []hal.TextureBarrier
	RenderPasses    []string
	ComputePasses   []string
	Dispatches      [][3]uint32
	Draws           int
	Destroyed       bool
	Discarded       bool
}

func (e *Encoder) EndEncoding() (hal.CommandBuffer, error) {
	h, err := e.device.create("command_buffer")
	if err != nil {
		return nil, err
	}
	return &Object{handle: h}, nil
}

func (e *Encoder) DiscardEncoding() {
	e.mu.Lock()
	e.Discarded = true
	e.mu.Unlock()
}

func (e *Encoder) Destroy() {
	e.mu.Lock()
	e.Destroyed = true
	e.mu.Unlock()
}

func (e *Encoder) TransitionBuffers(barriers []hal.BufferBarrier) {
	e.mu.Lock()
	e.BufferBarriers = append(e.BufferBarriers, barriers...)
	e.mu.Unlock()
}

func (e *Encoder) TransitionTextures(barriers []hal.TextureBarrier) {
	e.mu.Lock()
	e.TextureBarriers = append(e.TextureBarriers, barriers...)
	e.mu.Unlock()
}

func (e *Encoder) BeginRenderPass(desc *hal.RenderPassDescriptor) hal.RenderPassEncoder {
	e.mu.Lock()
	e.RenderPasses = append(e.RenderPasses, desc.Label)
	e.mu.Unlock()
	return &renderPass{RenderPassEncoder: e.CommandEncoder.BeginRenderPass(desc), enc: e}
}

func (e *Encoder) BeginComputePass(desc *hal.ComputePassDescriptor) hal.ComputePassEncoder {
	e.mu.Lock()
	e.ComputePasses = append(e.ComputePasses, desc.Label)
	e.mu.Unlock()
	return &computePass{ComputePassEncoder: e.CommandEncoder.BeginComputePass(desc), enc: e}
}

type renderPass struct {
	hal.RenderPassEncoder
	enc *Encoder
}

func (p *renderPass) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	p.enc.mu.Lock()
	p.enc.Draws++
	p.enc.mu.Unlock()
}

func (p *renderPass) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	p.enc.mu.Lock()
	p.enc.Draws++
	p.enc.mu.Unlock()
}

type computePass struct {
	hal.ComputePassEncoder
	enc *Encoder
}

func (p *computePass) Dispatch(x, y, z uint32) {
	p.enc.mu.Lock()
	p.enc.Dispatches = append(p.enc.Dispatches, [3]uint32{x, y, z})
	p.enc.mu.Unlock()
}

// Queue is a hal.Queue whose submissions complete only when the test says so.
type Queue struct {
	hal.Queue

	mu        sync.Mutex
	submitted uint64
	completed uint64
	writes    []TextureWrite

	// AutoComplete completes every submission immediately.
	AutoComplete bool

	// FailSubmit makes Submit fail with ErrInjected.
	FailSubmit bool
}

func (q *Queue) Submit([]hal.CommandBuffer) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailSubmit {
		return 0, ErrInjected
	}
	q.submitted++
	if q.AutoComplete {
		q.completed = q.submitted
	}
	return q.submitted, nil
}

func (q *Queue) PollCompleted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

// Complete marks every submission up to idx as completed.
func (q *Queue) Complete(idx uint64) {
	q.mu.Lock()
	q.completed = max(q.completed, idx)
	q.mu.Unlock()
}

// CompleteAll marks every submission so far as completed.
func (q *Queue) CompleteAll() {
	q.mu.Lock()
	q.completed = q.submitted
	q.mu.Unlock()
}

// TextureWrite is one recorded Queue.WriteTexture call.
type TextureWrite struct {
	Texture     hal.Texture
	Data        []byte
	BytesPerRow uint32
	Width       uint32
	Height      uint32
}

func (q *Queue) WriteTexture(dst *hal.ImageCopyTexture, data []byte, layout *hal.ImageDataLayout, size *hal.Extent3D) error {
	q.mu.Lock()
	q.writes = append(q.writes, TextureWrite{
		Texture:     dst.Texture,
		Data:        append([]byte(nil), data...),
		BytesPerRow: layout.BytesPerRow,
		Width:       size.Width,
		Height:      size.Height,
	})
	q.mu.Unlock()
	return nil
}

// TextureWrites returns the texture uploads so far.
func (q *Queue) TextureWrites() []TextureWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]TextureWrite(nil), q.writes...)
}

// Submitted returns the number of submissions so far.
func (q *Queue) Submitted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.submitted
}
