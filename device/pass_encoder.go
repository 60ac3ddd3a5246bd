package device

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Pass errors.
var (
	// ErrPassEnded is returned when operations are called on an ended pass.
	ErrPassEnded = errors.New("device: pass has already ended")

	// ErrNilPipeline is returned when SetPipeline is called with nil.
	ErrNilPipeline = errors.New("device: pipeline is nil")

	// ErrNoPipeline is returned when drawing or dispatching without a pipeline.
	ErrNoPipeline = errors.New("device: no pipeline set")

	// ErrNilBindGroup is returned when SetBindGroup is called with nil.
	ErrNilBindGroup = errors.New("device: bind group is nil")

	// ErrBindGroupIndexOutOfRange is returned when bind group index exceeds maximum.
	ErrBindGroupIndexOutOfRange = errors.New("device: bind group index exceeds maximum (3)")

	// ErrNilVertexBuffer is returned when SetVertexBuffer is called with nil.
	ErrNilVertexBuffer = errors.New("device: vertex buffer is nil")

	// ErrNilIndexBuffer is returned when SetIndexBuffer is called with nil.
	ErrNilIndexBuffer = errors.New("device: index buffer is nil")

	// ErrNoIndexBuffer is returned by DrawIndexed without an index buffer.
	ErrNoIndexBuffer = errors.New("device: no index buffer set")

	// ErrWorkgroupCountZero is returned when a dispatch has a zero dimension.
	ErrWorkgroupCountZero = errors.New("device: workgroup count must be positive")
)

// MaxBindGroups is the number of bind group slots a pipeline may use.
const MaxBindGroups = 4

// RenderPass records draw commands within a render pass.
//
// Lifecycle:
//  1. Created by CmdBufferRecorder.BeginRenderPass()
//  2. Record commands (SetPipeline, SetVertexBuffer, Draw, etc.)
//  3. Call End() to unlock the recorder
type RenderPass struct {
	recorder *CmdBufferRecorder
	encoder  hal.RenderPassEncoder
	label    string

	ended       bool
	hasPipeline bool
	hasIndex    bool
	draws       int
}

// Label returns the pass label.
func (p *RenderPass) Label() string { return p.label }

// IsEnded returns true if the pass has been ended.
func (p *RenderPass) IsEnded() bool { return p.ended }

// SetPipeline sets the render pipeline for subsequent draws.
func (p *RenderPass) SetPipeline(pipeline hal.RenderPipeline) error {
	if p.ended {
		return ErrPassEnded
	}
	if pipeline == nil {
		return ErrNilPipeline
	}
	p.encoder.SetPipeline(pipeline)
	p.hasPipeline = true
	return nil
}

// SetBindGroup binds a resource group at the given index.
func (p *RenderPass) SetBindGroup(index uint32, group hal.BindGroup, offsets []uint32) error {
	if p.ended {
		return ErrPassEnded
	}
	if index >= MaxBindGroups {
		return fmt.Errorf("%w: %d", ErrBindGroupIndexOutOfRange, index)
	}
	if group == nil {
		return ErrNilBindGroup
	}
	p.encoder.SetBindGroup(index, group, offsets)
	return nil
}

// SetBindGroups binds groups[i] at index i.
func (p *RenderPass) SetBindGroups(groups []hal.BindGroup) error {
	for i, g := range groups {
		if err := p.SetBindGroup(uint32(i), g, nil); err != nil {
			return err
		}
	}
	return nil
}

// SetVertexBuffer binds a vertex buffer to a slot.
func (p *RenderPass) SetVertexBuffer(slot uint32, buffer hal.Buffer, offset uint64) error {
	if p.ended {
		return ErrPassEnded
	}
	if buffer == nil {
		return ErrNilVertexBuffer
	}
	p.encoder.SetVertexBuffer(slot, buffer, offset)
	return nil
}

// SetIndexBuffer binds the index buffer for indexed draws.
func (p *RenderPass) SetIndexBuffer(buffer hal.Buffer, format gputypes.IndexFormat, offset uint64) error {
	if p.ended {
		return ErrPassEnded
	}
	if buffer == nil {
		return ErrNilIndexBuffer
	}
	p.encoder.SetIndexBuffer(buffer, format, offset)
	p.hasIndex = true
	return nil
}

// SetViewport sets the viewport transformation.
func (p *RenderPass) SetViewport(x, y, width, height, minDepth, maxDepth float32) error {
	if p.ended {
		return ErrPassEnded
	}
	p.encoder.SetViewport(x, y, width, height, minDepth, maxDepth)
	return nil
}

// SetScissorRect sets the scissor rectangle.
func (p *RenderPass) SetScissorRect(x, y, width, height uint32) error {
	if p.ended {
		return ErrPassEnded
	}
	p.encoder.SetScissorRect(x, y, width, height)
	return nil
}

// Draw draws non-indexed primitives.
func (p *RenderPass) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) error {
	if p.ended {
		return ErrPassEnded
	}
	if !p.hasPipeline {
		return ErrNoPipeline
	}
	p.encoder.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
	p.draws++
	return nil
}

// DrawIndexed draws indexed primitives.
func (p *RenderPass) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) error {
	if p.ended {
		return ErrPassEnded
	}
	if !p.hasPipeline {
		return ErrNoPipeline
	}
	if !p.hasIndex {
		return ErrNoIndexBuffer
	}
	p.encoder.DrawIndexed(indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
	p.draws++
	return nil
}

// End completes the pass and returns the recorder to the Recording state.
func (p *RenderPass) End() error {
	if p.ended {
		return ErrPassEnded
	}
	p.encoder.End()
	p.ended = true
	return p.recorder.endRenderPass(p, p.draws)
}

// ComputePass records dispatch commands within a compute pass.
type ComputePass struct {
	recorder *CmdBufferRecorder
	encoder  hal.ComputePassEncoder
	label    string

	ended       bool
	hasPipeline bool
	dispatches  int
}

// Label returns the pass label.
func (p *ComputePass) Label() string { return p.label }

// IsEnded returns true if the pass has been ended.
func (p *ComputePass) IsEnded() bool { return p.ended }

// SetPipeline sets the compute pipeline for subsequent dispatches.
func (p *ComputePass) SetPipeline(pipeline hal.ComputePipeline) error {
	if p.ended {
		return ErrPassEnded
	}
	if pipeline == nil {
		return ErrNilPipeline
	}
	p.encoder.SetPipeline(pipeline)
	p.hasPipeline = true
	return nil
}

// SetBindGroup binds a resource group at the given index.
func (p *ComputePass) SetBindGroup(index uint32, group hal.BindGroup, offsets []uint32) error {
	if p.ended {
		return ErrPassEnded
	}
	if index >= MaxBindGroups {
		return fmt.Errorf("%w: %d", ErrBindGroupIndexOutOfRange, index)
	}
	if group == nil {
		return ErrNilBindGroup
	}
	p.encoder.SetBindGroup(index, group, offsets)
	return nil
}

// SetBindGroups binds groups[i] at index i.
func (p *ComputePass) SetBindGroups(groups []hal.BindGroup) error {
	for i, g := range groups {
		if err := p.SetBindGroup(uint32(i), g, nil); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch dispatches x*y*z workgroups.
func (p *ComputePass) Dispatch(x, y, z uint32) error {
	if p.ended {
		return ErrPassEnded
	}
	if !p.hasPipeline {
		return ErrNoPipeline
	}
	if x == 0 || y == 0 || z == 0 {
		return fmt.Errorf("%w: (%d, %d, %d)", ErrWorkgroupCountZero, x, y, z)
	}
	p.encoder.Dispatch(x, y, z)
	p.dispatches++
	return nil
}

// DispatchSize dispatches enough workgroups of the given size to cover
// width x height x depth invocations.
func (p *ComputePass) DispatchSize(width, height, depth uint32, workgroup [3]uint32) error {
	return p.Dispatch(
		workgroupCount(width, workgroup[0]),
		workgroupCount(height, workgroup[1]),
		workgroupCount(depth, workgroup[2]),
	)
}

// End completes the pass and returns the recorder to the Recording state.
func (p *ComputePass) End() error {
	if p.ended {
		return ErrPassEnded
	}
	p.encoder.End()
	p.ended = true
	return p.recorder.endComputePass(p, p.dispatches)
}

// workgroupCount rounds size up to a whole number of workgroups.
func workgroupCount(size, group uint32) uint32 {
	if group == 0 {
		group = 1
	}
	return (size + group - 1) / group
}
