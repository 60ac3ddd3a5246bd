package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/wgpu/hal"
)

// Recorder errors.
var (
	// ErrRecorderNotRecording is returned when recording operations are called
	// on a recorder that is not in the Recording state.
	ErrRecorderNotRecording = errors.New("device: recorder not in recording state")

	// ErrRecorderLocked is returned when operations are called on a recorder
	// that is locked (a pass is in progress).
	ErrRecorderLocked = errors.New("device: recorder is locked (pass in progress)")

	// ErrRecorderEnded is returned when operations are called on a recorder
	// that has already been ended.
	ErrRecorderEnded = errors.New("device: recorder already ended")

	// ErrRecorderSubmitted is returned when operations are called on a
	// recorder that has been submitted.
	ErrRecorderSubmitted = errors.New("device: recorder has been submitted")

	// ErrNilDescriptor is returned when a pass descriptor is nil.
	ErrNilDescriptor = errors.New("device: descriptor is nil")
)

// RecorderState represents the state of a command recorder.
type RecorderState int

const (
	// RecorderStateRecording accepts barriers and new passes.
	RecorderStateRecording RecorderState = iota

	// RecorderStateLocked means a render or compute pass is open.
	RecorderStateLocked

	// RecorderStateEnded means encoding finished and the command buffer is ready.
	RecorderStateEnded

	// RecorderStateSubmitted means the command buffer was handed to the queue.
	RecorderStateSubmitted
)

// String returns the string representation of RecorderState.
func (s RecorderState) String() string {
	switch s {
	case RecorderStateRecording:
		return "Recording"
	case RecorderStateLocked:
		return "Locked"
	case RecorderStateEnded:
		return "Ended"
	case RecorderStateSubmitted:
		return "Submitted"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// RecorderStats counts the commands recorded so far.
type RecorderStats struct {
	BufferBarriers  int
	TextureBarriers int
	RenderPasses    int
	ComputePasses   int
	Draws           int
	Dispatches      int
}

// CmdBufferRecorder records GPU commands into one command buffer.
//
// State machine:
//
//	Recording -> (BeginRenderPass/BeginComputePass) -> Locked
//	Locked    -> (pass End)                         -> Recording
//	Recording -> End()                              -> Ended
//	Ended     -> (Device.Submit)                    -> Submitted
//
// Every recorder carries a ResourceFence assigned at creation. Objects
// passed to KeepAlive are released when the command buffer retires.
//
// CmdBufferRecorder is NOT safe for concurrent use.
type CmdBufferRecorder struct {
	mu sync.Mutex

	device  *Device
	encoder hal.CommandEncoder
	label   string
	fence   ResourceFence
	state   RecorderState

	keepAlive []Releaser
	stats     RecorderStats

	activeRender  *RenderPass
	activeCompute *ComputePass
}

// Label returns the recorder's debug label.
func (r *CmdBufferRecorder) Label() string { return r.label }

// Fence returns the fence this recorder's command buffer is tagged with.
func (r *CmdBufferRecorder) Fence() ResourceFence { return r.fence }

// Device returns the device that created the recorder.
func (r *CmdBufferRecorder) Device() *Device { return r.device }

// State returns the current recorder state.
func (r *CmdBufferRecorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns the command counts recorded so far.
func (r *CmdBufferRecorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// checkRecordingLocked returns an error if the recorder is not in the
// Recording state. The caller must hold r.mu.
func (r *CmdBufferRecorder) checkRecordingLocked() error {
	switch r.state {
	case RecorderStateRecording:
		return nil
	case RecorderStateLocked:
		return ErrRecorderLocked
	case RecorderStateEnded:
		return ErrRecorderEnded
	case RecorderStateSubmitted:
		return ErrRecorderSubmitted
	default:
		return ErrRecorderNotRecording
	}
}

// KeepAlive keeps rel alive until the command buffer retires.
// Calling KeepAlive after End is a contract violation.
func (r *CmdBufferRecorder) KeepAlive(rel Releaser) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == RecorderStateEnded || r.state == RecorderStateSubmitted {
		fatalf("keep alive on recorder %q in state %s", r.label, r.state)
	}
	r.keepAlive = append(r.keepAlive, rel)
}

// Barriers records buffer and texture usage transitions.
// Empty slices record nothing.
func (r *CmdBufferRecorder) Barriers(buffers []hal.BufferBarrier, textures []hal.TextureBarrier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRecordingLocked(); err != nil {
		return fmt.Errorf("barriers: %w", err)
	}

	if len(buffers) > 0 {
		r.encoder.TransitionBuffers(buffers)
		r.stats.BufferBarriers += len(buffers)
	}
	if len(textures) > 0 {
		r.encoder.TransitionTextures(textures)
		r.stats.TextureBarriers += len(textures)
	}
	return nil
}

// BeginRenderPass starts a render pass. The recorder is Locked until the
// pass ends.
func (r *CmdBufferRecorder) BeginRenderPass(desc *hal.RenderPassDescriptor) (*RenderPass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRecordingLocked(); err != nil {
		return nil, fmt.Errorf("begin render pass: %w", err)
	}
	if desc == nil {
		return nil, fmt.Errorf("begin render pass: %w", ErrNilDescriptor)
	}

	pass := &RenderPass{
		recorder: r,
		encoder:  r.encoder.BeginRenderPass(desc),
		label:    desc.Label,
	}
	r.activeRender = pass
	r.state = RecorderStateLocked
	r.stats.RenderPasses++
	return pass, nil
}

// BeginComputePass starts a compute pass. The recorder is Locked until the
// pass ends.
func (r *CmdBufferRecorder) BeginComputePass(label string) (*ComputePass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRecordingLocked(); err != nil {
		return nil, fmt.Errorf("begin compute pass: %w", err)
	}

	pass := &ComputePass{
		recorder: r,
		encoder:  r.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: label}),
		label:    label,
	}
	r.activeCompute = pass
	r.state = RecorderStateLocked
	r.stats.ComputePasses++
	return pass, nil
}

// endRenderPass unlocks the recorder. Called by RenderPass.End.
func (r *CmdBufferRecorder) endRenderPass(pass *RenderPass, draws int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeRender != pass {
		return fmt.Errorf("end render pass: wrong pass being ended")
	}
	r.activeRender = nil
	r.state = RecorderStateRecording
	r.stats.Draws += draws
	return nil
}

// endComputePass unlocks the recorder. Called by ComputePass.End.
func (r *CmdBufferRecorder) endComputePass(pass *ComputePass, dispatches int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeCompute != pass {
		return fmt.Errorf("end compute pass: wrong pass being ended")
	}
	r.activeCompute = nil
	r.state = RecorderStateRecording
	r.stats.Dispatches += dispatches
	return nil
}

// End finishes encoding and returns the command buffer data for manual
// submission. Device.Submit calls End itself.
//
// The encoder is destroyed when the returned data retires.
func (r *CmdBufferRecorder) End() (CmdBufferData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRecordingLocked(); err != nil {
		return CmdBufferData{}, fmt.Errorf("end: %w", err)
	}

	cmdBuf, err := r.encoder.EndEncoding()
	if err != nil {
		r.encoder.DiscardEncoding()
		keep := append(r.keepAlive, ReleaseFunc(r.encoder.Destroy))
		r.keepAlive = nil
		r.state = RecorderStateSubmitted
		r.device.lifetime.Recycle(CmdBufferData{Fence: r.fence, KeepAlive: keep})
		return CmdBufferData{}, fmt.Errorf("end encoding %q: %w", r.label, err)
	}
	r.state = RecorderStateEnded

	keep := append(r.keepAlive, ReleaseFunc(r.encoder.Destroy))
	r.keepAlive = nil

	return CmdBufferData{
		CmdBuffer: cmdBuf,
		Fence:     r.fence,
		KeepAlive: keep,
	}, nil
}

// Discard abandons the recording. Nothing reaches the GPU, but the
// recorder's fence still retires through the lifetime manager so objects
// kept alive by it are released in order.
func (r *CmdBufferRecorder) Discard() {
	r.mu.Lock()
	if r.state == RecorderStateEnded || r.state == RecorderStateSubmitted {
		r.mu.Unlock()
		return
	}
	r.encoder.DiscardEncoding()
	keep := append(r.keepAlive, ReleaseFunc(r.encoder.Destroy))
	r.keepAlive = nil
	r.activeRender = nil
	r.activeCompute = nil
	r.state = RecorderStateSubmitted
	r.mu.Unlock()

	r.device.lifetime.Recycle(CmdBufferData{Fence: r.fence, KeepAlive: keep})
	slogger().Debug("device: recorder discarded", "label", r.label, "fence", r.fence)
}

// markSubmitted moves the recorder to its final state.
func (r *CmdBufferRecorder) markSubmitted() {
	r.mu.Lock()
	r.state = RecorderStateSubmitted
	r.mu.Unlock()
}
