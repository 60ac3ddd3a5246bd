package device

import "github.com/gogpu/wgpu/hal"

// Releaser is an object kept alive by an in-flight command buffer.
// Release runs once the command buffer has retired.
type Releaser interface {
	Release()
}

// ReleaseFunc adapts a function to the Releaser interface.
type ReleaseFunc func()

// Release calls f.
func (f ReleaseFunc) Release() { f() }

// CmdBufferData is a submitted command buffer tracked by the LifetimeManager.
type CmdBufferData struct {
	// CmdBuffer is freed when the entry retires. May be nil.
	CmdBuffer hal.CommandBuffer

	// Fence orders this entry in the in-flight queue.
	Fence ResourceFence

	// Submission is the queue submission index returned by hal.Queue.Submit.
	// Zero means the buffer never reached the GPU and retires immediately.
	Submission uint64

	// HostFence, if set, is queried instead of Submission and destroyed on
	// retirement.
	HostFence hal.Fence

	// KeepAlive runs in order when the entry retires.
	KeepAlive []Releaser
}

// release frees the command buffer and runs the keep-alive releasers.
func (c *CmdBufferData) release(d hal.Device) {
	destroyManaged(d, ManagedCommandBuffer{CmdBuffer: c.CmdBuffer})
	destroyManaged(d, ManagedFence{Fence: c.HostFence})
	for _, r := range c.KeepAlive {
		if r != nil {
			r.Release()
		}
	}
	c.CmdBuffer = nil
	c.HostFence = nil
	c.KeepAlive = nil
}
