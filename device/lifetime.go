package device

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"
)

// SubmissionPoller reports the highest completed queue submission.
// hal.Queue satisfies it.
type SubmissionPoller interface {
	PollCompleted() uint64
}

// LifetimeStats is a snapshot of the lifetime manager queues.
type LifetimeStats struct {
	// PendingDeletions is the number of objects waiting for their fence.
	PendingDeletions int

	// ActiveCmdBuffers is the number of submitted, unretired command buffers.
	ActiveCmdBuffers int

	// Outstanding is the number of fences whose command buffers have not
	// been recycled yet.
	Outstanding int

	// Current is the last fence handed out by CreateFence.
	Current ResourceFence

	// Done is the highest retired fence.
	Done ResourceFence

	// Destroyed is the total number of objects destroyed so far.
	Destroyed uint64
}

// String returns a human-readable representation of the stats.
func (s LifetimeStats) String() string {
	return fmt.Sprintf("LifetimeStats{Pending: %d, InFlight: %d, Outstanding: %d, Current: %d, Done: %d, Destroyed: %d}",
		s.PendingDeletions, s.ActiveCmdBuffers, s.Outstanding, uint64(s.Current), uint64(s.Done), s.Destroyed)
}

// pendingDeletion is an object waiting for its fence to retire.
type pendingDeletion struct {
	fence    ResourceFence
	resource ManagedResource
}

// LifetimeManager defers GPU object destruction until the command buffers
// that may reference the object have retired.
//
// The fence counter is incremented by CreateFence. DestroyLater tags objects
// with the current counter, read under the lock so the pending queue stays
// ordered. Collect advances the done counter as command buffers retire and
// destroys every pending object whose fence is <= done.
//
// A fence stays outstanding from CreateFence until its command buffer is
// recycled. done never reaches an outstanding fence, so a recorder that is
// still being encoded holds back retirement of everything tagged after it.
//
// LifetimeManager is safe for concurrent use. It never waits on the GPU
// except in Close.
type LifetimeManager struct {
	device hal.Device
	poller SubmissionPoller

	counter   atomic.Uint64
	done      atomic.Uint64
	destroyed atomic.Uint64

	mu          sync.Mutex
	pending     []pendingDeletion
	inFlight    []CmdBufferData
	outstanding []ResourceFence
	high        ResourceFence
	closed      bool
}

// NewLifetimeManager creates a lifetime manager for the given device.
// poller is usually the device's hal.Queue.
func NewLifetimeManager(device hal.Device, poller SubmissionPoller) *LifetimeManager {
	return &LifetimeManager{
		device: device,
		poller: poller,
	}
}

// CreateFence returns the next fence ordinal. The fence is outstanding
// until a CmdBufferData carrying it is recycled.
func (m *LifetimeManager) CreateFence() ResourceFence {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := ResourceFence(m.counter.Add(1))
	if !m.closed {
		m.outstanding = append(m.outstanding, f)
	}
	return f
}

// Outstanding returns the number of fences handed out whose command buffers
// have not been recycled yet.
func (m *LifetimeManager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outstanding)
}

// CurrentFence returns the last fence handed out by CreateFence.
func (m *LifetimeManager) CurrentFence() ResourceFence {
	return ResourceFence(m.counter.Load())
}

// DoneFence returns the highest fence known to have retired.
func (m *LifetimeManager) DoneFence() ResourceFence {
	return ResourceFence(m.done.Load())
}

// IsRetired reports whether all work up to f has retired.
func (m *LifetimeManager) IsRetired(f ResourceFence) bool {
	return uint64(f) <= m.done.Load()
}

// Recycle hands a submitted command buffer to the manager and collects.
// The in-flight queue is kept in fence order.
func (m *LifetimeManager) Recycle(data CmdBufferData) {
	m.mu.Lock()
	if j, ok := slices.BinarySearch(m.outstanding, data.Fence); ok {
		m.outstanding = slices.Delete(m.outstanding, j, j+1)
	}
	i, _ := slices.BinarySearchFunc(m.inFlight, data.Fence, func(e CmdBufferData, f ResourceFence) int {
		if e.Fence <= f {
			return -1
		}
		return 1
	})
	m.inFlight = slices.Insert(m.inFlight, i, data)
	m.mu.Unlock()

	m.Collect()
}

// DestroyImmediate destroys r synchronously. The caller guarantees the GPU
// no longer uses it.
func (m *LifetimeManager) DestroyImmediate(r ManagedResource) {
	destroyManaged(m.device, r)
	m.destroyed.Add(1)
}

// DestroyLater queues r for destruction once the current fence retires.
func (m *LifetimeManager) DestroyLater(r ManagedResource) {
	if r == nil {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.DestroyImmediate(r)
		return
	}
	fence := ResourceFence(m.counter.Load())
	m.pending = append(m.pending, pendingDeletion{fence: fence, resource: r})
	m.mu.Unlock()
}

// Collect retires finished command buffers and destroys every pending
// object whose fence has been reached. It never blocks on the GPU.
//
// A fence query error from the driver is fatal.
func (m *LifetimeManager) Collect() {
	retired, doomed := m.collect()

	for i := range retired {
		retired[i].release(m.device)
	}
	for _, r := range doomed {
		destroyManaged(m.device, r)
	}
	m.destroyed.Add(uint64(len(doomed)))

	if len(retired) > 0 || len(doomed) > 0 {
		slogger().Debug("device: collect",
			"retired", len(retired),
			"destroyed", len(doomed),
			"done", m.DoneFence())
	}
}

// collect pops retired command buffers and destroyable objects under the
// lock. Destruction happens in the caller, outside the lock.
//
// done is the highest retired fence below every fence that is still
// outstanding or in flight.
func (m *LifetimeManager) collect() ([]CmdBufferData, []ManagedResource) {
	m.mu.Lock()
	defer m.mu.Unlock()

	completed := m.poller.PollCompleted()

	n := 0
	for n < len(m.inFlight) && m.retiredLocked(&m.inFlight[n], completed) {
		m.high = max(m.high, m.inFlight[n].Fence)
		n++
	}

	var retired []CmdBufferData
	if n > 0 {
		retired = slices.Clone(m.inFlight[:n])
		m.inFlight = slices.Delete(m.inFlight, 0, n)
	}

	done := m.high
	if len(m.outstanding) > 0 {
		done = min(done, m.outstanding[0]-1)
	}
	if len(m.inFlight) > 0 {
		done = min(done, m.inFlight[0].Fence-1)
	}
	done = max(done, ResourceFence(m.done.Load()))
	m.done.Store(uint64(done))

	return retired, m.clearResourcesLocked(done)
}

// retiredLocked reports whether the GPU has finished c. The caller must hold m.mu.
func (m *LifetimeManager) retiredLocked(c *CmdBufferData, completed uint64) bool {
	if c.HostFence != nil {
		signaled, err := m.device.GetFenceStatus(c.HostFence)
		if err != nil {
			fatalf("fence status query for %s failed: %v", c.Fence, err)
		}
		return signaled
	}
	return c.Submission == 0 || c.Submission <= completed
}

// clearResourcesLocked pops every pending object with fence <= done, in
// queue order. The caller must hold m.mu.
func (m *LifetimeManager) clearResourcesLocked(done ResourceFence) []ManagedResource {
	n := 0
	for n < len(m.pending) && m.pending[n].fence <= done {
		n++
	}
	if n == 0 {
		return nil
	}

	doomed := make([]ManagedResource, n)
	for i := range n {
		doomed[i] = m.pending[i].resource
	}
	m.pending = slices.Delete(m.pending, 0, n)
	return doomed
}

// PendingDeletions returns the number of objects waiting for their fence.
func (m *LifetimeManager) PendingDeletions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// ActiveCmdBuffers returns the number of submitted, unretired command buffers.
func (m *LifetimeManager) ActiveCmdBuffers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

// Stats returns a snapshot of the manager's queues.
func (m *LifetimeManager) Stats() LifetimeStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LifetimeStats{
		PendingDeletions: len(m.pending),
		ActiveCmdBuffers: len(m.inFlight),
		Outstanding:      len(m.outstanding),
		Current:          m.CurrentFence(),
		Done:             m.DoneFence(),
		Destroyed:        m.destroyed.Load(),
	}
}

// Close waits for the device to go idle, then releases every in-flight
// command buffer and destroys every pending object. Objects handed to
// DestroyLater after Close are destroyed immediately.
func (m *LifetimeManager) Close() {
	if err := m.device.WaitIdle(); err != nil {
		slogger().Warn("device: wait idle failed during close", "err", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	retired := m.inFlight
	pending := m.pending
	m.inFlight = nil
	m.pending = nil
	m.outstanding = nil
	m.done.Store(m.counter.Load())
	m.mu.Unlock()

	for i := range retired {
		retired[i].release(m.device)
	}
	for _, p := range pending {
		destroyManaged(m.device, p.resource)
	}
	m.destroyed.Add(uint64(len(pending)))

	slogger().Debug("device: lifetime manager closed",
		"released", len(retired),
		"destroyed", len(pending))
}
