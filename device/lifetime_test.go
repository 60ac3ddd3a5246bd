package device

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gogpu/g3d/internal/haltest"
	"github.com/gogpu/wgpu/hal"
)

func newTestBuffer(t *testing.T, dev hal.Device) hal.Buffer {
	t.Helper()
	buf, err := dev.CreateBuffer(&hal.BufferDescriptor{Label: "test", Size: 16})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	return buf
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	fn()
}

func TestResourceFenceString(t *testing.T) {
	if got := ResourceFence(42).String(); got != "fence#42" {
		t.Errorf("String() = %q, want %q", got, "fence#42")
	}
	if !ResourceFence(1).Before(2) || ResourceFence(2).Before(2) {
		t.Error("Before ordering is wrong")
	}
}

func TestLifetimeManagerCreateFence(t *testing.T) {
	dev, q := haltest.Open(t)
	m := NewLifetimeManager(dev, q)

	if m.CurrentFence() != 0 {
		t.Fatalf("CurrentFence() = %d, want 0", m.CurrentFence())
	}
	for want := ResourceFence(1); want <= 5; want++ {
		if got := m.CreateFence(); got != want {
			t.Errorf("CreateFence() = %d, want %d", got, want)
		}
	}
	if m.CurrentFence() != 5 {
		t.Errorf("CurrentFence() = %d, want 5", m.CurrentFence())
	}
}

func TestLifetimeManagerDestroyLaterWithoutWork(t *testing.T) {
	dev, q := haltest.Open(t)
	m := NewLifetimeManager(dev, q)

	m.DestroyLater(ManagedBuffer{Buffer: newTestBuffer(t, dev)})
	if m.PendingDeletions() != 1 {
		t.Fatalf("PendingDeletions() = %d, want 1", m.PendingDeletions())
	}

	m.Collect()
	if m.PendingDeletions() != 0 {
		t.Errorf("PendingDeletions() = %d after collect, want 0", m.PendingDeletions())
	}
	if got := dev.CountDestroyed("buffer"); got != 1 {
		t.Errorf("destroyed buffers = %d, want 1", got)
	}
}

func TestLifetimeManagerDestroyOrder(t *testing.T) {
	dev, q := haltest.Open(t)
	m := NewLifetimeManager(dev, q)

	fenceOf := make(map[uintptr]ResourceFence)
	var wantOrder []haltest.Event
	for range 5 {
		f := m.CreateFence()
		for range 2 {
			buf := newTestBuffer(t, dev)
			m.DestroyLater(ManagedBuffer{Buffer: buf})
			fenceOf[buf.NativeHandle()] = f
			wantOrder = append(wantOrder, haltest.Event{Kind: "buffer", Handle: buf.NativeHandle()})
		}
		idx, err := q.Submit(nil)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		m.Recycle(CmdBufferData{Fence: f, Submission: idx})
	}

	if got := dev.CountDestroyed("buffer"); got != 0 {
		t.Fatalf("destroyed %d buffers before any signal", got)
	}
	if m.ActiveCmdBuffers() != 5 {
		t.Fatalf("ActiveCmdBuffers() = %d, want 5", m.ActiveCmdBuffers())
	}

	signals := []uint64{2, 2, 4, 5}
	for _, s := range signals {
		q.Complete(s)
		m.Collect()

		done := m.DoneFence()
		if done != ResourceFence(s) {
			t.Errorf("after signal %d: DoneFence() = %d", s, done)
		}
		for _, e := range dev.Destroyed() {
			if fenceOf[e.Handle] > done {
				t.Errorf("buffer %d with %s destroyed while done is %s", e.Handle, fenceOf[e.Handle], done)
			}
		}
	}

	if diff := cmp.Diff(wantOrder, dev.Destroyed()); diff != "" {
		t.Errorf("destroy order mismatch (-want +got):\n%s", diff)
	}

	var last ResourceFence
	for _, e := range dev.Destroyed() {
		if fenceOf[e.Handle] < last {
			t.Errorf("destruction order not monotonic at %d", e.Handle)
		}
		last = fenceOf[e.Handle]
	}
}

func TestLifetimeManagerCollectIdempotent(t *testing.T) {
	dev, q := haltest.Open(t)
	m := NewLifetimeManager(dev, q)

	f := m.CreateFence()
	m.DestroyLater(ManagedBuffer{Buffer: newTestBuffer(t, dev)})
	idx, _ := q.Submit(nil)
	m.Recycle(CmdBufferData{Fence: f, Submission: idx})

	before := m.Stats()
	m.Collect()
	m.Collect()
	after := m.Stats()

	if before.PendingDeletions != after.PendingDeletions || before.ActiveCmdBuffers != after.ActiveCmdBuffers {
		t.Errorf("collect without signal changed queues: %v -> %v", before, after)
	}
	if after.PendingDeletions != 1 || after.ActiveCmdBuffers != 1 {
		t.Errorf("unexpected queue lengths: %v", after)
	}
}

func TestLifetimeManagerRecycleKeepsFenceOrder(t *testing.T) {
	dev, q := haltest.Open(t)
	m := NewLifetimeManager(dev, q)

	f1 := m.CreateFence()
	f2 := m.CreateFence()

	// The later fence is submitted first.
	sub1, _ := q.Submit(nil)
	m.Recycle(CmdBufferData{Fence: f2, Submission: sub1})
	sub2, _ := q.Submit(nil)
	m.Recycle(CmdBufferData{Fence: f1, Submission: sub2})

	q.Complete(sub1)
	m.Collect()
	if m.DoneFence() != 0 {
		t.Errorf("DoneFence() = %s, want 0 while %s is in flight", m.DoneFence(), f1)
	}
	if m.ActiveCmdBuffers() != 2 {
		t.Errorf("ActiveCmdBuffers() = %d, want 2", m.ActiveCmdBuffers())
	}

	q.Complete(sub2)
	m.Collect()
	if m.DoneFence() != f2 {
		t.Errorf("DoneFence() = %s, want %s", m.DoneFence(), f2)
	}
	if !m.IsRetired(f1) || !m.IsRetired(f2) || m.IsRetired(f2+1) {
		t.Error("IsRetired disagrees with DoneFence")
	}
}

func TestLifetimeManagerOutstandingFenceHoldsDone(t *testing.T) {
	dev, q := haltest.Open(t)
	m := NewLifetimeManager(dev, q)

	// fa belongs to a recording that has not been submitted yet.
	fa := m.CreateFence()
	fc := m.CreateFence()
	buf := newTestBuffer(t, dev)
	m.DestroyLater(ManagedBuffer{Buffer: buf})

	idx, _ := q.Submit(nil)
	m.Recycle(CmdBufferData{Fence: fc, Submission: idx})
	q.CompleteAll()
	m.Collect()

	if m.IsRetired(fa) {
		t.Errorf("IsRetired(%s) = true while it is still recording", fa)
	}
	if m.DoneFence() != 0 {
		t.Errorf("DoneFence() = %s, want 0", m.DoneFence())
	}
	if m.ActiveCmdBuffers() != 0 {
		t.Errorf("ActiveCmdBuffers() = %d, want 0", m.ActiveCmdBuffers())
	}
	if got := dev.CountDestroyed("buffer"); got != 0 {
		t.Fatalf("destroyed %d buffers tagged after an outstanding fence", got)
	}
	if got := m.Outstanding(); got != 1 {
		t.Errorf("Outstanding() = %d, want 1", got)
	}

	idx, _ = q.Submit(nil)
	m.Recycle(CmdBufferData{Fence: fa, Submission: idx})
	if m.IsRetired(fa) {
		t.Error("fence retired before its submission completed")
	}
	q.CompleteAll()
	m.Collect()

	if m.DoneFence() != fc {
		t.Errorf("DoneFence() = %s, want %s", m.DoneFence(), fc)
	}
	if got := dev.CountDestroyed("buffer"); got != 1 {
		t.Errorf("destroyed buffers = %d, want 1", got)
	}
	if got := m.Outstanding(); got != 0 {
		t.Errorf("Outstanding() = %d, want 0", got)
	}
}

func TestLifetimeManagerRetireReleasesCmdBuffer(t *testing.T) {
	dev, q := haltest.Open(t)
	m := NewLifetimeManager(dev, q)

	enc, err := dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{})
	if err != nil {
		t.Fatalf("CreateCommandEncoder failed: %v", err)
	}
	cmd, err := enc.EndEncoding()
	if err != nil {
		t.Fatalf("EndEncoding failed: %v", err)
	}

	var released []int
	f := m.CreateFence()
	idx, _ := q.Submit(nil)
	m.Recycle(CmdBufferData{
		CmdBuffer:  cmd,
		Fence:      f,
		Submission: idx,
		KeepAlive: []Releaser{
			ReleaseFunc(func() { released = append(released, 1) }),
			ReleaseFunc(func() { released = append(released, 2) }),
		},
	})
	if len(released) != 0 {
		t.Fatal("keep-alive released before retirement")
	}

	q.CompleteAll()
	m.Collect()

	if diff := cmp.Diff([]int{1, 2}, released); diff != "" {
		t.Errorf("release order mismatch (-want +got):\n%s", diff)
	}
	if got := dev.CountDestroyed("command_buffer"); got != 1 {
		t.Errorf("freed command buffers = %d, want 1", got)
	}
}

func TestLifetimeManagerHostFence(t *testing.T) {
	dev, q := haltest.Open(t)
	m := NewLifetimeManager(dev, q)

	hf, err := dev.CreateFence()
	if err != nil {
		t.Fatalf("CreateFence failed: %v", err)
	}
	f := m.CreateFence()
	// Submission 0 would retire immediately; the host fence takes precedence.
	m.Recycle(CmdBufferData{Fence: f, HostFence: hf})
	if m.ActiveCmdBuffers() != 1 {
		t.Fatalf("entry with unsignaled host fence retired")
	}

	hf.(*haltest.Fence).Signal()
	m.Collect()
	if m.ActiveCmdBuffers() != 0 {
		t.Errorf("ActiveCmdBuffers() = %d after signal, want 0", m.ActiveCmdBuffers())
	}
	if got := dev.CountDestroyed("fence"); got != 1 {
		t.Errorf("destroyed host fences = %d, want 1", got)
	}
}

func TestLifetimeManagerFenceErrorIsFatal(t *testing.T) {
	dev, q := haltest.Open(t)
	m := NewLifetimeManager(dev, q)

	hf, _ := dev.CreateFence()
	dev.FenceErr = errors.New("device lost")

	mustPanic(t, "Recycle", func() {
		m.Recycle(CmdBufferData{Fence: m.CreateFence(), HostFence: hf})
	})
}

func TestLifetimeManagerClose(t *testing.T) {
	dev, q := haltest.Open(t)
	m := NewLifetimeManager(dev, q)

	f := m.CreateFence()
	m.DestroyLater(ManagedBuffer{Buffer: newTestBuffer(t, dev)})
	idx, _ := q.Submit(nil)
	released := false
	m.Recycle(CmdBufferData{
		Fence:      f,
		Submission: idx,
		KeepAlive:  []Releaser{ReleaseFunc(func() { released = true })},
	})

	m.Close()
	if !released {
		t.Error("Close did not release in-flight keep-alives")
	}
	if m.PendingDeletions() != 0 || m.ActiveCmdBuffers() != 0 {
		t.Errorf("queues not empty after Close: %v", m.Stats())
	}

	m.DestroyLater(ManagedBuffer{Buffer: newTestBuffer(t, dev)})
	if got := dev.CountDestroyed("buffer"); got != 2 {
		t.Errorf("destroyed buffers = %d, want 2 (DestroyLater after Close is immediate)", got)
	}
	if got := m.Stats().Destroyed; got != 2 {
		t.Errorf("Stats().Destroyed = %d, want 2", got)
	}

	m.Close()
}

func TestLifetimeManagerConcurrent(t *testing.T) {
	dev, q := haltest.Open(t)
	q.AutoComplete = true
	m := NewLifetimeManager(dev, q)

	const workers = 4
	const perWorker = 50

	bufs := make([][]hal.Buffer, workers)
	for w := range bufs {
		for range perWorker {
			bufs[w] = append(bufs[w], newTestBuffer(t, dev))
		}
	}

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, b := range bufs[w] {
				m.DestroyLater(ManagedBuffer{Buffer: b})
				if i%5 == 0 {
					f := m.CreateFence()
					idx, _ := q.Submit(nil)
					m.Recycle(CmdBufferData{Fence: f, Submission: idx})
				}
			}
		}()
	}
	wg.Wait()

	m.CreateFence()
	m.Recycle(CmdBufferData{Fence: m.CurrentFence()})

	if got := dev.CountDestroyed("buffer"); got != workers*perWorker {
		t.Errorf("destroyed buffers = %d, want %d", got, workers*perWorker)
	}
}

func TestLifetimeStatsString(t *testing.T) {
	s := LifetimeStats{PendingDeletions: 1, ActiveCmdBuffers: 2, Outstanding: 1, Current: 3, Done: 2, Destroyed: 7}
	want := "LifetimeStats{Pending: 1, InFlight: 2, Outstanding: 1, Current: 3, Done: 2, Destroyed: 7}"
	if got := s.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestDestroyManagedKinds(t *testing.T) {
	dev, _ := haltest.Open(t)

	view, _ := dev.CreateTextureView(nil, nil)
	group, _ := dev.CreateBindGroup(&hal.BindGroupDescriptor{})
	layout, _ := dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{})
	module, _ := dev.CreateShaderModule(&hal.ShaderModuleDescriptor{})
	pipeline, _ := dev.CreateComputePipeline(nil)

	tests := []struct {
		res  ManagedResource
		kind string
	}{
		{ManagedTextureView{View: view}, "texture_view"},
		{ManagedBindGroup{Group: group}, "bind_group"},
		{ManagedBindGroupLayout{Layout: layout}, "bind_group_layout"},
		{ManagedShaderModule{Module: module}, "shader_module"},
		{ManagedComputePipeline{Pipeline: pipeline}, "compute_pipeline"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			if tt.res.Kind() != tt.kind {
				t.Errorf("Kind() = %q, want %q", tt.res.Kind(), tt.kind)
			}
			before := dev.CountDestroyed(tt.kind)
			destroyManaged(dev, tt.res)
			if got := dev.CountDestroyed(tt.kind); got != before+1 {
				t.Errorf("destroyed %s count = %d, want %d", tt.kind, got, before+1)
			}
		})
	}

	// Nil handles are skipped.
	destroyManaged(dev, ManagedTexture{})
	if got := dev.CountDestroyed("texture"); got != 0 {
		t.Errorf("nil texture destroyed")
	}
}
