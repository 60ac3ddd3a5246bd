package framegraph

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/g3d/device"
)

func storageBufferFrame(size uint64) func(fg *FrameGraph) {
	return func(fg *FrameGraph) {
		buf := fg.DeclareBuffer(size)
		fg.AddPass("fill").AddStorageOutput(buf, 0, StageCompute).SetRenderFunc(nopRender)
	}
}

func TestPoolReusesAcrossFrames(t *testing.T) {
	env := newTestEnv(t, PoolConfig{})

	var first, second MutableBufferID
	fg1 := env.frame(t, func(fg *FrameGraph) {
		first = fg.DeclareBuffer(1024)
		fg.AddPass("fill").AddStorageOutput(first, 0, StageCompute).SetRenderFunc(nopRender)
	})
	fg2 := env.frame(t, func(fg *FrameGraph) {
		second = fg.DeclareBuffer(1024)
		fg.AddPass("fill").AddStorageOutput(second, 0, StageCompute).SetRenderFunc(nopRender)
	})

	if a, b := fg1.PhysicalIndex(first), fg2.PhysicalIndex(second); a != b {
		t.Errorf("frames resolved to physical %d and %d, want the same", a, b)
	}
	if env.hal.CountCreated("buffer") != 1 {
		t.Errorf("created %d buffers, want 1", env.hal.CountCreated("buffer"))
	}
	if s := env.pool.Stats(); s.Reused != 1 || s.Created != 1 {
		t.Errorf("Stats() = %s, want 1 created and 1 reused", s)
	}
}

func TestPoolRoundTripDoesNotGrow(t *testing.T) {
	env := newTestEnv(t, PoolConfig{})

	build := func(fg *FrameGraph) {
		color := fg.DeclareImage(gputypes.TextureFormatRGBA8Unorm, ext(32, 32))
		depth := fg.DeclareImage(gputypes.TextureFormatDepth32Float, ext(32, 32))
		params := fg.DeclareBuffer(80)
		verts := fg.DeclareBuffer(4096)
		fg.AddPass("draw").
			AddColorOutput(color).
			AddDepthOutput(depth).
			AddUniformInput(params, 0, StageVertex).
			AddAttribInput(verts).
			SetRenderFunc(nopRender)
		fg.AddPass("post").AddUniformInput(color, 0, StageCompute).SetRenderFunc(nopRender)
	}

	env.frame(t, build)
	n := env.pool.Len()
	if n != 4 {
		t.Fatalf("pool.Len() = %d after first frame, want 4", n)
	}
	for range 5 {
		env.frame(t, build)
	}
	if got := env.pool.Len(); got != n {
		t.Errorf("pool.Len() = %d after round trips, want %d", got, n)
	}
	if s := env.pool.Stats(); s.InUse != 0 || s.Free != n {
		t.Errorf("Stats() = %s, want all %d free", s, n)
	}
}

func TestPoolSkipsUnretiredResources(t *testing.T) {
	env := newTestEnv(t, PoolConfig{})
	env.q.AutoComplete = false

	env.frame(t, storageBufferFrame(512))
	env.frame(t, storageBufferFrame(512))

	if env.pool.Len() != 2 {
		t.Errorf("pool.Len() = %d with the first frame in flight, want 2", env.pool.Len())
	}

	env.q.CompleteAll()
	env.dev.Poll()
	env.frame(t, storageBufferFrame(512))
	if env.pool.Len() != 2 {
		t.Errorf("pool.Len() = %d after retirement, want 2", env.pool.Len())
	}
}

func TestPoolWaitsForEarlierOpenFrame(t *testing.T) {
	env := newTestEnv(t, PoolConfig{})

	fgA := New(env.pool)
	bufA := fgA.DeclareBuffer(512)
	fgA.AddPass("fill").AddStorageOutput(bufA, 0, StageCompute).SetRenderFunc(nopRender)
	recA, _ := env.dev.CreateRecorder("a")
	if err := fgA.Render(recA); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	physA := fgA.PhysicalIndex(bufA)

	// Later frames retire while a is still unsubmitted.
	env.frame(t, storageBufferFrame(512))
	var bufD MutableBufferID
	fgD := env.frame(t, func(fg *FrameGraph) {
		bufD = fg.DeclareBuffer(512)
		fg.AddPass("fill").AddStorageOutput(bufD, 0, StageCompute).SetRenderFunc(nopRender)
	})
	if got := fgD.PhysicalIndex(bufD); got == physA {
		t.Errorf("buffer of unsubmitted frame a (physical %d) handed to a later frame", physA)
	}
	if got := env.hal.CountCreated("buffer"); got != 3 {
		t.Errorf("created %d buffers, want 3", got)
	}

	recA.Discard()
	env.frame(t, storageBufferFrame(512))
	if got := env.hal.CountCreated("buffer"); got != 3 {
		t.Errorf("created %d buffers after a finished, want 3", got)
	}
}

func TestPoolPhysicalIndexInFrame(t *testing.T) {
	env := newTestEnv(t, PoolConfig{})
	env.q.AutoComplete = false

	indices := func() PhysicalIndex {
		var got PhysicalIndex
		env.frame(t, func(fg *FrameGraph) {
			buf := fg.DeclareBuffer(256)
			fg.AddPass("fill").AddStorageOutput(buf, 0, StageCompute).
				SetRenderFunc(func(_ *device.CmdBufferRecorder, res *PassResources) error {
					got = res.PhysicalIndex(buf)
					return nil
				})
		})
		return got
	}

	first := indices()
	second := indices()
	if first == second {
		t.Errorf("in-flight physical %d handed to the next frame", first)
	}

	env.q.CompleteAll()
	env.dev.Poll()
	if third := indices(); third != first && third != second {
		t.Errorf("retired frame's physical not reused: got %d, want %d or %d", third, first, second)
	}
}

func TestPoolPicksSmallestFittingBuffer(t *testing.T) {
	env := newTestEnv(t, PoolConfig{})

	var small, large MutableBufferID
	fg := env.frame(t, func(fg *FrameGraph) {
		small = fg.DeclareBuffer(64)
		large = fg.DeclareBuffer(1 << 20)
		fg.AddPass("fill").
			AddStorageOutput(small, 0, StageCompute).
			AddStorageOutput(large, 1, StageCompute).
			SetRenderFunc(nopRender)
	})
	physSmall, physLarge := fg.PhysicalIndex(small), fg.PhysicalIndex(large)

	// The large buffer is released last and sits at the front of the free list.
	var got MutableBufferID
	next := env.frame(t, func(fg *FrameGraph) {
		got = fg.DeclareBuffer(64)
		fg.AddPass("fill").AddStorageOutput(got, 0, StageCompute).SetRenderFunc(nopRender)
	})
	if p := next.PhysicalIndex(got); p != physSmall {
		t.Errorf("64-byte request resolved to physical %d, want %d (large is %d)", p, physSmall, physLarge)
	}
	if s := env.pool.Stats(); s.Free != 2 || s.Created != 2 {
		t.Errorf("Stats() = %s, want 2 created and 2 free", s)
	}
}

func TestPoolCompatibility(t *testing.T) {
	env := newTestEnv(t, PoolConfig{})

	env.frame(t, func(fg *FrameGraph) {
		buf := fg.DeclareBuffer(4096)
		fg.AddPass("p").AddStorageOutput(buf, 0, StageCompute).AddUniformInput(buf, 1, StageCompute).
			SetRenderFunc(nopRender)
	})

	tests := []struct {
		name   string
		build  func(fg *FrameGraph)
		reused bool
	}{
		{
			name: "smaller with subset usage",
			build: func(fg *FrameGraph) {
				buf := fg.DeclareBuffer(1024)
				fg.AddPass("p").AddUniformInput(buf, 0, StageCompute).SetRenderFunc(nopRender)
			},
			reused: true,
		},
		{
			name: "larger",
			build: func(fg *FrameGraph) {
				buf := fg.DeclareBuffer(8192)
				fg.AddPass("p").AddStorageOutput(buf, 0, StageCompute).SetRenderFunc(nopRender)
			},
		},
		{
			name: "other usage",
			build: func(fg *FrameGraph) {
				buf := fg.DeclareBuffer(64)
				fg.AddPass("p").AddIndexInput(buf).SetRenderFunc(nopRender)
			},
		},
		{
			name: "cpu visible",
			build: func(fg *FrameGraph) {
				buf := fg.DeclareBuffer(64)
				fg.AddPass("p").MapUpdate(buf).AddUniformInput(buf, 0, StageCompute).SetRenderFunc(nopRender)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := env.pool.Stats().Reused
			env.frame(t, tt.build)
			if got := env.pool.Stats().Reused > before; got != tt.reused {
				t.Errorf("reused = %v, want %v", got, tt.reused)
			}
		})
	}
}

func TestPoolImageCompatibility(t *testing.T) {
	env := newTestEnv(t, PoolConfig{})

	frame := func(format gputypes.TextureFormat, w, h uint32) {
		env.frame(t, func(fg *FrameGraph) {
			img := fg.DeclareImage(format, ext(w, h))
			fg.AddPass("p").AddColorOutput(img).SetRenderFunc(nopRender)
		})
	}

	frame(gputypes.TextureFormatRGBA8Unorm, 64, 64)
	frame(gputypes.TextureFormatRGBA8Unorm, 64, 64)
	frame(gputypes.TextureFormatRGBA8Unorm, 32, 64)
	frame(gputypes.TextureFormatRGBA16Float, 64, 64)

	if got := env.hal.CountCreated("texture"); got != 3 {
		t.Errorf("created %d textures, want 3", got)
	}
}

func TestPoolTrimIdle(t *testing.T) {
	env := newTestEnv(t, PoolConfig{MaxIdleFrames: 1})

	env.frame(t, func(fg *FrameGraph) {
		img := fg.DeclareImage(gputypes.TextureFormatRGBA8Unorm, ext(16, 16))
		fg.AddPass("p").AddColorOutput(img).SetRenderFunc(nopRender)
	})
	for range 2 {
		env.frame(t, storageBufferFrame(64))
	}

	if n := env.pool.Trim(); n != 1 {
		t.Fatalf("Trim() = %d, want 1", n)
	}
	s := env.pool.Stats()
	if s.Images != 0 || s.Buffers != 1 || s.Evicted != 1 {
		t.Errorf("Stats() = %s, want the idle image evicted", s)
	}

	env.dev.Poll()
	if env.hal.CountDestroyed("texture") != 1 {
		t.Errorf("destroyed %d textures, want 1", env.hal.CountDestroyed("texture"))
	}
}

func TestPoolTrimBudget(t *testing.T) {
	env := newTestEnv(t, PoolConfig{BudgetMB: 1})

	env.frame(t, func(fg *FrameGraph) {
		img := fg.DeclareImage(gputypes.TextureFormatRGBA8Unorm, ext(1024, 1024))
		fg.AddPass("p").AddColorOutput(img).SetRenderFunc(nopRender)
	})
	if s := env.pool.Stats(); s.Bytes != 4*1024*1024 {
		t.Fatalf("Bytes = %d, want 4 MB", s.Bytes)
	}

	if n := env.pool.Trim(); n != 1 {
		t.Errorf("Trim() = %d, want 1", n)
	}
	if s := env.pool.Stats(); s.Bytes != 0 {
		t.Errorf("Bytes = %d after trim, want 0", s.Bytes)
	}
}

func TestPoolReleaseForeignOwnerPanics(t *testing.T) {
	env := newTestEnv(t, PoolConfig{})

	idx, _, err := env.pool.acquireBuffer(7, bufferRequest{size: 16, usage: gputypes.BufferUsageUniform})
	if err != nil {
		t.Fatalf("acquireBuffer failed: %v", err)
	}
	mustPanic(t, "foreign release", func() {
		env.pool.release(8, []PhysicalIndex{idx}, 0)
	})
	mustPanic(t, "unknown index", func() {
		env.pool.release(7, []PhysicalIndex{99}, 0)
	})
	env.pool.release(7, []PhysicalIndex{idx}, 0)
}

func TestPoolBindGroupLayoutCache(t *testing.T) {
	env := newTestEnv(t, PoolConfig{})

	entries := []gputypes.BindGroupLayoutEntry{{
		Binding:    0,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
	}}
	a, err := env.pool.BindGroupLayout(entries)
	if err != nil {
		t.Fatalf("BindGroupLayout failed: %v", err)
	}
	b, _ := env.pool.BindGroupLayout(entries)
	if a != b {
		t.Error("equal entries returned different layouts")
	}
	other := []gputypes.BindGroupLayoutEntry{{
		Binding:    0,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
	}}
	c, _ := env.pool.BindGroupLayout(other)
	if c == a {
		t.Error("different entries share a layout")
	}
	if got := env.pool.Stats().BindGroupLayouts; got != 2 {
		t.Errorf("BindGroupLayouts = %d, want 2", got)
	}
}

func TestPoolClose(t *testing.T) {
	env := newTestEnv(t, PoolConfig{})

	env.frame(t, storageBufferFrame(64))
	if _, err := env.pool.BindGroupLayout(nil); err != nil {
		t.Fatalf("BindGroupLayout failed: %v", err)
	}

	env.pool.Close()
	env.pool.Close()
	env.dev.Poll()

	if env.hal.CountDestroyed("buffer") != 1 {
		t.Errorf("destroyed %d buffers, want 1", env.hal.CountDestroyed("buffer"))
	}
	if env.hal.CountDestroyed("bind_group_layout") != 1 {
		t.Errorf("destroyed %d layouts, want 1", env.hal.CountDestroyed("bind_group_layout"))
	}

	_, _, err := env.pool.acquireImage(1, imageRequest{width: 1, height: 1})
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("acquire after Close: err = %v, want ErrPoolClosed", err)
	}
	if _, err := env.pool.BindGroupLayout(nil); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("BindGroupLayout after Close: err = %v, want ErrPoolClosed", err)
	}
}

func TestPoolStatsString(t *testing.T) {
	s := PoolStats{Images: 2, Buffers: 3, InUse: 1, Free: 4, Bytes: 3 << 20, BudgetBytes: 512 << 20, Created: 5, Reused: 9, Evicted: 1}
	got := s.String()
	want := "Pool[2 images, 3 buffers, 1 in use, 4 free, 3/512 MB, 5 created, 9 reused, 1 evicted]"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
