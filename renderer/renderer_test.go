package renderer

import (
	"context"
	"errors"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/go-cmp/cmp"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/g3d/device"
	"github.com/gogpu/g3d/framegraph"
	"github.com/gogpu/g3d/internal/haltest"
)

const spirvMagic = 0x07230203

type testEnv struct {
	dev   *device.Device
	hal   *haltest.Device
	q     *haltest.Queue
	pool  *framegraph.ResourcePool
	cache *PipelineCache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	hd, q := haltest.Open(t)
	q.AutoComplete = true
	dev := device.New(hd, q)
	pool := framegraph.NewPool(dev, framegraph.PoolConfig{})
	cache := NewPipelineCache(dev)
	t.Cleanup(func() {
		cache.Close()
		pool.Close()
		_ = dev.Close()
	})
	return &testEnv{dev: dev, hal: hd, q: q, pool: pool, cache: cache}
}

// frame builds, renders and submits one frame graph.
func (e *testEnv) frame(t *testing.T, build func(fg *framegraph.FrameGraph)) *framegraph.FrameGraph {
	t.Helper()
	fg := framegraph.New(e.pool)
	build(fg)
	rec, err := e.dev.CreateRecorder("frame")
	if err != nil {
		t.Fatalf("CreateRecorder failed: %v", err)
	}
	if err := fg.Render(rec); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if _, err := e.dev.Submit(rec); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return fg
}

// bakeIBL bakes IBL data with the white envmap and hands it to r, if set.
func (e *testEnv) bakeIBL(t *testing.T, r *Renderer) *IBLData {
	t.Helper()
	ibl, err := BakeIBL(context.Background(), e.pool, e.cache, nil)
	if err != nil {
		t.Fatalf("BakeIBL failed: %v", err)
	}
	t.Cleanup(ibl.Close)
	if r != nil {
		r.SetIBL(ibl)
	}
	return ibl
}

// lastEncoder returns the most recently created command encoder.
func (e *testEnv) lastEncoder() *haltest.Encoder {
	encs := e.hal.Encoders()
	return encs[len(encs)-1]
}

func (e *testEnv) mesh(t *testing.T) *Mesh {
	t.Helper()
	vb, err := e.dev.CreateBuffer(device.BufferDescriptor{
		Label: "cube/vertices",
		Size:  24 * VertexStride,
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	ib, err := e.dev.CreateBuffer(device.BufferDescriptor{
		Label: "cube/indices",
		Size:  36 * 4,
		Usage: gputypes.BufferUsageIndex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	t.Cleanup(func() {
		vb.Destroy()
		ib.Destroy()
	})
	return &Mesh{Vertices: vb, Indices: ib, IndexCount: 36, Bounds: Sphere{Radius: 1}}
}

func TestKernelString(t *testing.T) {
	tests := []struct {
		k    Kernel
		want string
	}{
		{KernelGBuffer, "gbuffer"},
		{KernelLighting, "lighting"},
		{KernelToneMap, "tonemap"},
		{KernelBRDFLUT, "brdf_lut"},
		{Kernel(9), "Unknown(9)"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("Kernel(%d).String() = %q, want %q", int(tt.k), got, tt.want)
		}
	}
}

func TestKernelsCompile(t *testing.T) {
	for _, k := range []Kernel{KernelGBuffer, KernelLighting, KernelToneMap, KernelBRDFLUT} {
		t.Run(k.String(), func(t *testing.T) {
			words, err := compileKernel(k)
			if err != nil {
				t.Fatalf("compileKernel failed: %v", err)
			}
			if len(words) < 5 {
				t.Fatalf("got %d words, want a SPIR-V header", len(words))
			}
			if words[0] != spirvMagic {
				t.Errorf("magic = %#x, want %#x", words[0], spirvMagic)
			}
		})
	}

	if _, err := compileKernel(Kernel(9)); !errors.Is(err, ErrUnknownKernel) {
		t.Errorf("unknown kernel error = %v, want ErrUnknownKernel", err)
	}
}

func TestSpirvWords(t *testing.T) {
	got := spirvWords([]byte{0x03, 0x02, 0x23, 0x07, 0x01, 0x00, 0x00, 0x00})
	if diff := cmp.Diff([]uint32{spirvMagic, 1}, got); diff != "" {
		t.Errorf("words mismatch (-want +got):\n%s", diff)
	}
}

func TestPipelineCacheReuse(t *testing.T) {
	env := newTestEnv(t)

	layout := func() hal.BindGroupLayout {
		l, err := env.hal.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{Label: "test"})
		if err != nil {
			t.Fatalf("CreateBindGroupLayout failed: %v", err)
		}
		return l
	}
	a, b := layout(), layout()

	p1, err := env.cache.ComputePipeline(KernelToneMap, []hal.BindGroupLayout{a})
	if err != nil {
		t.Fatalf("ComputePipeline failed: %v", err)
	}
	p2, err := env.cache.ComputePipeline(KernelToneMap, []hal.BindGroupLayout{a})
	if err != nil {
		t.Fatalf("ComputePipeline failed: %v", err)
	}
	if p1 != p2 {
		t.Error("equal keys returned different pipelines")
	}
	if _, err := env.cache.ComputePipeline(KernelToneMap, []hal.BindGroupLayout{b}); err != nil {
		t.Fatalf("ComputePipeline failed: %v", err)
	}

	want := CacheStats{ShaderModules: 1, PipelineLayouts: 2, ComputePipelines: 2}
	if got := env.cache.Stats(); got != want {
		t.Errorf("Stats() = %v, want %v", got, want)
	}
	if got := env.hal.CountCreated("shader_module"); got != 1 {
		t.Errorf("created %d shader modules, want 1", got)
	}
}

func TestPipelineCacheRejectsRenderKernel(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.cache.ComputePipeline(KernelGBuffer, nil); !errors.Is(err, ErrUnknownKernel) {
		t.Errorf("err = %v, want ErrUnknownKernel", err)
	}
}

func TestPipelineCacheShaderModuleFailure(t *testing.T) {
	env := newTestEnv(t)
	env.hal.FailCreate = map[string]bool{"shader_module": true}

	_, err := env.cache.ComputePipeline(KernelLighting, nil)
	if !errors.Is(err, haltest.ErrInjected) {
		t.Errorf("err = %v, want ErrInjected", err)
	}
	if got := env.cache.Stats(); got != (CacheStats{}) {
		t.Errorf("failed creation was cached: %v", got)
	}
}

func TestPipelineCacheClose(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.cache.ComputePipeline(KernelToneMap, nil); err != nil {
		t.Fatalf("ComputePipeline failed: %v", err)
	}
	if _, err := env.cache.GBufferPipeline(nil); err != nil {
		t.Fatalf("GBufferPipeline failed: %v", err)
	}

	env.cache.Close()
	env.cache.Close()
	env.dev.Poll()

	for _, kind := range []string{"compute_pipeline", "render_pipeline", "shader_module"} {
		if c, d := env.hal.CountCreated(kind), env.hal.CountDestroyed(kind); c != d {
			t.Errorf("%s: created %d, destroyed %d", kind, c, d)
		}
	}
	if got := env.hal.CountDestroyed("pipeline_layout"); got != 2 {
		t.Errorf("destroyed %d pipeline layouts, want 2", got)
	}
	if _, err := env.cache.ComputePipeline(KernelToneMap, nil); !errors.Is(err, ErrCacheClosed) {
		t.Errorf("after Close err = %v, want ErrCacheClosed", err)
	}
	if _, err := env.cache.GBufferPipeline(nil); !errors.Is(err, ErrCacheClosed) {
		t.Errorf("after Close err = %v, want ErrCacheClosed", err)
	}
}

func testScene(mesh *Mesh) *SceneView {
	cam := testCamera()
	cam.Aspect = 0
	return &SceneView{
		Camera: cam,
		PointLights: []PointLight{
			{Position: mgl32.Vec3{0, 2, 2}, Color: mgl32.Vec3{1, 1, 1}, Intensity: 4, Radius: 10},
		},
		DirectionalLights: []DirectionalLight{
			{Direction: mgl32.Vec3{0, -1, -1}, Color: mgl32.Vec3{1, 1, 1}, Intensity: 1},
		},
		Instances: []MeshInstance{
			{Mesh: mesh, Transform: mgl32.Ident4(), Albedo: mgl32.Vec4{1, 0, 0, 1}},
			{Mesh: mesh, Transform: mgl32.Translate3D(3, 0, 0), Albedo: mgl32.Vec4{0, 1, 0, 1}},
			{Mesh: mesh, Transform: mgl32.Translate3D(0, 0, 20), Albedo: mgl32.Vec4{0, 0, 1, 1}},
		},
	}
}

func TestRendererFrame(t *testing.T) {
	env := newTestEnv(t)
	r := New(env.cache, Config{Width: 64, Height: 48})
	ibl := env.bakeIBL(t, r)
	view := testScene(env.mesh(t))

	var out framegraph.MutableImageID
	fg := env.frame(t, func(fg *framegraph.FrameGraph) {
		out = r.Render(fg, view)
	})

	var names []string
	for _, p := range fg.Passes() {
		names = append(names, p.Name())
	}
	if diff := cmp.Diff([]string{"gbuffer", "lighting", "tonemap"}, names); diff != "" {
		t.Errorf("passes mismatch (-want +got):\n%s", diff)
	}

	var kinds []framegraph.UsageKind
	for _, u := range fg.Passes()[1].Usages() {
		kinds = append(kinds, u.Kind)
	}
	wantKinds := []framegraph.UsageKind{
		framegraph.UsageUniform, framegraph.UsageUniform, framegraph.UsageUniform, // G-buffer
		framegraph.UsageUniform, framegraph.UsageUniform, // envmap, BRDF LUT
		framegraph.UsageUniform, framegraph.UsageStorageRead, framegraph.UsageStorageWrite,
	}
	if diff := cmp.Diff(wantKinds, kinds); diff != "" {
		t.Errorf("lighting usages mismatch (-want +got):\n%s", diff)
	}

	enc := env.lastEncoder()
	if diff := cmp.Diff([]string{"gbuffer"}, enc.RenderPasses); diff != "" {
		t.Errorf("render passes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"lighting", "tonemap"}, enc.ComputePasses); diff != "" {
		t.Errorf("compute passes mismatch (-want +got):\n%s", diff)
	}
	if enc.Draws != 2 {
		t.Errorf("draws = %d, want 2 (one instance culled)", enc.Draws)
	}
	if diff := cmp.Diff([][3]uint32{{8, 6, 1}, {8, 6, 1}}, enc.Dispatches); diff != "" {
		t.Errorf("dispatches mismatch (-want +got):\n%s", diff)
	}

	// Lighting samples the three G-buffer images; tone mapping samples lit.
	perPass := map[int]int{}
	for _, b := range fg.Barriers() {
		perPass[b.Pass]++
	}
	if diff := cmp.Diff(map[int]int{1: 3, 2: 1}, perPass); diff != "" {
		t.Errorf("barriers per pass mismatch (-want +got):\n%s", diff)
	}
	if len(enc.BufferBarriers) != 0 {
		t.Errorf("got %d buffer barriers, want 0", len(enc.BufferBarriers))
	}
	for _, b := range enc.TextureBarriers {
		if b.Texture == ibl.Envmap().Texture() || b.Texture == ibl.BRDFLUT().Texture() {
			t.Errorf("frame transitions an IBL image: %+v", b.Usage)
		}
	}

	if got := fg.ImageInfo(out).Format; got != OutputFormat {
		t.Errorf("output format = %v, want %v", got, OutputFormat)
	}
	if w, h := fg.ImageSize(out); w != 64 || h != 48 {
		t.Errorf("output size = %dx%d, want 64x48", w, h)
	}

	want := CacheStats{ShaderModules: 4, PipelineLayouts: 4, ComputePipelines: 3, RenderPipelines: 1}
	if got := env.cache.Stats(); got != want {
		t.Errorf("Stats() = %v, want %v", got, want)
	}
}

func TestRendererReusesAcrossFrames(t *testing.T) {
	env := newTestEnv(t)
	r := New(env.cache, Config{Width: 64, Height: 48})
	env.bakeIBL(t, r)
	view := testScene(env.mesh(t))

	for range 3 {
		env.frame(t, func(fg *framegraph.FrameGraph) { r.Render(fg, view) })
		env.dev.Poll()
	}

	if got := env.hal.CountCreated("compute_pipeline"); got != 3 {
		t.Errorf("created %d compute pipelines over 3 frames and the bake, want 3", got)
	}
	if got := env.hal.CountCreated("render_pipeline"); got != 1 {
		t.Errorf("created %d render pipelines over 3 frames, want 1", got)
	}
	first := env.pool.Stats().Created
	env.frame(t, func(fg *framegraph.FrameGraph) { r.Render(fg, view) })
	if got := env.pool.Stats().Created; got != first {
		t.Errorf("pool created %d resources on a steady frame", got-first)
	}
}

func TestRendererTooManyLightsPanics(t *testing.T) {
	env := newTestEnv(t)
	r := New(env.cache, Config{Width: 16, Height: 16, MaxLights: 1})
	env.bakeIBL(t, r)
	view := testScene(env.mesh(t))

	fg := framegraph.New(env.pool)
	r.Render(fg, view)
	rec, err := env.dev.CreateRecorder("frame")
	if err != nil {
		t.Fatalf("CreateRecorder failed: %v", err)
	}
	defer rec.Discard()

	defer func() {
		if recover() == nil {
			t.Error("expected panic for 2 lights in a 1-light buffer")
		}
	}()
	_ = fg.Render(rec)
}

func TestRendererWithoutIBLPanics(t *testing.T) {
	env := newTestEnv(t)
	r := New(env.cache, Config{Width: 16, Height: 16})
	if r.IBL() != nil {
		t.Fatal("new renderer has IBL data")
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic for Render before SetIBL")
		}
	}()
	r.Render(framegraph.New(env.pool), testScene(env.mesh(t)))
}

func TestRendererDefaults(t *testing.T) {
	env := newTestEnv(t)
	r := New(env.cache, Config{Width: 8, Height: 8})
	cfg := r.Config()
	if cfg.Exposure != DefaultExposure || cfg.Gamma != DefaultGamma {
		t.Errorf("defaults = (%v, %v), want (%v, %v)", cfg.Exposure, cfg.Gamma, DefaultExposure, DefaultGamma)
	}
	if got := r.Size(); got != (gputypes.Extent3D{Width: 8, Height: 8, DepthOrArrayLayers: 1}) {
		t.Errorf("Size() = %v", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic for zero size")
		}
	}()
	New(env.cache, Config{})
}
