package renderer

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/g3d/framegraph"
)

// Config configures a Renderer.
type Config struct {
	Width, Height uint32

	// MaxLights sizes the light buffer. Zero means MaxLightCount.
	MaxLights int

	// Exposure and Gamma drive tone mapping. Zero means the defaults.
	Exposure float32
	Gamma    float32
}

// Renderer adds the deferred pipeline to a frame graph: culling, G-buffer,
// lighting and tone mapping.
type Renderer struct {
	cache  *PipelineCache
	config Config
	ibl    *IBLData
}

// New creates a renderer drawing with pipelines from cache.
func New(cache *PipelineCache, config Config) *Renderer {
	if config.Width == 0 || config.Height == 0 {
		fatalf("renderer size %dx%d must be positive", config.Width, config.Height)
	}
	if config.Exposure == 0 {
		config.Exposure = DefaultExposure
	}
	if config.Gamma == 0 {
		config.Gamma = DefaultGamma
	}
	return &Renderer{cache: cache, config: config}
}

// Config returns the renderer configuration with defaults applied.
func (r *Renderer) Config() Config { return r.config }

// Cache returns the pipeline cache.
func (r *Renderer) Cache() *PipelineCache { return r.cache }

// SetIBL sets the image based lighting data the lighting pass reads. The
// renderer does not take ownership.
func (r *Renderer) SetIBL(ibl *IBLData) { r.ibl = ibl }

// IBL returns the image based lighting data, or nil before SetIBL.
func (r *Renderer) IBL() *IBLData { return r.ibl }

// Size returns the output extent.
func (r *Renderer) Size() gputypes.Extent3D {
	return gputypes.Extent3D{Width: r.config.Width, Height: r.config.Height, DepthOrArrayLayers: 1}
}

// Render declares the passes drawing view and returns the tone-mapped
// output image. The view is read when Render is called; the camera aspect
// defaults to the output aspect. SetIBL must have been called.
func (r *Renderer) Render(fg *framegraph.FrameGraph, view *SceneView) framegraph.MutableImageID {
	if r.ibl == nil {
		fatalf("render before SetIBL")
	}
	v := *view
	if v.Camera.Aspect == 0 {
		v.Camera.Aspect = float32(r.config.Width) / float32(r.config.Height)
	}

	visible := Cull(&v)
	gbuffer := AddGBufferPass(fg, r.cache, &v, visible, r.Size())
	lit := AddLightingPass(fg, gbuffer, r.cache, r.ibl, &v, r.config.MaxLights)
	out := AddToneMapPass(fg, lit, r.cache, r.config.Exposure, r.config.Gamma)

	slogger().Debug("renderer: frame declared",
		"instances", len(view.Instances),
		"visible", len(visible),
		"lights", view.LightCount())
	return out
}
