// Package renderer is a deferred renderer built on the frame graph.
//
// A frame is four steps declared into a framegraph.FrameGraph:
//
//   - Cull drops mesh instances outside the camera frustum.
//   - AddGBufferPass draws the visible instances into depth, albedo and
//     normal images.
//   - AddLightingPass shades the G-buffer with point and directional
//     lights plus an image based ambient term into an RGBA16Float image.
//   - AddToneMapPass maps that image to RGBA8Unorm.
//
// The ambient term reads an envmap and a BRDF lookup table that BakeIBL
// computes once on a one-shot command buffer.
//
// Renderer.Render chains the four. Kernels are WGSL compiled to SPIR-V
// with naga on first use and cached, with their pipelines, in a
// PipelineCache.
//
//	cache := renderer.NewPipelineCache(dev)
//	defer cache.Close()
//	r := renderer.New(cache, renderer.Config{Width: 1280, Height: 720})
//
//	ibl, err := renderer.BakeIBL(ctx, pool, cache, nil)
//	if err != nil {
//	    return err
//	}
//	defer ibl.Close()
//	r.SetIBL(ibl)
//
//	fg := framegraph.New(pool)
//	out := r.Render(fg, &view)
package renderer
