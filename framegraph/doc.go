// Package framegraph schedules the GPU passes of one frame.
//
// A [FrameGraph] is built once per frame. Call sites declare virtual images
// and buffers, add passes that state how they use those resources, and
// register a deferred render function per pass. [FrameGraph.Render] then
// allocates physical resources from a [ResourcePool], inserts the barriers
// implied by the declared usages, runs the render functions in declaration
// order, and returns the physical resources to the pool tagged with the
// recorder's fence.
//
// Example:
//
//	fg := framegraph.New(pool)
//	lit := fg.DeclareImage(gputypes.TextureFormatRGBA16Float,
//	    gputypes.Extent3D{Width: 1280, Height: 720})
//
//	p := fg.AddPass("lighting")
//	p.AddStorageOutput(lit, 0, framegraph.StageCompute)
//	p.SetRenderFunc(func(rec *device.CmdBufferRecorder, res *framegraph.PassResources) error {
//	    // record a compute pass using res.BindGroups()
//	    return nil
//	})
//
//	err := fg.Render(rec)
//
// Misuse of the declaration API (foreign or stale ids, declaring after
// Render, rendering twice) is a programming error and panics.
package framegraph
