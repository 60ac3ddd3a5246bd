// Package g3d renders 3D frames on the gogpu HAL through a frame graph.
//
// # Overview
//
// g3d is organized in layers:
//   - device: HAL device wrapper, command buffer recorders and the
//     fence-based lifetime manager that defers destruction of GPU objects
//     until the GPU is done with them
//   - framegraph: per-frame graph of passes and transient resources,
//     resolved through a pooled allocator with automatic barriers and
//     bind groups
//   - renderer: deferred renderer (culling, G-buffer, compute lighting,
//     tone mapping) declared into a frame graph
//   - g3d: the Engine, which bounds frames in flight and drives one
//     frame graph per frame
//
// # Quick Start
//
//	dev, err := device.Open(gputypes.BackendVulkan)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	e := g3d.NewEngine(dev, g3d.WithFramesInFlight(2))
//	defer e.Close()
//
//	for running {
//	    if err := e.RenderScene(ctx, &view, nil); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// Custom passes go through RenderFrame:
//
//	err := e.RenderFrame(ctx, func(fg *framegraph.FrameGraph) error {
//	    img := fg.DeclareImage(gputypes.TextureFormatRGBA8Unorm, size)
//	    fg.AddPass("clear").AddColorOutput(img).SetRenderFunc(clearFunc)
//	    return nil
//	})
//
// # Concurrency
//
// Engine methods are safe for concurrent use. A FrameGraph is built and
// rendered by one goroutine.
//
// # Logging
//
// Nothing is logged by default. SetLogger installs an slog.Logger for
// g3d, its sub-packages and the HAL.
package g3d

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
