// Package device wraps a gogpu HAL device with deferred resource destruction.
//
// The central type is [LifetimeManager]. Every command buffer recorded
// through a [CmdBufferRecorder] is tagged with a monotonically increasing
// [ResourceFence]. Objects handed to [LifetimeManager.DestroyLater] are tagged
// with the current fence and are destroyed only after every command buffer
// up to that fence has retired on the GPU. Nothing in this package blocks on
// the GPU except [Device.Close].
//
// Typical frame:
//
//	rec, err := dev.CreateRecorder("frame")
//	// ... record passes ...
//	fence, err := dev.Submit(rec)
//	dev.Poll() // retire finished work, destroy what is safe to destroy
package device
