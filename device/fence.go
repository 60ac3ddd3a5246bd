package device

import "strconv"

// ResourceFence is an ordinal in the device's submission order.
//
// Fences are totally ordered. A resource tagged with fence F may be destroyed
// once every command buffer with a fence <= F has retired.
type ResourceFence uint64

// String returns the string representation of the fence.
func (f ResourceFence) String() string {
	return "fence#" + strconv.FormatUint(uint64(f), 10)
}

// Before reports whether f was issued before other.
func (f ResourceFence) Before(other ResourceFence) bool {
	return f < other
}
