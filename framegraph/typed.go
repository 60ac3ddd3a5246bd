package framegraph

import "unsafe"

// DeclareTypedBuffer declares a buffer holding count elements of T.
func DeclareTypedBuffer[T any](fg *FrameGraph, count int) MutableTypedBufferID[T] {
	if count <= 0 {
		fatalf("DeclareTypedBuffer: count %d must be positive", count)
	}
	var zero T
	size := uint64(unsafe.Sizeof(zero)) * uint64(count)
	return MutableTypedBufferID[T]{MutableBufferID: fg.DeclareBuffer(size), count: count}
}

// MappedSlice returns the host mapping of a typed buffer as a slice of T.
// The pass must have declared MapUpdate on id. Indexing past Count panics.
func MappedSlice[T any](res *PassResources, id MutableTypedBufferID[T]) []T {
	m := res.Mapping(id)
	if len(m) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&m[0])), id.count)
}
