package framegraph

import (
	"fmt"
	"sync/atomic"
)

// generations hands out frame graph generations. Never reused, so an id
// from another or an older graph can never alias a live one.
var generations atomic.Uint64

func nextGeneration() uint64 { return generations.Add(1) }

// ResourceID identifies a virtual resource within the FrameGraph that
// declared it.
type ResourceID struct {
	index      uint32
	generation uint64
	image      bool
}

// Index returns the resource index within its kind.
func (id ResourceID) Index() int { return int(id.index) }

// Generation returns the generation of the graph that issued the id.
func (id ResourceID) Generation() uint64 { return id.generation }

// IsImage reports whether the id names an image.
func (id ResourceID) IsImage() bool { return id.image }

// IsValid reports whether the id was issued by a graph.
func (id ResourceID) IsValid() bool { return id.generation != 0 }

// String returns the string representation of the id.
func (id ResourceID) String() string {
	kind := "buffer"
	if id.image {
		kind = "image"
	}
	if !id.IsValid() {
		return kind + "(invalid)"
	}
	return fmt.Sprintf("%s#%d@%d", kind, id.index, id.generation)
}

// Resource is any virtual image or buffer handle.
type Resource interface {
	ID() ResourceID
	resource()
}

// MutableResource is a handle that allows writes: a resource declared by the
// graph rather than imported into it.
type MutableResource interface {
	Resource
	mutable()
}

// ImageResource is any image handle.
type ImageResource interface {
	Resource
	Image() ImageID
}

// BufferResource is any buffer handle.
type BufferResource interface {
	Resource
	Buffer() BufferID
}

// MutableBufferResource is any writable buffer handle, typed or not.
type MutableBufferResource interface {
	BufferResource
	MutableBuffer() MutableBufferID
}

// ImageID is a read-only image handle.
type ImageID struct{ id ResourceID }

func (i ImageID) ID() ResourceID { return i.id }
func (i ImageID) Image() ImageID { return i }
func (i ImageID) IsValid() bool  { return i.id.IsValid() }
func (i ImageID) String() string { return i.id.String() }
func (ImageID) resource()        {}

// MutableImageID is an image declared by the graph.
type MutableImageID struct{ ImageID }

func (MutableImageID) mutable() {}

// BufferID is a read-only buffer handle.
type BufferID struct{ id ResourceID }

func (b BufferID) ID() ResourceID   { return b.id }
func (b BufferID) Buffer() BufferID { return b }
func (b BufferID) IsValid() bool    { return b.id.IsValid() }
func (b BufferID) String() string   { return b.id.String() }
func (BufferID) resource()          {}

// MutableBufferID is a buffer declared by the graph.
type MutableBufferID struct{ BufferID }

func (b MutableBufferID) MutableBuffer() MutableBufferID { return b }
func (MutableBufferID) mutable()                         {}

// MutableTypedBufferID is a buffer holding Count elements of T.
type MutableTypedBufferID[T any] struct {
	MutableBufferID
	count int
}

// Count returns the number of elements of T the buffer holds.
func (b MutableTypedBufferID[T]) Count() int { return b.count }
