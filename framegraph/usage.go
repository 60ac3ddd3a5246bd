package framegraph

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
)

// UsageKind is how a pass accesses a resource.
type UsageKind uint8

const (
	// UsageNone means the resource has not been touched yet.
	UsageNone UsageKind = iota

	// UsageColorAttachment is a render target written by a render pass.
	UsageColorAttachment

	// UsageDepthAttachment is a depth target written by a render pass.
	UsageDepthAttachment

	// UsageUniform is a sampled image or a uniform buffer.
	UsageUniform

	// UsageStorageRead is a storage image or buffer read by a shader.
	UsageStorageRead

	// UsageStorageWrite is a storage image or buffer written by a shader.
	UsageStorageWrite

	// UsageIndex is an index buffer.
	UsageIndex

	// UsageAttrib is a vertex attribute buffer.
	UsageAttrib
)

// String returns the string representation of UsageKind.
func (k UsageKind) String() string {
	switch k {
	case UsageNone:
		return "None"
	case UsageColorAttachment:
		return "ColorAttachment"
	case UsageDepthAttachment:
		return "DepthAttachment"
	case UsageUniform:
		return "Uniform"
	case UsageStorageRead:
		return "StorageRead"
	case UsageStorageWrite:
		return "StorageWrite"
	case UsageIndex:
		return "Index"
	case UsageAttrib:
		return "Attrib"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Writes reports whether the usage writes the resource.
func (k UsageKind) Writes() bool {
	switch k {
	case UsageColorAttachment, UsageDepthAttachment, UsageStorageWrite:
		return true
	default:
		return false
	}
}

// bound reports whether the usage goes through a bind group.
func (k UsageKind) bound() bool {
	switch k {
	case UsageUniform, UsageStorageRead, UsageStorageWrite:
		return true
	default:
		return false
	}
}

// textureUsage maps the kind to the image capability it requires.
func (k UsageKind) textureUsage() gputypes.TextureUsage {
	switch k {
	case UsageColorAttachment, UsageDepthAttachment:
		return gputypes.TextureUsageRenderAttachment
	case UsageUniform:
		return gputypes.TextureUsageTextureBinding
	case UsageStorageRead, UsageStorageWrite:
		return gputypes.TextureUsageStorageBinding
	default:
		return gputypes.TextureUsageNone
	}
}

// bufferUsage maps the kind to the buffer capability it requires.
func (k UsageKind) bufferUsage() gputypes.BufferUsage {
	switch k {
	case UsageUniform:
		return gputypes.BufferUsageUniform
	case UsageStorageRead, UsageStorageWrite:
		return gputypes.BufferUsageStorage
	case UsageIndex:
		return gputypes.BufferUsageIndex
	case UsageAttrib:
		return gputypes.BufferUsageVertex
	default:
		return gputypes.BufferUsageNone
	}
}

// PipelineStage is a set of pipeline stages that access a resource.
type PipelineStage uint32

const (
	// StageNone is the empty stage set.
	StageNone PipelineStage = 0

	// StageVertexInput reads index and vertex buffers.
	StageVertexInput PipelineStage = 1 << 0

	// StageVertex is the vertex shader.
	StageVertex PipelineStage = 1 << 1

	// StageFragment is the fragment shader.
	StageFragment PipelineStage = 1 << 2

	// StageCompute is the compute shader.
	StageCompute PipelineStage = 1 << 3

	// StageColorOutput writes color attachments.
	StageColorOutput PipelineStage = 1 << 4

	// StageDepthTest reads and writes depth attachments.
	StageDepthTest PipelineStage = 1 << 5
)

var stageNames = []struct {
	stage PipelineStage
	name  string
}{
	{StageVertexInput, "VertexInput"},
	{StageVertex, "Vertex"},
	{StageFragment, "Fragment"},
	{StageCompute, "Compute"},
	{StageColorOutput, "ColorOutput"},
	{StageDepthTest, "DepthTest"},
}

// String returns the stage names joined with "|".
func (s PipelineStage) String() string {
	if s == StageNone {
		return "None"
	}
	var parts []string
	for _, n := range stageNames {
		if s&n.stage != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// shaderStages returns the shader stages for bind group visibility.
func (s PipelineStage) shaderStages() gputypes.ShaderStages {
	var out gputypes.ShaderStages
	if s&StageVertex != 0 {
		out |= gputypes.ShaderStageVertex
	}
	if s&StageFragment != 0 {
		out |= gputypes.ShaderStageFragment
	}
	if s&StageCompute != 0 {
		out |= gputypes.ShaderStageCompute
	}
	if out == gputypes.ShaderStageNone {
		out = gputypes.ShaderStagesAll
	}
	return out
}

// UsageKinds is a set of usage kinds. A pass that reads one resource in
// several ways leaves it in all of them at once.
type UsageKinds uint16

// Kinds returns the set holding only k.
func (k UsageKind) Kinds() UsageKinds {
	if k == UsageNone {
		return 0
	}
	return 1 << (k - 1)
}

// Has reports whether the set contains k.
func (s UsageKinds) Has(k UsageKind) bool { return k != UsageNone && s&k.Kinds() != 0 }

// each calls fn for every kind in the set, in declaration order.
func (s UsageKinds) each(fn func(UsageKind)) {
	for k := UsageColorAttachment; k <= UsageAttrib; k++ {
		if s.Has(k) {
			fn(k)
		}
	}
}

// Writes reports whether any kind in the set writes.
func (s UsageKinds) Writes() bool {
	w := false
	s.each(func(k UsageKind) { w = w || k.Writes() })
	return w
}

// String returns the kind names joined with "+".
func (s UsageKinds) String() string {
	if s == 0 {
		return UsageNone.String()
	}
	var parts []string
	s.each(func(k UsageKind) { parts = append(parts, k.String()) })
	return strings.Join(parts, "+")
}

func (s UsageKinds) textureUsage() gputypes.TextureUsage {
	var out gputypes.TextureUsage
	s.each(func(k UsageKind) { out |= k.textureUsage() })
	return out
}

func (s UsageKinds) bufferUsage() gputypes.BufferUsage {
	var out gputypes.BufferUsage
	s.each(func(k UsageKind) { out |= k.bufferUsage() })
	return out
}

// Access is the state a resource was last used in.
type Access struct {
	Kinds UsageKinds
	Stage PipelineStage
}

// AccessOf returns the access of a single usage kind.
func AccessOf(kind UsageKind, stage PipelineStage) Access {
	return Access{Kinds: kind.Kinds(), Stage: stage}
}

// IsZero reports whether the resource has not been accessed.
func (a Access) IsZero() bool { return a.Kinds == 0 }

// Writes reports whether the access writes the resource.
func (a Access) Writes() bool { return a.Kinds.Writes() }

// String returns the string representation of the access.
func (a Access) String() string {
	return a.Kinds.String() + "@" + a.Stage.String()
}

// merge combines two accesses of one resource by the same pass. Kinds and
// stages are united.
func (a Access) merge(b Access) Access {
	return Access{Kinds: a.Kinds | b.Kinds, Stage: a.Stage | b.Stage}
}

// needsBarrier reports whether moving from prev to next requires a barrier.
// The first touch needs none. Otherwise a barrier is needed when the kinds or
// stages change or when either side writes.
func needsBarrier(prev, next Access) bool {
	if prev.IsZero() {
		return false
	}
	return prev.Kinds != next.Kinds || prev.Stage != next.Stage || prev.Writes() || next.Writes()
}
