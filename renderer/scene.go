package renderer

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/g3d/device"
)

// depthZeroToOne remaps OpenGL clip-space z from [-w, w] to the [0, w]
// range WebGPU expects.
var depthZeroToOne = mgl32.Mat4{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 0.5, 0,
	0, 0, 0.5, 1,
}

// Camera is a perspective camera looking from Position at Target.
type Camera struct {
	Position mgl32.Vec3
	Target   mgl32.Vec3

	// Up defaults to +Y when zero.
	Up mgl32.Vec3

	// FovY is the vertical field of view in radians.
	FovY float32

	// Aspect is width over height. Renderer.Render fills it from the
	// output size when zero.
	Aspect float32

	Near, Far float32
}

// View returns the world-to-view matrix.
func (c Camera) View() mgl32.Mat4 {
	up := c.Up
	if up == (mgl32.Vec3{}) {
		up = mgl32.Vec3{0, 1, 0}
	}
	return mgl32.LookAtV(c.Position, c.Target, up)
}

// Projection returns the view-to-clip matrix with depth in [0, 1].
func (c Camera) Projection() mgl32.Mat4 {
	return depthZeroToOne.Mul4(mgl32.Perspective(c.FovY, c.Aspect, c.Near, c.Far))
}

// ViewProjection returns Projection * View.
func (c Camera) ViewProjection() mgl32.Mat4 {
	return c.Projection().Mul4(c.View())
}

// PointLight emits in all directions up to Radius.
type PointLight struct {
	Position  mgl32.Vec3
	Color     mgl32.Vec3
	Intensity float32
	Radius    float32
}

// DirectionalLight emits parallel rays travelling along Direction.
type DirectionalLight struct {
	Direction mgl32.Vec3
	Color     mgl32.Vec3
	Intensity float32
}

// Sphere is a bounding sphere.
type Sphere struct {
	Center mgl32.Vec3
	Radius float32
}

// Mesh is indexed geometry in caller-owned buffers. Vertices are
// interleaved position and normal, three float32 each; indices are uint32.
type Mesh struct {
	Vertices   *device.Buffer
	Indices    *device.Buffer
	IndexCount uint32

	// Bounds encloses the mesh in model space.
	Bounds Sphere
}

// MeshInstance places a mesh in the world.
type MeshInstance struct {
	Mesh      *Mesh
	Transform mgl32.Mat4
	Albedo    mgl32.Vec4
}

// WorldBounds returns the mesh bounds transformed to world space. The
// radius scales by the largest axis scale of Transform.
func (m MeshInstance) WorldBounds() Sphere {
	b := m.Mesh.Bounds
	center := m.Transform.Mul4x1(b.Center.Vec4(1)).Vec3()
	scale := max(
		m.Transform.Col(0).Vec3().Len(),
		m.Transform.Col(1).Vec3().Len(),
		m.Transform.Col(2).Vec3().Len(),
	)
	return Sphere{Center: center, Radius: b.Radius * scale}
}

// SceneView is everything the renderer draws in one frame.
type SceneView struct {
	Camera            Camera
	PointLights       []PointLight
	DirectionalLights []DirectionalLight
	Instances         []MeshInstance
}

// LightCount returns the total number of lights.
func (v *SceneView) LightCount() int {
	return len(v.PointLights) + len(v.DirectionalLights)
}
