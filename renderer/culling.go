package renderer

import (
	"runtime"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/sync/errgroup"
)

// cullChunk is the number of instances tested per goroutine. Smaller
// scenes are culled on the calling goroutine.
const cullChunk = 512

// Frustum is six normalized planes (a, b, c, d) with normals pointing
// inward: a point p is inside a plane when a*x + b*y + c*z + d >= 0.
type Frustum [6]mgl32.Vec4

// NewFrustum extracts the planes of a view-projection matrix with clip
// depth in [0, w].
func NewFrustum(viewProj mgl32.Mat4) Frustum {
	r0, r1, r2, r3 := viewProj.Row(0), viewProj.Row(1), viewProj.Row(2), viewProj.Row(3)
	f := Frustum{
		r3.Add(r0), // left
		r3.Sub(r0), // right
		r3.Add(r1), // bottom
		r3.Sub(r1), // top
		r2,         // near
		r3.Sub(r2), // far
	}
	for i, p := range f {
		if l := p.Vec3().Len(); l > 0 {
			f[i] = p.Mul(1 / l)
		}
	}
	return f
}

// IntersectsSphere reports whether s is at least partly inside f.
func (f Frustum) IntersectsSphere(s Sphere) bool {
	for _, p := range f {
		if p.Vec3().Dot(s.Center)+p.W() < -s.Radius {
			return false
		}
	}
	return true
}

// Cull returns the instances of view whose world bounds intersect the
// camera frustum, in their original order. Large scenes are tested in
// parallel chunks.
func Cull(view *SceneView) []MeshInstance {
	f := NewFrustum(view.Camera.ViewProjection())
	instances := view.Instances

	inside := make([]bool, len(instances))
	test := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			inside[i] = f.IntersectsSphere(instances[i].WorldBounds())
		}
	}

	if len(instances) < 2*cullChunk {
		test(0, len(instances))
	} else {
		var g errgroup.Group
		g.SetLimit(runtime.GOMAXPROCS(0))
		for lo := 0; lo < len(instances); lo += cullChunk {
			hi := min(lo+cullChunk, len(instances))
			g.Go(func() error {
				test(lo, hi)
				return nil
			})
		}
		_ = g.Wait()
	}

	visible := make([]MeshInstance, 0, len(instances))
	for i, ok := range inside {
		if ok {
			visible = append(visible, instances[i])
		}
	}
	slogger().Debug("renderer: culled", "total", len(instances), "visible", len(visible))
	return visible
}
