// Command g3dbench renders a lit grid of cubes for a number of frames and
// prints engine statistics.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	_ "github.com/gogpu/wgpu/hal/allbackends"

	"github.com/gogpu/g3d"
	"github.com/gogpu/g3d/device"
	"github.com/gogpu/g3d/internal/config"
	"github.com/gogpu/g3d/renderer"
)

func main() {
	var (
		configPath = flag.String("config", "", "HCL config file")
		frames     = flag.Int("frames", 120, "frames to render")
		backend    = flag.String("backend", "", "backend override: auto, noop, vulkan, metal, dx12, gles")
		grid       = flag.Int("grid", 8, "cubes per grid side")
		lights     = flag.Int("lights", 16, "point lights")
		debug      = flag.Bool("debug", false, "enable backend debug and validation layers")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *backend != "" {
		cfg.Engine.Backend = *backend
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid backend: %v", err)
		}
	}

	if *debug {
		cfg.Engine.Debug = true
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	g3d.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	dev, err := g3d.OpenDevice(cfg)
	if err != nil {
		log.Fatalf("Failed to open device: %v", err)
	}
	defer func() { _ = dev.Close() }()

	e := g3d.NewEngine(dev, g3d.FromConfig(cfg))
	defer e.Close()

	cube, err := newCube(dev)
	if err != nil {
		log.Fatalf("Failed to create mesh: %v", err)
	}
	defer cube.Vertices.Destroy()
	defer cube.Indices.Destroy()

	size := e.Renderer().Size()
	view := buildScene(cube, *grid, *lights, float32(size.Width)/float32(size.Height))

	ctx := context.Background()
	start := time.Now()
	for i := range *frames {
		angle := float32(i) * 0.01
		view.Camera.Position = mgl32.Vec3{
			20 * float32(math.Sin(float64(angle))),
			8,
			20 * float32(math.Cos(float64(angle))),
		}
		if err := e.RenderScene(ctx, &view, nil); err != nil {
			log.Fatalf("Frame %d failed: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("backend:  %s (%s)\n", dev.Info().Backend, dev.Info().Name)
	fmt.Printf("frames:   %d in %v (%.3f ms/frame)\n", *frames, elapsed,
		float64(elapsed.Microseconds())/1000/float64(max(*frames, 1)))
	fmt.Printf("stats:    %s\n", e.Stats())
}

func buildScene(cube *renderer.Mesh, grid, lights int, aspect float32) renderer.SceneView {
	view := renderer.SceneView{
		Camera: renderer.Camera{
			Target: mgl32.Vec3{0, 0, 0},
			FovY:   mgl32.DegToRad(60),
			Aspect: aspect,
			Near:   0.1,
			Far:    200,
		},
		DirectionalLights: []renderer.DirectionalLight{{
			Direction: mgl32.Vec3{-0.3, -1, -0.2},
			Color:     mgl32.Vec3{1, 0.95, 0.9},
			Intensity: 0.3,
		}},
	}

	half := float32(grid-1) * 1.5
	for x := range grid {
		for z := range grid {
			pos := mgl32.Vec3{float32(x)*3 - half, 0, float32(z)*3 - half}
			view.Instances = append(view.Instances, renderer.MeshInstance{
				Mesh:      cube,
				Transform: mgl32.Translate3D(pos.X(), pos.Y(), pos.Z()),
				Albedo: mgl32.Vec4{
					0.3 + 0.7*float32(x)/float32(grid),
					0.5,
					0.3 + 0.7*float32(z)/float32(grid),
					1,
				},
			})
		}
	}

	for i := range lights {
		a := 2 * math.Pi * float64(i) / float64(max(lights, 1))
		view.PointLights = append(view.PointLights, renderer.PointLight{
			Position:  mgl32.Vec3{half * float32(math.Cos(a)), 2, half * float32(math.Sin(a))},
			Color:     mgl32.Vec3{float32(i%3) / 2, float32((i+1)%3) / 2, float32((i+2)%3) / 2},
			Intensity: 4,
			Radius:    8,
		})
	}
	return view
}

// cubeFaces lists each face as its normal and two tangent axes.
var cubeFaces = [6][3]mgl32.Vec3{
	{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	{{-1, 0, 0}, {0, 0, 1}, {0, 1, 0}},
	{{0, 1, 0}, {0, 0, 1}, {1, 0, 0}},
	{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}},
	{{0, 0, 1}, {1, 0, 0}, {0, 1, 0}},
	{{0, 0, -1}, {0, 1, 0}, {1, 0, 0}},
}

// newCube uploads a unit cube with per-face normals.
func newCube(dev *device.Device) (*renderer.Mesh, error) {
	vertices := make([]byte, 0, 24*renderer.VertexStride)
	indices := make([]byte, 0, 36*4)
	put := func(dst []byte, v float32) []byte {
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}

	for f, face := range cubeFaces {
		n, u, v := face[0], face[1], face[2]
		for _, c := range [4][2]float32{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}} {
			p := n.Add(u.Mul(c[0])).Add(v.Mul(c[1])).Mul(0.5)
			for _, x := range [6]float32{p.X(), p.Y(), p.Z(), n.X(), n.Y(), n.Z()} {
				vertices = put(vertices, x)
			}
		}
		base := uint32(f * 4) //nolint:gosec // G115: at most 24 vertices
		for _, i := range [6]uint32{0, 1, 2, 0, 2, 3} {
			indices = binary.LittleEndian.AppendUint32(indices, base+i)
		}
	}

	vb, err := upload(dev, "cube/vertices", vertices, gputypes.BufferUsageVertex)
	if err != nil {
		return nil, err
	}
	ib, err := upload(dev, "cube/indices", indices, gputypes.BufferUsageIndex)
	if err != nil {
		vb.Destroy()
		return nil, err
	}
	return &renderer.Mesh{
		Vertices:   vb,
		Indices:    ib,
		IndexCount: 36,
		Bounds:     renderer.Sphere{Radius: float32(math.Sqrt(3)) / 2},
	}, nil
}

func upload(dev *device.Device, label string, data []byte, usage gputypes.BufferUsage) (*device.Buffer, error) {
	buf, err := dev.CreateBuffer(device.BufferDescriptor{
		Label: label,
		Size:  uint64(len(data)),
		Usage: usage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	if err := dev.Queue().WriteBuffer(buf.Raw(), 0, data); err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("upload %s: %w", label, err)
	}
	return buf, nil
}
