package renderer

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/g3d/device"
	"github.com/gogpu/g3d/framegraph"
)

// BRDFLUTSize is the width and height of the baked BRDF lookup table.
const BRDFLUTSize = 512

// BRDFLUTFormat is the format of the BRDF lookup table.
const BRDFLUTFormat = gputypes.TextureFormatRGBA16Float

// EnvmapFormat is the format of the built-in white envmap.
const EnvmapFormat = gputypes.TextureFormatRGBA8Unorm

// ErrEnvmapUsage is returned by BakeIBL for an envmap that cannot be
// sampled.
var ErrEnvmapUsage = errors.New("renderer: envmap lacks TextureBinding usage")

// IBLData holds the images the lighting pass reads for image based
// ambient light: an equirectangular envmap and the BRDF lookup table.
type IBLData struct {
	envmap     *device.Image
	lut        *device.Image
	ownsEnvmap bool
}

// Envmap returns the environment map.
func (d *IBLData) Envmap() *device.Image { return d.envmap }

// BRDFLUT returns the BRDF lookup table.
func (d *IBLData) BRDFLUT() *device.Image { return d.lut }

// Close destroys the lookup table, and the envmap when it is the built-in
// white one. Destruction waits for frames still reading them.
func (d *IBLData) Close() {
	d.lut.Destroy()
	if d.ownsEnvmap {
		d.envmap.Destroy()
	}
}

// importIBL makes both images visible to fg. They stay in TextureBinding
// state for their whole life, so importing them as already sampled by
// compute shaders adds no barriers.
func (d *IBLData) importIBL(fg *framegraph.FrameGraph) (envmap, lut framegraph.ImageID) {
	sampled := framegraph.AccessOf(framegraph.UsageUniform, framegraph.StageCompute)
	return fg.ImportImage(d.envmap, sampled), fg.ImportImage(d.lut, sampled)
}

// BakeIBL bakes the BRDF lookup table on a one-shot command buffer and
// waits for it. A nil envmap is replaced by a 2x2 white image. The caller
// keeps ownership of a non-nil envmap, which must already be in
// TextureBinding state.
func BakeIBL(ctx context.Context, pool *framegraph.ResourcePool, cache *PipelineCache, envmap *device.Image) (*IBLData, error) {
	dev := pool.Device()
	ibl := &IBLData{envmap: envmap}
	if envmap == nil {
		white, err := createWhiteEnvmap(dev)
		if err != nil {
			return nil, err
		}
		ibl.envmap = white
		ibl.ownsEnvmap = true
	} else if !envmap.Usage().Contains(gputypes.TextureUsageTextureBinding) {
		return nil, fmt.Errorf("%w: %q", ErrEnvmapUsage, envmap.Descriptor().Label)
	}

	lut, err := dev.CreateImage(device.ImageDescriptor{
		Label:  "ibl/brdf_lut",
		Width:  BRDFLUTSize,
		Height: BRDFLUTSize,
		Format: BRDFLUTFormat,
		Usage:  gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		if ibl.ownsEnvmap {
			ibl.envmap.Destroy()
		}
		return nil, err
	}
	ibl.lut = lut

	if err := ibl.bake(ctx, pool, cache); err != nil {
		ibl.Close()
		return nil, fmt.Errorf("renderer: bake brdf lut: %w", err)
	}
	slogger().Debug("renderer: ibl baked",
		"lut", BRDFLUTSize,
		"builtin_envmap", ibl.ownsEnvmap)
	return ibl, nil
}

// createWhiteEnvmap uploads the 2x2 white fallback envmap.
func createWhiteEnvmap(dev *device.Device) (*device.Image, error) {
	img, err := dev.CreateImage(device.ImageDescriptor{
		Label:  "ibl/white_envmap",
		Width:  2,
		Height: 2,
		Format: EnvmapFormat,
		Usage:  gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	white := make([]byte, 2*2*4)
	for i := range white {
		white[i] = 0xFF
	}
	err = dev.Queue().WriteTexture(
		&hal.ImageCopyTexture{Texture: img.Texture(), Aspect: gputypes.TextureAspectAll},
		white,
		&hal.ImageDataLayout{BytesPerRow: 2 * 4, RowsPerImage: 2},
		&hal.Extent3D{Width: 2, Height: 2, DepthOrArrayLayers: 1},
	)
	if err != nil {
		img.Destroy()
		return nil, fmt.Errorf("renderer: upload white envmap: %w", err)
	}
	return img, nil
}

// bake records the lookup table dispatch and submits it synchronously.
func (d *IBLData) bake(ctx context.Context, pool *framegraph.ResourcePool, cache *PipelineCache) error {
	dev := pool.Device()
	layout, err := pool.BindGroupLayout([]gputypes.BindGroupLayoutEntry{{
		Binding:    0,
		Visibility: gputypes.ShaderStageCompute,
		StorageTexture: &gputypes.StorageTextureBindingLayout{
			Access:        gputypes.StorageTextureAccessWriteOnly,
			Format:        BRDFLUTFormat,
			ViewDimension: gputypes.TextureViewDimension2D,
		},
	}})
	if err != nil {
		return err
	}
	pipeline, err := cache.ComputePipeline(KernelBRDFLUT, []hal.BindGroupLayout{layout})
	if err != nil {
		return err
	}
	group, err := dev.HAL().CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "ibl/brdf_lut",
		Layout: layout,
		Entries: []gputypes.BindGroupEntry{{
			Binding:  0,
			Resource: gputypes.TextureViewBinding{TextureView: d.lut.View().NativeHandle()},
		}},
	})
	if err != nil {
		return fmt.Errorf("create bind group: %w", err)
	}

	rec, err := dev.CreateRecorder("ibl/brdf_lut")
	if err != nil {
		dev.HAL().DestroyBindGroup(group)
		return err
	}
	rec.KeepAlive(device.ReleaseFunc(func() { dev.HAL().DestroyBindGroup(group) }))
	if err := d.record(rec, pipeline, group); err != nil {
		rec.Discard()
		return err
	}
	return dev.SubmitAndWait(ctx, rec)
}

func (d *IBLData) record(rec *device.CmdBufferRecorder, pipeline hal.ComputePipeline, group hal.BindGroup) error {
	var before []hal.TextureBarrier
	if d.ownsEnvmap {
		before = append(before, colorBarrier(d.envmap, gputypes.TextureUsageCopyDst, gputypes.TextureUsageTextureBinding))
	}
	before = append(before, colorBarrier(d.lut, gputypes.TextureUsageNone, gputypes.TextureUsageStorageBinding))
	if err := rec.Barriers(nil, before); err != nil {
		return err
	}

	pass, err := rec.BeginComputePass(KernelBRDFLUT.String())
	if err != nil {
		return err
	}
	if err := pass.SetPipeline(pipeline); err != nil {
		return err
	}
	if err := pass.SetBindGroups([]hal.BindGroup{group}); err != nil {
		return err
	}
	if err := pass.DispatchSize(BRDFLUTSize, BRDFLUTSize, 1, workgroupSize); err != nil {
		return err
	}
	if err := pass.End(); err != nil {
		return err
	}

	return rec.Barriers(nil, []hal.TextureBarrier{
		colorBarrier(d.lut, gputypes.TextureUsageStorageBinding, gputypes.TextureUsageTextureBinding),
	})
}

func colorBarrier(img *device.Image, from, to gputypes.TextureUsage) hal.TextureBarrier {
	return hal.TextureBarrier{
		Texture: img.Texture(),
		Range: hal.TextureRange{
			Aspect:          gputypes.TextureAspectAll,
			MipLevelCount:   1,
			ArrayLayerCount: 1,
		},
		Usage: hal.TextureUsageTransition{OldUsage: from, NewUsage: to},
	}
}
