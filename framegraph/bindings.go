package framegraph

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// createBindGroups builds one bind group per set for every pass. Bindings
// are numbered in declaration order within a set; sets a pass skips get an
// empty group so indices stay dense.
func (fg *FrameGraph) createBindGroups() error {
	dev := fg.pool.Device().HAL()

	for _, p := range fg.passes {
		sets := -1
		for _, u := range p.usages {
			sets = max(sets, u.Set)
		}
		if sets < 0 {
			continue
		}

		layoutEntries := make([][]gputypes.BindGroupLayoutEntry, sets+1)
		groupEntries := make([][]gputypes.BindGroupEntry, sets+1)
		for _, u := range p.usages {
			if u.Set < 0 {
				continue
			}
			//nolint:gosec // G115: bounded by MaxBindGroups usages per pass
			binding := uint32(len(layoutEntries[u.Set]))
			layoutEntries[u.Set] = append(layoutEntries[u.Set], fg.layoutEntry(binding, u))
			groupEntries[u.Set] = append(groupEntries[u.Set], gputypes.BindGroupEntry{
				Binding:  binding,
				Resource: fg.bindingResource(u.Resource),
			})
		}

		for set := range layoutEntries {
			layout, err := fg.pool.BindGroupLayout(layoutEntries[set])
			if err != nil {
				return fmt.Errorf("framegraph: pass %q set %d: %w", p.name, set, err)
			}
			group, err := dev.CreateBindGroup(&hal.BindGroupDescriptor{
				Label:   fmt.Sprintf("%s/set%d", p.name, set),
				Layout:  layout,
				Entries: groupEntries[set],
			})
			if err != nil {
				return fmt.Errorf("framegraph: pass %q set %d: create bind group: %w", p.name, set, err)
			}
			p.layouts = append(p.layouts, layout)
			p.bindGroups = append(p.bindGroups, group)
		}
	}
	return nil
}

// layoutEntry describes how u is seen by shaders.
func (fg *FrameGraph) layoutEntry(binding uint32, u Usage) gputypes.BindGroupLayoutEntry {
	entry := gputypes.BindGroupLayoutEntry{
		Binding:    binding,
		Visibility: u.Stage.shaderStages(),
	}

	if !u.Resource.image {
		bt := gputypes.BufferBindingTypeUniform
		switch u.Kind {
		case UsageStorageRead:
			bt = gputypes.BufferBindingTypeReadOnlyStorage
		case UsageStorageWrite:
			bt = gputypes.BufferBindingTypeStorage
		}
		entry.Buffer = &gputypes.BufferBindingLayout{Type: bt}
		return entry
	}

	format := fg.images[u.Resource.index].info.Format
	switch u.Kind {
	case UsageUniform:
		sample := gputypes.TextureSampleTypeFloat
		switch {
		case format.IsDepthStencil():
			sample = gputypes.TextureSampleTypeDepth
		case format == gputypes.TextureFormatRGBA16Float || format == gputypes.TextureFormatRGBA32Float:
			sample = gputypes.TextureSampleTypeUnfilterableFloat
		}
		entry.Texture = &gputypes.TextureBindingLayout{
			SampleType:    sample,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	case UsageStorageRead, UsageStorageWrite:
		access := gputypes.StorageTextureAccessReadOnly
		if u.Kind == UsageStorageWrite {
			access = gputypes.StorageTextureAccessWriteOnly
		}
		entry.StorageTexture = &gputypes.StorageTextureBindingLayout{
			Access:        access,
			Format:        format,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	}
	return entry
}
