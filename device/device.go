package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Device errors.
var (
	// ErrDeviceClosed is returned when a closed device is used.
	ErrDeviceClosed = errors.New("device: device is closed")

	// ErrBackendUnavailable is returned when the requested HAL backend is not registered.
	ErrBackendUnavailable = errors.New("device: backend not available")

	// ErrNoAdapter is returned when the backend exposes no adapter.
	ErrNoAdapter = errors.New("device: no GPU adapter found")

	// ErrInvalidSize is returned when an image or buffer would be empty.
	ErrInvalidSize = errors.New("device: resource size must be positive")

	// ErrNilRecorder is returned when Submit is called with nil.
	ErrNilRecorder = errors.New("device: recorder is nil")
)

// Device wraps a HAL device and queue. It allocates images and buffers,
// creates command recorders, and owns the LifetimeManager that defers
// destruction of everything it hands out.
//
// Device is safe for concurrent use.
type Device struct {
	hal      hal.Device
	queue    hal.Queue
	lifetime *LifetimeManager
	info     gputypes.AdapterInfo

	// instance is set when the device was opened by Open and is destroyed
	// with the device.
	instance hal.Instance

	mu     sync.RWMutex
	closed bool
}

// New wraps an already opened HAL device and queue. The caller keeps
// ownership of the HAL device: Close releases tracked resources but does
// not destroy it.
func New(d hal.Device, q hal.Queue) *Device {
	return &Device{
		hal:      d,
		queue:    q,
		lifetime: NewLifetimeManager(d, q),
	}
}

// OpenOption configures Open and OpenBackend.
type OpenOption func(*openOptions)

type openOptions struct {
	flags gputypes.InstanceFlags
}

// WithDebug enables the backend's debug and validation layers when on.
func WithDebug(on bool) OpenOption {
	return func(o *openOptions) {
		if on {
			o.flags |= gputypes.InstanceFlagsDebug | gputypes.InstanceFlagsValidation
		} else {
			o.flags &^= gputypes.InstanceFlagsDebug | gputypes.InstanceFlagsValidation
		}
	}
}

// Open opens the first suitable adapter of the registered backend variant.
func Open(variant gputypes.Backend, opts ...OpenOption) (*Device, error) {
	backend, ok := hal.GetBackend(variant)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, variant)
	}
	return OpenBackend(backend, opts...)
}

// OpenBackend opens a device on the given backend. Discrete and integrated
// GPUs are preferred over other adapter types.
func OpenBackend(backend hal.Backend, opts ...OpenOption) (*Device, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: o.flags})
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}

	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("open device: %w", err)
	}

	d := New(openDev.Device, openDev.Queue)
	d.info = selected.Info
	d.instance = instance

	slogger().Info("device: opened",
		"backend", backend.Variant(),
		"adapter", selected.Info.Name,
		"type", selected.Info.DeviceType,
		"debug", o.flags&gputypes.InstanceFlagsDebug != 0)
	return d, nil
}

// HAL returns the underlying HAL device.
func (d *Device) HAL() hal.Device { return d.hal }

// Queue returns the underlying HAL queue.
func (d *Device) Queue() hal.Queue { return d.queue }

// Lifetime returns the device's lifetime manager.
func (d *Device) Lifetime() *LifetimeManager { return d.lifetime }

// Info returns the adapter info. Empty for devices created with New.
func (d *Device) Info() gputypes.AdapterInfo { return d.info }

// DestroyLater queues r for destruction once the current fence retires.
func (d *Device) DestroyLater(r ManagedResource) {
	d.lifetime.DestroyLater(r)
}

// Poll retires finished command buffers and destroys what is safe to
// destroy. Never blocks on the GPU.
func (d *Device) Poll() {
	d.lifetime.Collect()
}

// CreateRecorder creates a command recorder in the Recording state. The
// recorder's fence is taken from the lifetime manager at creation.
func (d *Device) CreateRecorder(label string) (*CmdBufferRecorder, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	enc, err := d.hal.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		enc.Destroy()
		return nil, fmt.Errorf("begin encoding: %w", err)
	}

	return &CmdBufferRecorder{
		device:  d,
		encoder: enc,
		label:   label,
		fence:   d.lifetime.CreateFence(),
		state:   RecorderStateRecording,
	}, nil
}

// Submit ends rec, submits it to the queue and hands it to the lifetime
// manager. It returns the recorder's fence.
//
// If the queue rejects the command buffer, the recorder is still recycled
// so its keep-alive objects are released.
func (d *Device) Submit(rec *CmdBufferRecorder) (ResourceFence, error) {
	if rec == nil {
		return 0, ErrNilRecorder
	}
	if err := d.checkOpen(); err != nil {
		return 0, err
	}

	data, err := rec.End()
	if err != nil {
		return 0, fmt.Errorf("submit: %w", err)
	}

	idx, err := d.queue.Submit([]hal.CommandBuffer{data.CmdBuffer})
	if err != nil {
		data.Submission = 0
		d.lifetime.Recycle(data)
		rec.markSubmitted()
		return 0, fmt.Errorf("submit %q: %w", rec.label, err)
	}

	data.Submission = idx
	d.lifetime.Recycle(data)
	rec.markSubmitted()

	slogger().Debug("device: submitted",
		"label", rec.label,
		"fence", data.Fence,
		"submission", idx)
	return data.Fence, nil
}

// waitPollInterval is how often Wait polls for retirement.
const waitPollInterval = time.Millisecond

// Wait blocks until every command buffer up to f has retired or ctx is
// done. It collects retired work while polling.
func (d *Device) Wait(ctx context.Context, f ResourceFence) error {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		d.lifetime.Collect()
		if d.lifetime.IsRetired(f) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SubmitAndWait submits rec and blocks until it has retired. It is meant
// for one-shot work such as baking lookup tables, not per-frame recording.
func (d *Device) SubmitAndWait(ctx context.Context, rec *CmdBufferRecorder) error {
	fence, err := d.Submit(rec)
	if err != nil {
		return err
	}
	if err := d.Wait(ctx, fence); err != nil {
		return fmt.Errorf("wait for %q: %w", rec.label, err)
	}
	return nil
}

// Close waits for the GPU to go idle and destroys everything the lifetime
// manager still tracks. Devices opened with Open also release the HAL
// device and instance. Close is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.lifetime.Close()

	if d.instance != nil {
		d.hal.Destroy()
		d.instance.Destroy()
		d.instance = nil
	}
	slogger().Info("device: closed")
	return nil
}

// checkOpen returns ErrDeviceClosed after Close.
func (d *Device) checkOpen() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDeviceClosed
	}
	return nil
}
