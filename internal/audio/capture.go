//go:build cgo

package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/23skdu/longbow-qasr/internal/logger"
)

// Capture records the default microphone as 16 kHz mono s16 into a
// LiveAudio buffer.
type Capture struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	live   *LiveAudio

	mu      sync.Mutex
	stopped bool
}

// StartCapture opens the default capture device and starts pushing samples
// into live. Stop ends the capture and signals end of stream.
func StartCapture(live *LiveAudio) (*Capture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	c := &Capture{ctx: ctx, live: live}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = SampleRate

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: c.onData})
	if err != nil {
		c.freeContext()
		return nil, fmt.Errorf("initializing capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		c.freeContext()
		return nil, fmt.Errorf("starting capture device: %w", err)
	}
	c.device = device
	logger.Log.Info("microphone capture started", "rate", SampleRate)
	return c, nil
}

func (c *Capture) onData(_, in []byte, frames uint32) {
	n := min(int(frames)*2, len(in))
	c.live.Push(S16LEToFloat(make([]float32, 0, n/2), in[:n]))
}

// Stop releases the device and marks the live buffer finished. It is safe
// to call more than once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	c.live.SignalEOF()
	return c.freeContext()
}

func (c *Capture) freeContext() error {
	if c.ctx == nil {
		return nil
	}
	err := c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
	if err != nil {
		return fmt.Errorf("uninitializing audio context: %w", err)
	}
	return nil
}
