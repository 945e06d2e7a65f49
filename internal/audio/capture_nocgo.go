//go:build !cgo

package audio

import "errors"

// Capture is unavailable without cgo.
type Capture struct{}

func StartCapture(*LiveAudio) (*Capture, error) {
	return nil, errors.New("microphone capture requires a cgo build")
}

func (c *Capture) Stop() error { return nil }
