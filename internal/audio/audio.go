// Package audio turns PCM into the log-mel features the encoder consumes
// and provides the sample sources used by the transcription pipelines:
// WAV files, stdin, a live producer/consumer buffer and the microphone.
package audio

import "errors"

const (
	SampleRate = 16000
	NMel       = 128
	HopLength  = 160
	WinLength  = 400
	NFFT       = 400
	NFreq      = NFFT/2 + 1
)

// ErrUnsupportedFormat is returned for WAV data that is not integer PCM or
// for live input that is not 16 kHz mono.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Int16ToFloat converts s16 samples to [-1, 1) floats, appending to dst.
func Int16ToFloat(dst []float32, src []int16) []float32 {
	for _, s := range src {
		dst = append(dst, float32(s)/32768)
	}
	return dst
}

// S16LEToFloat converts little-endian s16 bytes, ignoring a trailing odd
// byte.
func S16LEToFloat(dst []float32, b []byte) []float32 {
	for i := 0; i+1 < len(b); i += 2 {
		dst = append(dst, float32(int16(uint16(b[i])|uint16(b[i+1])<<8))/32768)
	}
	return dst
}
