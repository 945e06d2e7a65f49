package audio

import (
	"bytes"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/23skdu/longbow-qasr/internal/logger"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xfffe
)

// LoadWAV reads a WAV file and returns mono 16 kHz samples.
func LoadWAV(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	samples, err := DecodeWAV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return samples, nil
}

// DecodeWAVBytes decodes an in-memory WAV image.
func DecodeWAVBytes(b []byte) ([]float32, error) {
	return DecodeWAV(bytes.NewReader(b))
}

// DecodeWAV decodes integer PCM WAV data. Channels are averaged to mono and
// other sample rates are resampled to 16 kHz.
func DecodeWAV(r io.ReadSeeker) ([]float32, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid WAV file", ErrUnsupportedFormat)
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return nil, fmt.Errorf("%w: wav format %d, need integer PCM", ErrUnsupportedFormat, dec.WavAudioFormat)
	}
	switch dec.BitDepth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedFormat, dec.BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	ch := buf.Format.NumChannels
	if ch < 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, ch)
	}

	scale := float32(int64(1) << (buf.SourceBitDepth - 1))
	frames := len(buf.Data) / ch
	samples := make([]float32, frames)
	for i := range samples {
		var sum float32
		for c := 0; c < ch; c++ {
			sum += float32(buf.Data[i*ch+c])
		}
		samples[i] = sum / float32(ch) / scale
	}

	rate := buf.Format.SampleRate
	logger.Log.Debug("wav decoded", "rate", rate, "channels", ch, "bits", buf.SourceBitDepth, "frames", frames)
	if rate != SampleRate {
		samples = Resample(samples, rate, SampleRate)
	}
	return samples, nil
}

// WriteWAV writes mono samples as 16-bit PCM.
func WriteWAV(w io.WriteSeeker, samples []float32, rate int) error {
	enc := wav.NewEncoder(w, rate, 16, 1, wavFormatPCM)
	data := make([]int, len(samples))
	for i, v := range samples {
		v = min(max(v, -1), 1)
		data[i] = int(v * 32767)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}
