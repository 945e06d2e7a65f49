package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/23skdu/longbow-qasr/internal/logger"
)

const (
	liveReadSize  = 64000 // two seconds of s16 mono
	liveHeaderCap = 4096
)

// ReadPCM reads all of r. Input that starts with a RIFF header is decoded
// as WAV; anything else is taken as raw s16le 16 kHz mono.
func ReadPCM(r io.Reader) ([]float32, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(b) < 4 {
		return nil, errors.New("no audio data on input")
	}
	if bytes.HasPrefix(b, []byte("RIFF")) {
		logger.Log.Debug("input detected as wav", "bytes", len(b))
		return DecodeWAVBytes(b)
	}
	logger.Log.Debug("input treated as raw s16le 16kHz mono", "bytes", len(b))
	return S16LEToFloat(make([]float32, 0, len(b)/2), b), nil
}

type wavHeader struct {
	format, channels, bits int
	rate                   int
	dataOffset             int // 0 when the data chunk was not found
	dataSize               int
}

// parseWAVHeader walks RIFF chunks until the data chunk.
func parseWAVHeader(b []byte) wavHeader {
	var h wavHeader
	p := 12
	for p+8 <= len(b) {
		id := string(b[p : p+4])
		size := int(binary.LittleEndian.Uint32(b[p+4:]))
		switch {
		case id == "fmt " && size >= 16 && p+24 <= len(b):
			h.format = int(binary.LittleEndian.Uint16(b[p+8:]))
			h.channels = int(binary.LittleEndian.Uint16(b[p+10:]))
			h.rate = int(binary.LittleEndian.Uint32(b[p+12:]))
			h.bits = int(binary.LittleEndian.Uint16(b[p+22:]))
		case id == "data":
			h.dataOffset = p + 8
			h.dataSize = size
			return h
		}
		p += 8 + size + size&1
	}
	return h
}

// StreamPCM starts feeding r into a new LiveAudio from a background
// goroutine, in two-second reads, until r is exhausted. A WAV header is
// accepted only for 16-bit PCM at 16 kHz mono; the data chunk length bounds
// how much is read.
func StreamPCM(r io.Reader) (*LiveAudio, error) {
	header := make([]byte, liveHeaderCap)
	n, err := io.ReadFull(r, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read audio header: %w", err)
	}
	if n < 4 {
		return nil, errors.New("no audio data on input")
	}
	header = header[:n]

	la := NewLiveAudio()
	remaining := -1
	var carry []byte
	if n >= 44 && string(header[:4]) == "RIFF" && string(header[8:12]) == "WAVE" {
		h := parseWAVHeader(header)
		switch {
		case h.format != wavFormatPCM || h.bits != 16 || h.channels < 1:
			return nil, fmt.Errorf("%w: need 16-bit PCM, got format %d with %d bits", ErrUnsupportedFormat, h.format, h.bits)
		case h.rate != SampleRate:
			return nil, fmt.Errorf("%w: live input is %d Hz, need %d Hz mono (convert with: ffmpeg -i pipe:0 -ar 16000 -ac 1 -f s16le pipe:1)", ErrUnsupportedFormat, h.rate, SampleRate)
		case h.channels != 1:
			return nil, fmt.Errorf("%w: live input has %d channels, need mono (convert with: ffmpeg -i pipe:0 -ar 16000 -ac 1 -f s16le pipe:1)", ErrUnsupportedFormat, h.channels)
		case h.dataOffset == 0:
			return nil, fmt.Errorf("%w: wav data chunk not found in header", ErrUnsupportedFormat)
		}
		pcm := header[h.dataOffset:]
		if len(pcm) > h.dataSize {
			pcm = pcm[:h.dataSize]
		}
		even := len(pcm) &^ 1
		la.Push(S16LEToFloat(nil, pcm[:even]))
		carry = append(carry, pcm[even:]...)
		remaining = h.dataSize - len(pcm)
		logger.Log.Debug("live input detected as wav", "data_bytes", h.dataSize)
	} else {
		even := n &^ 1
		la.Push(S16LEToFloat(nil, header[:even]))
		carry = append(carry, header[even:]...)
		logger.Log.Debug("live input treated as raw s16le 16kHz mono")
	}

	go feed(la, r, remaining, carry)
	return la, nil
}

// feed copies r into la; remaining < 0 means read until EOF. carry holds
// an odd byte left over from the previous read.
func feed(la *LiveAudio, r io.Reader, remaining int, carry []byte) {
	defer la.SignalEOF()
	buf := make([]byte, liveReadSize)
	for remaining != 0 {
		want := len(buf)
		if remaining > 0 {
			want = min(want, remaining)
		}
		n, err := r.Read(buf[:want])
		if n > 0 {
			if remaining > 0 {
				remaining -= n
			}
			chunk := append(carry, buf[:n]...)
			even := len(chunk) &^ 1
			la.Push(S16LEToFloat(nil, chunk[:even]))
			carry = append(carry[:0], chunk[even:]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Log.Warn("live input read failed", "error", err)
			}
			return
		}
	}
}
