package engine

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/23skdu/longbow-qasr/internal/quant"
)

// QCacheFile is the name of the quantized weight cache inside the cache
// directory.
const QCacheFile = "model.qcache"

const (
	qcacheMagic   = 0x31435141 // "AQC1"
	qcacheVersion = 1
)

// qcacheHeader precedes the blocks. Byte counts are per layer for the
// layered groups. The payload order is: every encoder layer (wq wk wv wo
// fc1 fc2), conv_out, proj1, proj2, every decoder layer (wq wk wv wo
// gate_up down), then the Q4_K token embedding.
type qcacheHeader struct {
	Magic      uint32
	Version    uint32
	SourceSize uint64
	EncLayers  uint32
	DecLayers  uint32

	EncWq, EncWk, EncWv, EncWo uint32
	EncFc1, EncFc2             uint32
	EncConvOut                 uint32
	EncProj1, EncProj2         uint32

	DecWq, DecWk, DecWv, DecWo uint32
	DecGateUp, DecDown         uint32
	DecTokEmb                  uint32

	Reserved [3]uint32
}

func q8Bytes(rows, cols int) uint32 {
	return uint32(rows * (cols / quant.QK8) * quant.SizeQ8)
}

func q4kBytes(rows, cols int) uint32 {
	return uint32(rows * (cols / quant.QK) * quant.SizeQ4K)
}

// expectedHeader derives the header for cfg and a store size.
func expectedHeader(cfg ModelConfig, sourceSize int64) qcacheHeader {
	d, ffn, hidden := cfg.EncDModel, cfg.EncFFN, cfg.DecHidden
	return qcacheHeader{
		Magic:      qcacheMagic,
		Version:    qcacheVersion,
		SourceSize: uint64(sourceSize),
		EncLayers:  uint32(cfg.EncLayers),
		DecLayers:  uint32(cfg.DecLayers),

		EncWq:      q8Bytes(d, d),
		EncWk:      q8Bytes(d, d),
		EncWv:      q8Bytes(d, d),
		EncWo:      q8Bytes(d, d),
		EncFc1:     q8Bytes(ffn, d),
		EncFc2:     q8Bytes(d, ffn),
		EncConvOut: q8Bytes(d, cfg.ConvProj),
		EncProj1:   q8Bytes(d, d),
		EncProj2:   q8Bytes(cfg.EncOutput, d),

		DecWq:     q4kBytes(cfg.QDim(), hidden),
		DecWk:     q4kBytes(cfg.KVDim(), hidden),
		DecWv:     q4kBytes(cfg.KVDim(), hidden),
		DecWo:     q4kBytes(hidden, cfg.QDim()),
		DecGateUp: q4kBytes(2*cfg.DecInter, hidden),
		DecDown:   q4kBytes(hidden, cfg.DecInter),
		DecTokEmb: q4kBytes(cfg.Vocab, hidden),
	}
}

func (h qcacheHeader) payloadSize() int64 {
	enc := int64(h.EncWq) + int64(h.EncWk) + int64(h.EncWv) + int64(h.EncWo) + int64(h.EncFc1) + int64(h.EncFc2)
	dec := int64(h.DecWq) + int64(h.DecWk) + int64(h.DecWv) + int64(h.DecWo) + int64(h.DecGateUp) + int64(h.DecDown)
	return int64(h.EncLayers)*enc + int64(h.EncConvOut) + int64(h.EncProj1) + int64(h.EncProj2) +
		int64(h.DecLayers)*dec + int64(h.DecTokEmb)
}

// validate compares a header read from disk against the expected one.
func (h qcacheHeader) validate(want qcacheHeader, fileSize int64) error {
	switch {
	case h.Magic != want.Magic:
		return fmt.Errorf("%w: bad magic %#x", ErrCacheInvalid, h.Magic)
	case h.Version != want.Version:
		return fmt.Errorf("%w: version %d, want %d", ErrCacheInvalid, h.Version, want.Version)
	case h.EncLayers != want.EncLayers || h.DecLayers != want.DecLayers:
		return fmt.Errorf("%w: %d/%d layers, want %d/%d", ErrCacheInvalid, h.EncLayers, h.DecLayers, want.EncLayers, want.DecLayers)
	case h.SourceSize != want.SourceSize:
		return fmt.Errorf("%w: source size %d, weights are %d bytes", ErrCacheInvalid, h.SourceSize, want.SourceSize)
	}
	h.Reserved = want.Reserved
	if h != want {
		return fmt.Errorf("%w: tensor sizes do not match the model", ErrCacheInvalid)
	}
	if total := int64(binary.Size(h)) + want.payloadSize(); fileSize != total {
		return fmt.Errorf("%w: file is %d bytes, want %d", ErrCacheInvalid, fileSize, total)
	}
	return nil
}

// QCachePath returns the cache file location inside dir.
func QCachePath(dir string) string {
	return filepath.Join(dir, QCacheFile)
}

func readHeader(r io.Reader, h *qcacheHeader) error {
	if err := binary.Read(r, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("%w: short header: %v", ErrCacheInvalid, err)
	}
	return nil
}

type blockReader struct {
	r   io.Reader
	buf []byte
	err error
}

func (br *blockReader) next(n uint32) []byte {
	if br.err != nil {
		return nil
	}
	if cap(br.buf) < int(n) {
		br.buf = make([]byte, n)
	}
	b := br.buf[:n]
	if _, err := io.ReadFull(br.r, b); err != nil {
		br.err = err
		return nil
	}
	return b
}

func (br *blockReader) q8(n uint32) []quant.BlockQ8 {
	b := br.next(n)
	if b == nil {
		return nil
	}
	out := make([]quant.BlockQ8, int(n)/quant.SizeQ8)
	if err := quant.DecodeQ8(out, b); err != nil {
		br.err = err
	}
	return out
}

func (br *blockReader) q4k(n uint32) []quant.BlockQ4K {
	b := br.next(n)
	if b == nil {
		return nil
	}
	out := make([]quant.BlockQ4K, int(n)/quant.SizeQ4K)
	if err := quant.DecodeQ4K(out, b); err != nil {
		br.err = err
	}
	return out
}

// readQCache fills the quantized matrices of w from path. Any mismatch
// with cfg or sourceSize returns an error wrapping ErrCacheInvalid and
// leaves nothing usable; the caller requantizes.
func readQCache(path string, cfg ModelConfig, sourceSize int64, w *Weights) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	r := bufio.NewReaderSize(f, 1<<20)
	var h qcacheHeader
	if err := readHeader(r, &h); err != nil {
		return err
	}
	if err := h.validate(expectedHeader(cfg, sourceSize), st.Size()); err != nil {
		return err
	}

	br := &blockReader{r: r}
	w.Enc.Layers = make([]EncoderLayer, cfg.EncLayers)
	for i := range w.Enc.Layers {
		l := &w.Enc.Layers[i]
		l.Wq, l.Wk, l.Wv, l.Wo = br.q8(h.EncWq), br.q8(h.EncWk), br.q8(h.EncWv), br.q8(h.EncWo)
		l.Fc1, l.Fc2 = br.q8(h.EncFc1), br.q8(h.EncFc2)
	}
	w.Enc.ConvOut = br.q8(h.EncConvOut)
	w.Enc.Proj1 = br.q8(h.EncProj1)
	w.Enc.Proj2 = br.q8(h.EncProj2)

	w.Dec.Layers = make([]DecoderLayer, cfg.DecLayers)
	for i := range w.Dec.Layers {
		l := &w.Dec.Layers[i]
		l.Wq, l.Wk, l.Wv, l.Wo = br.q4k(h.DecWq), br.q4k(h.DecWk), br.q4k(h.DecWv), br.q4k(h.DecWo)
		l.GateUp, l.Down = br.q4k(h.DecGateUp), br.q4k(h.DecDown)
	}
	w.Dec.TokEmbQ4K = br.q4k(h.DecTokEmb)
	if br.err != nil {
		return fmt.Errorf("%w: %v", ErrCacheInvalid, br.err)
	}
	return nil
}

// writeQCache serializes the quantized matrices of w. The file is written
// under a temporary name and renamed into place.
func writeQCache(path string, cfg ModelConfig, sourceSize int64, w *Weights) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".qcache-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriterSize(tmp, 1<<20)
	h := expectedHeader(cfg, sourceSize)
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		tmp.Close()
		return err
	}

	var buf []byte
	q8 := func(b []quant.BlockQ8) {
		buf = quant.EncodeQ8(buf[:0], b)
		_, _ = bw.Write(buf)
	}
	q4 := func(b []quant.BlockQ4K) {
		buf = quant.EncodeQ4K(buf[:0], b)
		_, _ = bw.Write(buf)
	}
	for i := range w.Enc.Layers {
		l := &w.Enc.Layers[i]
		for _, b := range [][]quant.BlockQ8{l.Wq, l.Wk, l.Wv, l.Wo, l.Fc1, l.Fc2} {
			q8(b)
		}
	}
	q8(w.Enc.ConvOut)
	q8(w.Enc.Proj1)
	q8(w.Enc.Proj2)
	for i := range w.Dec.Layers {
		l := &w.Dec.Layers[i]
		for _, b := range [][]quant.BlockQ4K{l.Wq, l.Wk, l.Wv, l.Wo, l.GateUp, l.Down} {
			q4(b)
		}
	}
	q4(w.Dec.TokEmbQ4K)

	// bufio.Writer keeps the first write error.
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
