package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/sys/unix"

	"github.com/23skdu/longbow-qasr/internal/logger"
)

// LoadFile maps a GGUF file into memory and parses headers/metadata.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // the mapping outlives the descriptor
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.mapped = true
	return file, nil
}

// Parse reads a GGUF image held in memory. Tensor data aliases data.
func Parse(data []byte) (*GGUFFile, error) {
	if len(data) < 24 {
		return nil, io.ErrUnexpectedEOF
	}
	file := &GGUFFile{
		Data: data,
		KV:   make(map[string]interface{}),
	}

	offset := uint64(0)
	file.Header.Magic = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}

	file.Header.Version = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}

	file.Header.TensorCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	file.Header.KVCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	logger.Log.Debug("gguf header", "version", file.Header.Version, "tensors", file.Header.TensorCount, "kv", file.Header.KVCount)

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k, n, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n

		if offset+4 > uint64(len(data)) {
			return nil, io.ErrUnexpectedEOF
		}
		valType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		val, n, err := readValue(data, offset, valType)
		if err != nil {
			return nil, fmt.Errorf("kv %q: %w", k, err)
		}
		offset += n

		file.KV[k] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name, n, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n

		if offset+4 > uint64(len(data)) {
			return nil, io.ErrUnexpectedEOF
		}
		dims := binary.LittleEndian.Uint32(data[offset:])
		offset += 4
		if dims > 4 || offset+uint64(dims)*8+12 > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %q: bad dimension count %d", name, dims)
		}

		dimArr := make([]uint64, dims)
		for j := uint32(0); j < dims; j++ {
			dimArr[j] = binary.LittleEndian.Uint64(data[offset:])
			offset += 8
		}

		typ := GGMLType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		tensorOffset := binary.LittleEndian.Uint64(data[offset:])
		offset += 8

		file.Tensors = append(file.Tensors, &TensorInfo{
			Name:       name,
			Dimensions: dimArr,
			Type:       typ,
			Offset:     tensorOffset,
		})
	}

	alignment := uint64(DefaultAlignment)
	switch v := file.KV["general.alignment"].(type) {
	case uint32:
		alignment = uint64(v)
	case uint64:
		alignment = v
	}
	if alignment == 0 {
		alignment = DefaultAlignment
	}

	if rem := offset % alignment; rem != 0 {
		offset += alignment - rem
	}
	file.DataOffset = offset

	for _, t := range file.Tensors {
		size := t.SizeBytes()
		if size == 0 {
			return nil, fmt.Errorf("tensor %q: unsupported type %v", t.Name, t.Type)
		}
		start := offset + t.Offset
		if start+size > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %q: data out of bounds", t.Name)
		}
		t.Data = data[start : start+size]
	}

	return file, nil
}

func readString(data []byte, offset uint64) (string, uint64, error) {
	if offset+8 > uint64(len(data)) {
		return "", 0, io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint64(data[offset:])

	if length > uint64(len(data)) || offset+8+length > uint64(len(data)) {
		return "", 0, io.ErrUnexpectedEOF
	}
	return string(data[offset+8 : offset+8+length]), 8 + length, nil
}

func scalarSize(typ GGUFMetadataValueType) uint64 {
	switch typ {
	case GGUFMetadataValueTypeUint8, GGUFMetadataValueTypeInt8, GGUFMetadataValueTypeBool:
		return 1
	case GGUFMetadataValueTypeUint16, GGUFMetadataValueTypeInt16:
		return 2
	case GGUFMetadataValueTypeUint32, GGUFMetadataValueTypeInt32, GGUFMetadataValueTypeFloat32:
		return 4
	case GGUFMetadataValueTypeUint64, GGUFMetadataValueTypeInt64, GGUFMetadataValueTypeFloat64:
		return 8
	}
	return 0
}

func readValue(data []byte, offset uint64, typ GGUFMetadataValueType) (interface{}, uint64, error) {
	if sz := scalarSize(typ); sz > 0 && offset+sz > uint64(len(data)) {
		return nil, 0, io.ErrUnexpectedEOF
	}
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return data[offset], 1, nil
	case GGUFMetadataValueTypeInt8:
		return int8(data[offset]), 1, nil
	case GGUFMetadataValueTypeUint16:
		return binary.LittleEndian.Uint16(data[offset:]), 2, nil
	case GGUFMetadataValueTypeInt16:
		return int16(binary.LittleEndian.Uint16(data[offset:])), 2, nil
	case GGUFMetadataValueTypeUint32:
		return binary.LittleEndian.Uint32(data[offset:]), 4, nil
	case GGUFMetadataValueTypeInt32:
		return int32(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeBool:
		return data[offset] != 0, 1, nil
	case GGUFMetadataValueTypeString:
		return readString(data, offset)
	case GGUFMetadataValueTypeArray:
		if offset+12 > uint64(len(data)) {
			return nil, 0, io.ErrUnexpectedEOF
		}
		arrType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		arrLen := binary.LittleEndian.Uint64(data[offset+4:])
		if arrLen > uint64(len(data)) {
			return nil, 0, io.ErrUnexpectedEOF
		}
		bytesRead := uint64(12)
		currentOff := offset + 12

		arr := make([]interface{}, 0, arrLen)
		for i := uint64(0); i < arrLen; i++ {
			val, n, err := readValue(data, currentOff, arrType)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, val)
			currentOff += n
			bytesRead += n
		}
		return arr, bytesRead, nil
	case GGUFMetadataValueTypeUint64:
		return binary.LittleEndian.Uint64(data[offset:]), 8, nil
	case GGUFMetadataValueTypeInt64:
		return int64(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	default:
		return nil, 0, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}

// Uint reads an integer metadata value of any width.
func (f *GGUFFile) Uint(key string) (uint64, bool) {
	switch v := f.KV[key].(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int32:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	}
	return 0, false
}

// Text reads a string metadata value.
func (f *GGUFFile) Text(key string) (string, bool) {
	s, ok := f.KV[key].(string)
	return s, ok
}

func (f *GGUFFile) Close() error {
	if !f.mapped {
		return nil
	}
	f.mapped = false
	return unix.Munmap(f.Data)
}
