package gguf

import "fmt"

const (
	GGUFMagic        = 0x46554747 // "GGUF"
	GGUFVersion      = 3
	DefaultAlignment = 32
)

type GGMLType uint32

const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ4_1 GGMLType = 3
	GGMLTypeQ5_0 GGMLType = 6
	GGMLTypeQ8_0 GGMLType = 8
	GGMLTypeQ3_K GGMLType = 11
	GGMLTypeQ4_K GGMLType = 12
	GGMLTypeQ6_K GGMLType = 14
	GGMLTypeBF16 GGMLType = 30
)

type GGUFMetadataValueType uint32

const (
	GGUFMetadataValueTypeUint8   GGUFMetadataValueType = 0
	GGUFMetadataValueTypeInt8    GGUFMetadataValueType = 1
	GGUFMetadataValueTypeUint16  GGUFMetadataValueType = 2
	GGUFMetadataValueTypeInt16   GGUFMetadataValueType = 3
	GGUFMetadataValueTypeUint32  GGUFMetadataValueType = 4
	GGUFMetadataValueTypeInt32   GGUFMetadataValueType = 5
	GGUFMetadataValueTypeFloat32 GGUFMetadataValueType = 6
	GGUFMetadataValueTypeBool    GGUFMetadataValueType = 7
	GGUFMetadataValueTypeString  GGUFMetadataValueType = 8
	GGUFMetadataValueTypeArray   GGUFMetadataValueType = 9
	GGUFMetadataValueTypeUint64  GGUFMetadataValueType = 10
	GGUFMetadataValueTypeInt64   GGUFMetadataValueType = 11
	GGUFMetadataValueTypeFloat64 GGUFMetadataValueType = 12
)

type TensorInfo struct {
	Name       string
	Dimensions []uint64 // ne (number of elements) in each dimension
	Type       GGMLType
	Offset     uint64 // Offset relative to data start
	Data       []byte // Byte slice into the mmap'd file, SizeBytes long
}

func (t *TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

// blockLayout returns elements per block and bytes per block.
func (t GGMLType) blockLayout() (uint64, uint64) {
	switch t {
	case GGMLTypeF32:
		return 1, 4
	case GGMLTypeF16, GGMLTypeBF16:
		return 1, 2
	case GGMLTypeQ4_0:
		return 32, 18
	case GGMLTypeQ5_0:
		return 32, 22
	case GGMLTypeQ8_0:
		return 32, 34
	case GGMLTypeQ3_K:
		return 256, 110
	case GGMLTypeQ4_K:
		return 256, 144
	case GGMLTypeQ6_K:
		return 256, 210
	default:
		return 0, 0
	}
}

// SizeBytes is the encoded size of the tensor, or 0 for unknown types.
func (t *TensorInfo) SizeBytes() uint64 {
	per, size := t.Type.blockLayout()
	if per == 0 {
		return 0
	}
	return t.Elements() / per * size
}

type GGUFFile struct {
	Header     GGUFHeader
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	Data       []byte // The raw mmap'd data
	DataOffset uint64 // Offset where the tensor data starts

	mapped bool
}

type GGUFHeader struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// Error types
type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}

func (t GGMLType) String() string {
	switch t {
	case GGMLTypeF32:
		return "F32"
	case GGMLTypeF16:
		return "F16"
	case GGMLTypeBF16:
		return "BF16"
	case GGMLTypeQ4_0:
		return "Q4_0"
	case GGMLTypeQ4_1:
		return "Q4_1"
	case GGMLTypeQ5_0:
		return "Q5_0"
	case GGMLTypeQ8_0:
		return "Q8_0"
	case GGMLTypeQ3_K:
		return "Q3_K"
	case GGMLTypeQ4_K:
		return "Q4_K"
	case GGMLTypeQ6_K:
		return "Q6_K"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", t)
	}
}
