// Package safetensors memory-maps one or more .safetensors shards and
// exposes them as a tensor.Store.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/23skdu/longbow-qasr/internal/logger"
	"github.com/23skdu/longbow-qasr/internal/tensor"
)

const maxHeader = 100 << 20

type header struct {
	DType   string   `json:"dtype"`
	Shape   []int64  `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

type shard struct {
	path string
	data []byte
}

// Store is a set of mapped shards. Tensor data aliases the mappings and is
// valid until Close.
type Store struct {
	shards  []*shard
	tensors map[string]tensor.Tensor
	size    int64
}

// Shards lists the weight files of a model directory: model.safetensors,
// or every model-*.safetensors shard in name order.
func Shards(dir string) ([]string, error) {
	single := filepath.Join(dir, "model.safetensors")
	if _, err := os.Stat(single); err == nil {
		return []string{single}, nil
	}
	paths, err := filepath.Glob(filepath.Join(dir, "model-*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no safetensors files in %s", dir)
	}
	sort.Strings(paths)
	return paths, nil
}

// OpenDir opens all shards of a model directory.
func OpenDir(dir string) (*Store, error) {
	paths, err := Shards(dir)
	if err != nil {
		return nil, err
	}
	return Open(paths...)
}

// Open maps the given files. A tensor name present in several shards
// resolves to the first.
func Open(paths ...string) (*Store, error) {
	s := &Store{tensors: map[string]tensor.Tensor{}}
	for _, p := range paths {
		sh, err := mapFile(p)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.shards = append(s.shards, sh)
		s.size += int64(len(sh.data))
		if err := s.index(sh); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	logger.Log.Debug("safetensors opened", "shards", len(paths), "tensors", len(s.tensors), "bytes", s.size)
	return s, nil
}

func mapFile(path string) (*shard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < 8 {
		return nil, fmt.Errorf("%s: file too small", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &shard{path: path, data: data}, nil
}

func parseDType(s string) (tensor.DType, error) {
	switch strings.ToUpper(s) {
	case "F32":
		return tensor.F32, nil
	case "F16":
		return tensor.F16, nil
	case "BF16":
		return tensor.BF16, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", s)
}

func (s *Store) index(sh *shard) error {
	n := binary.LittleEndian.Uint64(sh.data)
	if n > maxHeader || 8+n > uint64(len(sh.data)) {
		return fmt.Errorf("bad header length %d", n)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(sh.data[8:8+n], &raw); err != nil {
		return fmt.Errorf("parse header: %w", err)
	}
	body := sh.data[8+n:]
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		if _, dup := s.tensors[name]; dup {
			continue
		}
		var h header
		if err := json.Unmarshal(msg, &h); err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		dt, err := parseDType(h.DType)
		if err != nil {
			logger.Log.Debug("skipping tensor", "name", name, "dtype", h.DType)
			continue
		}
		start, end := h.Offsets[0], h.Offsets[1]
		if start < 0 || end < start || end > int64(len(body)) {
			return fmt.Errorf("tensor %s: offsets [%d,%d) out of range", name, start, end)
		}
		s.tensors[name] = tensor.Tensor{Name: name, DType: dt, Shape: h.Shape, Data: body[start:end]}
	}
	return nil
}

func (s *Store) Find(name string) (tensor.Tensor, bool) {
	t, ok := s.tensors[name]
	return t, ok
}

// Names returns all tensor names, sorted.
func (s *Store) Names() []string {
	out := make([]string, 0, len(s.tensors))
	for n := range s.tensors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SourceSize is the summed size of all shard files.
func (s *Store) SourceSize() int64 {
	return s.size
}

func (s *Store) Close() error {
	var first error
	for _, sh := range s.shards {
		if err := unix.Munmap(sh.data); err != nil && first == nil {
			first = err
		}
	}
	s.shards = nil
	s.tensors = nil
	return first
}
