package gguf

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

type MetadataAnalyzer struct {
	file *GGUFFile
}

func NewMetadataAnalyzer(file *GGUFFile) *MetadataAnalyzer {
	return &MetadataAnalyzer{file: file}
}

type AnalysisReport struct {
	Architecture    string
	ModelName       string
	Hyperparameters map[string]uint64
	TypeCounts      map[string]int
	TotalParameters int64
	TensorCount     int
	DataBytes       int64
}

func (a *MetadataAnalyzer) Analyze() *AnalysisReport {
	report := &AnalysisReport{
		TensorCount:     len(a.file.Tensors),
		Hyperparameters: map[string]uint64{},
		TypeCounts:      map[string]int{},
	}
	report.Architecture, _ = a.file.Text("general.architecture")
	report.ModelName, _ = a.file.Text("general.name")

	if report.Architecture != "" {
		prefix := report.Architecture + "."
		for k := range a.file.KV {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if v, ok := a.file.Uint(k); ok {
				report.Hyperparameters[strings.TrimPrefix(k, prefix)] = v
			}
		}
	}

	for _, t := range a.file.Tensors {
		report.TotalParameters += int64(t.Elements())
		report.DataBytes += int64(t.SizeBytes())
		report.TypeCounts[t.Type.String()]++
	}
	return report
}

func (r *AnalysisReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Architecture:     %s\n", r.Architecture)
	if r.ModelName != "" {
		fmt.Fprintf(&b, "Model Name:       %s\n", r.ModelName)
	}
	fmt.Fprintf(&b, "Total Tensors:    %d\n", r.TensorCount)
	fmt.Fprintf(&b, "Total Parameters: %d (%.2fB)\n", r.TotalParameters, float64(r.TotalParameters)/1e9)
	fmt.Fprintf(&b, "Tensor Data:      %.2f MB\n", float64(r.DataBytes)/(1<<20))

	types := make([]string, 0, len(r.TypeCounts))
	for t := range r.TypeCounts {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(&b, "  %-6s %d tensors\n", t, r.TypeCounts[t])
	}
	return b.String()
}

// ValidateTensors reports tensors whose data ranges overlap or have an
// unknown encoded size.
func (a *MetadataAnalyzer) ValidateTensors() []string {
	var issues []string
	sorted := make([]*TensorInfo, len(a.file.Tensors))
	copy(sorted, a.file.Tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var end uint64
	for i, t := range sorted {
		size := t.SizeBytes()
		if size == 0 {
			issues = append(issues, fmt.Sprintf("%s: unknown size for type %s", t.Name, t.Type))
			continue
		}
		if i > 0 && t.Offset < end {
			issues = append(issues, fmt.Sprintf("%s: offset %d overlaps previous tensor ending at %d", t.Name, t.Offset, end))
		}
		end = t.Offset + size
	}
	return issues
}

type TensorStats struct {
	Name         string
	Type         string
	Dimensions   []uint64
	ElementCount uint64
	SizeBytes    uint64
	MinValue     float64
	MaxValue     float64
	MeanValue    float64
	HasNaN       bool
	HasInf       bool
}

// ComputeStats dequantizes a tensor and summarizes its values.
func (a *MetadataAnalyzer) ComputeStats(tensorName string) (*TensorStats, error) {
	var tensor *TensorInfo
	for _, t := range a.file.Tensors {
		if t.Name == tensorName {
			tensor = t
			break
		}
	}
	if tensor == nil {
		return nil, fmt.Errorf("tensor %s not found", tensorName)
	}

	stats := &TensorStats{
		Name:         tensor.Name,
		Type:         tensor.Type.String(),
		Dimensions:   tensor.Dimensions,
		ElementCount: tensor.Elements(),
		SizeBytes:    tensor.SizeBytes(),
	}
	data, err := Dequantize(tensor)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return stats, nil
	}

	stats.MinValue = math.Inf(1)
	stats.MaxValue = math.Inf(-1)
	var sum float64
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) {
			stats.HasNaN = true
			continue
		}
		if math.IsInf(f, 0) {
			stats.HasInf = true
		}
		stats.MinValue = math.Min(stats.MinValue, f)
		stats.MaxValue = math.Max(stats.MaxValue, f)
		sum += f
	}
	stats.MeanValue = sum / float64(len(data))
	return stats, nil
}
