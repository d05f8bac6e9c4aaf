// Package workload describes the model being driven and builds the request
// payloads sent to it: tensor shapes, batch size, sequence parameters, and
// the input-data generation mode.
package workload

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DataMode selects how tensor contents are produced.
type DataMode string

const (
	// DataRandom fills tensors with random values, generated once and
	// reused for every request.
	DataRandom DataMode = "random"
	// DataZero fills tensors with zero values.
	DataZero DataMode = "zero"
	// DataFile takes tensor contents verbatim from a JSON file keyed by
	// input name.
	DataFile DataMode = "file"
	// DataTemplate renders a user-supplied body template per request
	// instead of synthesizing tensors.
	DataTemplate DataMode = "template"
)

// TensorSpec is one model input.
type TensorSpec struct {
	Name     string  `yaml:"name"`
	Datatype string  `yaml:"datatype"`
	Shape    []int64 `yaml:"shape"`
}

// Elements is the per-batch-item element count.
func (t TensorSpec) Elements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// SequenceSpec configures stateful-model traffic.
type SequenceSpec struct {
	// StartID is the first correlation id to use.
	StartID uint64 `yaml:"start_id"`
	// Range is how many distinct correlation ids may be live at once.
	Range int `yaml:"range"`
	// Length is the base number of requests per sequence.
	Length int `yaml:"length"`
	// LengthJitter perturbs each sequence's length by up to this fraction.
	LengthJitter float64 `yaml:"length_jitter"`
}

// ModelSpec is the shape of the model under test.
type ModelSpec struct {
	Name      string       `yaml:"name"`
	Version   string       `yaml:"version"`
	BatchSize int          `yaml:"batch_size"`
	Inputs    []TensorSpec `yaml:"inputs"`

	// Stateful marks a sequence model; Sequence must then be populated.
	Stateful bool         `yaml:"stateful"`
	Sequence SequenceSpec `yaml:"sequence"`

	DataMode DataMode `yaml:"data_mode"`
	// StringLength sizes generated BYTES elements.
	StringLength int `yaml:"string_length"`
	// DataFile points at the JSON input file for DataFile mode.
	DataFile string `yaml:"data_file"`
	// BodyTemplate / BodyTemplateFile carry the template for DataTemplate
	// mode; at most one may be set.
	BodyTemplate     string `yaml:"body_template"`
	BodyTemplateFile string `yaml:"body_template_file"`
}

const (
	defaultStringLength   = 128
	defaultSequenceLength = 20
)

// DefaultSpec is a minimal single-tensor model used when no spec file is
// given: one FP32 input of 16 elements, random data.
func DefaultSpec(name string) *ModelSpec {
	return &ModelSpec{
		Name:     name,
		DataMode: DataRandom,
		Inputs: []TensorSpec{
			{Name: "INPUT0", Datatype: "FP32", Shape: []int64{16}},
		},
	}
}

// LoadSpec reads a model spec from a YAML file and validates it.
func LoadSpec(path string) (*ModelSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model spec: %w", err)
	}
	var spec ModelSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parsing model spec: %w", err)
	}
	spec.applyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (m *ModelSpec) applyDefaults() {
	if m.DataMode == "" {
		m.DataMode = DataRandom
	}
	if m.StringLength <= 0 {
		m.StringLength = defaultStringLength
	}
	if m.Stateful {
		if m.Sequence.Range <= 0 {
			m.Sequence.Range = 4
		}
		if m.Sequence.Length <= 0 {
			m.Sequence.Length = defaultSequenceLength
		}
		if m.Sequence.StartID == 0 {
			m.Sequence.StartID = 1
		}
	}
}

func (m *ModelSpec) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("model spec: name is required")
	}
	if m.BatchSize < 0 {
		return fmt.Errorf("model spec: batch size must not be negative, got %d", m.BatchSize)
	}
	switch m.DataMode {
	case DataRandom, DataZero:
		if len(m.Inputs) == 0 {
			return fmt.Errorf("model spec: %s data mode needs at least one input tensor", m.DataMode)
		}
	case DataFile:
		if m.DataFile == "" {
			return fmt.Errorf("model spec: file data mode needs data_file")
		}
		if len(m.Inputs) == 0 {
			return fmt.Errorf("model spec: file data mode needs input tensors")
		}
	case DataTemplate:
		if m.BodyTemplate == "" && m.BodyTemplateFile == "" {
			return fmt.Errorf("model spec: template data mode needs body_template or body_template_file")
		}
		if m.BodyTemplate != "" && m.BodyTemplateFile != "" {
			return fmt.Errorf("model spec: body_template and body_template_file are mutually exclusive")
		}
	default:
		return fmt.Errorf("model spec: unknown data mode %q", m.DataMode)
	}
	for i, in := range m.Inputs {
		if in.Name == "" {
			return fmt.Errorf("model spec: input %d has no name", i)
		}
		if len(in.Shape) == 0 && m.DataMode != DataTemplate {
			return fmt.Errorf("model spec: input %q has no shape", in.Name)
		}
		for _, d := range in.Shape {
			if d <= 0 {
				return fmt.Errorf("model spec: input %q has non-positive dim %d", in.Name, d)
			}
		}
	}
	if m.Stateful {
		if m.Sequence.Range < 1 {
			return fmt.Errorf("model spec: sequence range must be at least 1, got %d", m.Sequence.Range)
		}
		if m.Sequence.Length < 1 {
			return fmt.Errorf("model spec: sequence length must be at least 1, got %d", m.Sequence.Length)
		}
		if m.Sequence.LengthJitter < 0 || m.Sequence.LengthJitter >= 1 {
			return fmt.Errorf("model spec: sequence length jitter must be in [0,1), got %g", m.Sequence.LengthJitter)
		}
	}
	return nil
}

// Batch is the per-request inference count used for batch-weighted
// throughput; a spec without batching counts as 1.
func (m *ModelSpec) Batch() int {
	if m.BatchSize > 0 {
		return m.BatchSize
	}
	return 1
}

// WireShape is the shape sent on the wire: the batch dimension is prepended
// when the model batches.
func (m *ModelSpec) WireShape(t TensorSpec) []int64 {
	if m.BatchSize > 0 {
		shape := make([]int64, 0, len(t.Shape)+1)
		shape = append(shape, int64(m.BatchSize))
		return append(shape, t.Shape...)
	}
	return t.Shape
}
