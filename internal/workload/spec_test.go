package workload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSpec(t *testing.T) {
	spec := DefaultSpec("resnet50")
	require.NoError(t, spec.Validate())
	assert.Equal(t, "resnet50", spec.Name)
	assert.Equal(t, DataRandom, spec.DataMode)
	require.Len(t, spec.Inputs, 1)
	assert.Equal(t, "FP32", spec.Inputs[0].Datatype)
	assert.Equal(t, int64(16), spec.Inputs[0].Elements())
}

func TestTensorSpec_Elements(t *testing.T) {
	assert.Equal(t, int64(24), TensorSpec{Shape: []int64{2, 3, 4}}.Elements())
	assert.Equal(t, int64(1), TensorSpec{Shape: []int64{1}}.Elements())
}

func TestModelSpec_Validate(t *testing.T) {
	valid := func() *ModelSpec {
		return &ModelSpec{
			Name:     "m",
			DataMode: DataRandom,
			Inputs:   []TensorSpec{{Name: "IN", Datatype: "FP32", Shape: []int64{4}}},
		}
	}

	cases := []struct {
		name   string
		mutate func(*ModelSpec)
	}{
		{"missing name", func(m *ModelSpec) { m.Name = "" }},
		{"negative batch", func(m *ModelSpec) { m.BatchSize = -1 }},
		{"random mode without inputs", func(m *ModelSpec) { m.Inputs = nil }},
		{"file mode without data file", func(m *ModelSpec) { m.DataMode = DataFile }},
		{"template mode without template", func(m *ModelSpec) { m.DataMode = DataTemplate }},
		{"template mode with both sources", func(m *ModelSpec) {
			m.DataMode = DataTemplate
			m.BodyTemplate = "{}"
			m.BodyTemplateFile = "x.tmpl"
		}},
		{"unknown data mode", func(m *ModelSpec) { m.DataMode = "garbage" }},
		{"input without name", func(m *ModelSpec) { m.Inputs[0].Name = "" }},
		{"input without shape", func(m *ModelSpec) { m.Inputs[0].Shape = nil }},
		{"non-positive dim", func(m *ModelSpec) { m.Inputs[0].Shape = []int64{0} }},
		{"stateful bad range", func(m *ModelSpec) {
			m.Stateful = true
			m.Sequence = SequenceSpec{Range: 0, Length: 5}
		}},
		{"stateful bad length", func(m *ModelSpec) {
			m.Stateful = true
			m.Sequence = SequenceSpec{Range: 2, Length: 0}
		}},
		{"stateful bad jitter", func(m *ModelSpec) {
			m.Stateful = true
			m.Sequence = SequenceSpec{Range: 2, Length: 5, LengthJitter: 1.5}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := valid()
			tc.mutate(spec)
			assert.Error(t, spec.Validate())
		})
	}

	assert.NoError(t, valid().Validate())
}

func TestModelSpec_BatchAndWireShape(t *testing.T) {
	m := &ModelSpec{BatchSize: 4}
	in := TensorSpec{Shape: []int64{3, 224}}

	assert.Equal(t, 4, m.Batch())
	assert.Equal(t, []int64{4, 3, 224}, m.WireShape(in))

	m.BatchSize = 0
	assert.Equal(t, 1, m.Batch())
	assert.Equal(t, []int64{3, 224}, m.WireShape(in))
}

func TestLoadSpec(t *testing.T) {
	t.Run("full spec with defaults applied", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "model.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
name: lstm
batch_size: 2
stateful: true
inputs:
  - name: INPUT0
    datatype: FP32
    shape: [8, 8]
`), 0o644))

		spec, err := LoadSpec(path)
		require.NoError(t, err)
		assert.Equal(t, "lstm", spec.Name)
		assert.Equal(t, 2, spec.BatchSize)
		assert.Equal(t, DataRandom, spec.DataMode)
		assert.True(t, spec.Stateful)
		assert.Equal(t, uint64(1), spec.Sequence.StartID)
		assert.Equal(t, 4, spec.Sequence.Range)
		assert.Equal(t, defaultSequenceLength, spec.Sequence.Length)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadSpec(filepath.Join(t.TempDir(), "gone.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))
		_, err := LoadSpec(path)
		assert.Error(t, err)
	})

	t.Run("invalid spec rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("name: m\ninputs: []\n"), 0o644))
		_, err := LoadSpec(path)
		assert.Error(t, err)
	})
}
