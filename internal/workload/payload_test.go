package workload

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireInput struct {
	Name     string          `json:"name"`
	Shape    []int64         `json:"shape"`
	Datatype string          `json:"datatype"`
	Data     json.RawMessage `json:"data"`
}

type wireBody struct {
	ID         string         `json:"id"`
	Inputs     []wireInput    `json:"inputs"`
	Parameters map[string]any `json:"parameters"`
}

func decodeBody(t *testing.T, raw []byte) wireBody {
	t.Helper()
	var body wireBody
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func TestGenerator_RandomBody(t *testing.T) {
	spec := &ModelSpec{
		Name:      "m",
		BatchSize: 2,
		DataMode:  DataRandom,
		Inputs:    []TensorSpec{{Name: "INPUT0", Datatype: "FP32", Shape: []int64{3}}},
	}
	gen, err := NewGenerator(spec)
	require.NoError(t, err)

	raw, err := gen.Body("req-1", nil)
	require.NoError(t, err)
	body := decodeBody(t, raw)

	assert.Equal(t, "req-1", body.ID)
	assert.Nil(t, body.Parameters)
	require.Len(t, body.Inputs, 1)
	assert.Equal(t, "INPUT0", body.Inputs[0].Name)
	assert.Equal(t, "FP32", body.Inputs[0].Datatype)
	assert.Equal(t, []int64{2, 3}, body.Inputs[0].Shape, "batch dim is prepended")

	var vals []float64
	require.NoError(t, json.Unmarshal(body.Inputs[0].Data, &vals))
	assert.Len(t, vals, 6, "batch * elements values")
}

func TestGenerator_TensorsSynthesizedOnce(t *testing.T) {
	gen, err := NewGenerator(DefaultSpec("m"))
	require.NoError(t, err)

	a, err := gen.Body("a", nil)
	require.NoError(t, err)
	b, err := gen.Body("b", nil)
	require.NoError(t, err)

	assert.Equal(t, decodeBody(t, a).Inputs, decodeBody(t, b).Inputs)
}

func TestGenerator_ZeroData(t *testing.T) {
	spec := &ModelSpec{
		Name:     "m",
		DataMode: DataZero,
		Inputs:   []TensorSpec{{Name: "IN", Datatype: "INT32", Shape: []int64{4}}},
	}
	gen, err := NewGenerator(spec)
	require.NoError(t, err)

	raw, err := gen.Body("", nil)
	require.NoError(t, err)
	body := decodeBody(t, raw)

	var vals []int64
	require.NoError(t, json.Unmarshal(body.Inputs[0].Data, &vals))
	require.Len(t, vals, 4)
	for _, v := range vals {
		assert.Zero(t, v)
	}
}

func TestGenerator_BytesData(t *testing.T) {
	spec := &ModelSpec{
		Name:         "m",
		DataMode:     DataRandom,
		StringLength: 8,
		Inputs:       []TensorSpec{{Name: "TEXT", Datatype: "BYTES", Shape: []int64{2}}},
	}
	gen, err := NewGenerator(spec)
	require.NoError(t, err)

	raw, err := gen.Body("", nil)
	require.NoError(t, err)
	body := decodeBody(t, raw)

	var vals []string
	require.NoError(t, json.Unmarshal(body.Inputs[0].Data, &vals))
	require.Len(t, vals, 2)
	for _, s := range vals {
		assert.Len(t, s, 8)
	}
}

func TestGenerator_SequenceParameters(t *testing.T) {
	gen, err := NewGenerator(DefaultSpec("m"))
	require.NoError(t, err)

	t.Run("sequence start", func(t *testing.T) {
		raw, err := gen.Body("r", &SeqParams{ID: 42, Start: true})
		require.NoError(t, err)
		params := decodeBody(t, raw).Parameters
		assert.Equal(t, float64(42), params["sequence_id"])
		assert.Equal(t, true, params["sequence_start"])
		assert.NotContains(t, params, "sequence_end")
	})

	t.Run("sequence middle", func(t *testing.T) {
		raw, err := gen.Body("r", &SeqParams{ID: 42})
		require.NoError(t, err)
		params := decodeBody(t, raw).Parameters
		assert.Equal(t, float64(42), params["sequence_id"])
		assert.NotContains(t, params, "sequence_start")
		assert.NotContains(t, params, "sequence_end")
	})

	t.Run("sequence end", func(t *testing.T) {
		raw, err := gen.Body("r", &SeqParams{ID: 42, End: true})
		require.NoError(t, err)
		params := decodeBody(t, raw).Parameters
		assert.Equal(t, true, params["sequence_end"])
	})
}

func TestGenerator_FileData(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "inputs.json")
	require.NoError(t, os.WriteFile(dataPath, []byte(`{"IN": [1.5, 2.5]}`), 0o644))

	spec := &ModelSpec{
		Name:     "m",
		DataMode: DataFile,
		DataFile: dataPath,
		Inputs:   []TensorSpec{{Name: "IN", Datatype: "FP32", Shape: []int64{2}}},
	}
	gen, err := NewGenerator(spec)
	require.NoError(t, err)

	raw, err := gen.Body("", nil)
	require.NoError(t, err)
	body := decodeBody(t, raw)
	assert.JSONEq(t, `[1.5, 2.5]`, string(body.Inputs[0].Data))

	t.Run("missing tensor entry", func(t *testing.T) {
		bad := *spec
		bad.Inputs = []TensorSpec{{Name: "OTHER", Datatype: "FP32", Shape: []int64{2}}}
		_, err := NewGenerator(&bad)
		assert.Error(t, err)
	})
}

func TestGenerator_UnsupportedDatatype(t *testing.T) {
	spec := &ModelSpec{
		Name:     "m",
		DataMode: DataRandom,
		Inputs:   []TensorSpec{{Name: "IN", Datatype: "COMPLEX128", Shape: []int64{1}}},
	}
	_, err := NewGenerator(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported datatype")
}

func TestGenerator_TemplateBody(t *testing.T) {
	spec := &ModelSpec{
		Name:         "chat",
		DataMode:     DataTemplate,
		BodyTemplate: `{"model": "{{model}}", "id": "{{requestID}}", "seq": {{sequenceID}}}`,
	}
	gen, err := NewGenerator(spec)
	require.NoError(t, err)

	raw, err := gen.Body("req-9", &SeqParams{ID: 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"model": "chat", "id": "req-9", "seq": 7}`, string(raw))
}

func TestGenerator_TemplateFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "body.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(`{"who": "{{model}}"}`), 0o644))

	spec := &ModelSpec{
		Name:             "m",
		DataMode:         DataTemplate,
		BodyTemplateFile: path,
	}
	gen, err := NewGenerator(spec)
	require.NoError(t, err)

	raw, err := gen.Body("", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"who": "m"}`, string(raw))
}

func TestTemplateEngine_Functions(t *testing.T) {
	e := NewTemplateEngine()

	t.Run("randomInt stays in range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			v := e.randomInt(5, 10)
			assert.GreaterOrEqual(t, v, 5)
			assert.Less(t, v, 10)
		}
	})

	t.Run("randomChoice picks from the set", func(t *testing.T) {
		choices := map[string]bool{"a": true, "b": true, "c": true}
		for i := 0; i < 20; i++ {
			assert.True(t, choices[e.randomChoice("a", "b", "c")])
		}
		assert.Equal(t, "", e.randomChoice())
	})

	t.Run("randomUUID is well formed", func(t *testing.T) {
		_, err := uuid.Parse(e.randomUUID())
		assert.NoError(t, err)
	})

	t.Run("randomLine reads and caches", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "lines.txt")
		require.NoError(t, os.WriteFile(path, []byte("alpha\n\nbeta\n"), 0o644))

		seen := map[string]bool{}
		for i := 0; i < 20; i++ {
			line, err := e.randomLine(path)
			require.NoError(t, err)
			seen[line] = true
		}
		for line := range seen {
			assert.Contains(t, []string{"alpha", "beta"}, line)
		}
	})

	t.Run("randomLine missing file", func(t *testing.T) {
		_, err := e.randomLine(filepath.Join(t.TempDir(), "nope.txt"))
		assert.Error(t, err)
	})
}

func TestTemplateEngine_Preprocess(t *testing.T) {
	e := NewTemplateEngine()
	out := e.Preprocess(`{{model}} {{requestID}} {{sequenceID}} {{randomInt 1 3}}`)
	assert.Equal(t, `{{.Model}} {{.RequestID}} {{.SequenceID}} {{randomInt 1 3}}`, out)
}
