package workload

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"text/template"
)

// SeqParams carries the correlation parameters for one request of a
// sequence.
type SeqParams struct {
	ID    uint64
	Start bool
	End   bool
}

// Generator builds request bodies for the model under test. Tensor contents
// are synthesized once at construction and reused for every request, so the
// send path only assembles the envelope. Template mode renders per request
// instead.
type Generator struct {
	spec   *ModelSpec
	inputs json.RawMessage

	engine *TemplateEngine
	tmpl   *template.Template
}

func NewGenerator(spec *ModelSpec) (*Generator, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	g := &Generator{spec: spec}

	if spec.DataMode == DataTemplate {
		text := spec.BodyTemplate
		if spec.BodyTemplateFile != "" {
			raw, err := os.ReadFile(spec.BodyTemplateFile)
			if err != nil {
				return nil, fmt.Errorf("reading body template: %w", err)
			}
			text = string(raw)
		}
		g.engine = NewTemplateEngine()
		tmpl, err := g.engine.Parse(spec.Name, text)
		if err != nil {
			return nil, fmt.Errorf("parsing body template: %w", err)
		}
		g.tmpl = tmpl
		return g, nil
	}

	inputs, err := g.buildInputs()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("encoding input tensors: %w", err)
	}
	g.inputs = raw
	return g, nil
}

type inferInput struct {
	Name     string          `json:"name"`
	Shape    []int64         `json:"shape"`
	Datatype string          `json:"datatype"`
	Data     json.RawMessage `json:"data"`
}

type inferEnvelope struct {
	ID         string          `json:"id,omitempty"`
	Inputs     json.RawMessage `json:"inputs,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty"`
}

// Body assembles one request body. requestID lands in the envelope id field;
// seq, when non-nil, adds the correlation parameters a stateful endpoint
// expects.
func (g *Generator) Body(requestID string, seq *SeqParams) ([]byte, error) {
	if g.tmpl != nil {
		var seqID uint64
		if seq != nil {
			seqID = seq.ID
		}
		out, err := g.engine.Execute(g.tmpl, TemplateData{
			Model:      g.spec.Name,
			RequestID:  requestID,
			SequenceID: seqID,
		})
		if err != nil {
			return nil, fmt.Errorf("rendering body template: %w", err)
		}
		return []byte(out), nil
	}

	env := inferEnvelope{ID: requestID, Inputs: g.inputs}
	if seq != nil {
		env.Parameters = map[string]any{
			"sequence_id": seq.ID,
		}
		if seq.Start {
			env.Parameters["sequence_start"] = true
		}
		if seq.End {
			env.Parameters["sequence_end"] = true
		}
	}
	return json.Marshal(env)
}

func (g *Generator) buildInputs() ([]inferInput, error) {
	var fileData map[string]json.RawMessage
	if g.spec.DataMode == DataFile {
		raw, err := os.ReadFile(g.spec.DataFile)
		if err != nil {
			return nil, fmt.Errorf("reading input data file: %w", err)
		}
		if err := json.Unmarshal(raw, &fileData); err != nil {
			return nil, fmt.Errorf("parsing input data file: %w", err)
		}
	}

	inputs := make([]inferInput, 0, len(g.spec.Inputs))
	for _, t := range g.spec.Inputs {
		in := inferInput{
			Name:     t.Name,
			Shape:    g.spec.WireShape(t),
			Datatype: t.Datatype,
		}
		switch g.spec.DataMode {
		case DataFile:
			raw, ok := fileData[t.Name]
			if !ok {
				return nil, fmt.Errorf("input data file has no entry for tensor %q", t.Name)
			}
			in.Data = raw
		default:
			count := t.Elements() * int64(g.spec.Batch())
			data, err := g.tensorData(t.Datatype, count)
			if err != nil {
				return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
			}
			in.Data = data
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// tensorData synthesizes count elements of the given datatype as a JSON
// array, zeroed or random per the spec's data mode.
func (g *Generator) tensorData(datatype string, count int64) (json.RawMessage, error) {
	zero := g.spec.DataMode == DataZero
	switch strings.ToUpper(datatype) {
	case "FP16", "FP32", "FP64":
		vals := make([]float64, count)
		if !zero {
			for i := range vals {
				vals[i] = rand.Float64()
			}
		}
		return json.Marshal(vals)
	case "INT8", "INT16", "INT32", "INT64", "UINT8", "UINT16", "UINT32", "UINT64":
		vals := make([]int64, count)
		if !zero {
			for i := range vals {
				vals[i] = int64(rand.Intn(127))
			}
		}
		return json.Marshal(vals)
	case "BOOL":
		vals := make([]bool, count)
		if !zero {
			for i := range vals {
				vals[i] = rand.Intn(2) == 1
			}
		}
		return json.Marshal(vals)
	case "BYTES":
		vals := make([]string, count)
		for i := range vals {
			if zero {
				vals[i] = strings.Repeat("0", g.spec.StringLength)
			} else {
				vals[i] = randomString(g.spec.StringLength)
			}
		}
		return json.Marshal(vals)
	default:
		return nil, fmt.Errorf("unsupported datatype %q", datatype)
	}
}

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
