package serving

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sort"

	"github.com/modelmux/modelmux/pkg/models"
)

// LinearModel is the artifact payload produced by the local executor and
// loaded by serving instances: a logistic scorer with one weight per feature
// column. Real deployments would carry a framework-specific bundle here; the
// wire contract only requires that score() consumes the split-orientation
// request and returns JSON.
type LinearModel struct {
	ModelName string             `json:"model_name"`
	Bias      float64            `json:"bias"`
	Weights   map[string]float64 `json:"weights"`
}

// TrainLinearModel derives a deterministic model from the job's resolved
// inputs. Determinism keeps orchestration tests reproducible.
func TrainLinearModel(name string, inputs map[string]string) *LinearModel {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	h.Write([]byte(name))
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(inputs[k]))
	}
	seed := h.Sum64()

	weights := make(map[string]float64, len(keys))
	for i, k := range keys {
		weights[k] = float64((seed>>(uint(i%8)*8))&0xff)/255.0 - 0.5
	}

	return &LinearModel{
		ModelName: name,
		Bias:      float64(seed%1000)/1000.0 - 0.5,
		Weights:   weights,
	}
}

// Marshal serializes the model for the artifact store
func (m *LinearModel) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalModel parses an artifact payload back into a model
func UnmarshalModel(data []byte) (*LinearModel, error) {
	var m LinearModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed model artifact: %w", err)
	}
	return &m, nil
}

// Score applies the model to each row and returns {"predictions": [...]}.
// Unknown columns score with weight zero; non-numeric values contribute
// nothing to the row sum.
func (m *LinearModel) Score(req *models.ScoreRequest) (models.ScoreResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	predictions := make([]float64, len(req.Data))
	for i, row := range req.Data {
		sum := m.Bias
		for j, col := range req.Columns {
			if v, ok := toFloat(row[j]); ok {
				sum += m.Weights[col] * v
			}
		}
		// logistic squash into (0, 1)
		predictions[i] = 1.0 / (1.0 + math.Exp(-sum))
	}

	return json.Marshal(map[string]interface{}{"predictions": predictions})
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
