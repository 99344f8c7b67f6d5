package models

import (
	"encoding/json"
	"fmt"
)

// ScoreRequest is the wire shape accepted by serving processes: a table in
// split orientation. data holds one inner slice per row, one value per column,
// aligned to columns.
type ScoreRequest struct {
	Columns []string        `json:"columns"`
	Index   []interface{}   `json:"index,omitempty"`
	Data    [][]interface{} `json:"data"`
}

// Validate checks row/column alignment before the request is forwarded.
func (r *ScoreRequest) Validate() error {
	if len(r.Columns) == 0 {
		return fmt.Errorf("columns must not be empty")
	}
	for i, row := range r.Data {
		if len(row) != len(r.Columns) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(r.Columns))
		}
	}
	if len(r.Index) > 0 && len(r.Index) != len(r.Data) {
		return fmt.Errorf("index length %d does not match row count %d", len(r.Index), len(r.Data))
	}
	return nil
}

// ScoreResponse is the serving process response, passed through unmodified.
// Its schema is model-defined; it is only required to be valid JSON.
type ScoreResponse = json.RawMessage
