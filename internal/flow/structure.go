package flow

import (
	"encoding/json"

	"github.com/pytake/orchestrator/internal/database/models"
)

// nodeToJSON flattens a Node tree into the models.JSON blob stored as
// Flow.JobStructure.
func nodeToJSON(n Node) (models.JSON, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	var out models.JSON
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
