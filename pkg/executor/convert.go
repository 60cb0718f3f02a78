package executor

import (
	"encoding/json"
	"fmt"

	"github.com/forgebench/anacore/pkg/normalize"
)

// toolResultsFromAny re-decodes a pool.Result's opaque per-tool payloads
// (JSON round-tripped off the replica's result frame) into the normaliser's
// ToolResult shape the Result Store persists.
func toolResultsFromAny(tools map[string]any) (map[string]normalize.ToolResult, error) {
	out := make(map[string]normalize.ToolResult, len(tools))
	for name, raw := range tools {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("re-encoding tool result for %s: %w", name, err)
		}
		var tr normalize.ToolResult
		if err := json.Unmarshal(b, &tr); err != nil {
			return nil, fmt.Errorf("decoding tool result for %s: %w", name, err)
		}
		out[name] = tr
	}
	return out, nil
}
