package normalize

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// ExtractSARIF pulls a tool's embedded SARIF document out of its raw
// service-response entry (commonly nested under a "sarif" key) and returns
// it as a standalone document plus the relative file path it should be
// written to, per the layout "sarif/{service}_{tool}.sarif.json". The
// original entry is never mutated here; the caller is responsible for
// replacing the embedded document with a {"sarif_file": path} reference,
// since snapshots two orders of magnitude smaller than the un-extracted
// form are not an optional optimisation.
func ExtractSARIF(service, tool string, entry map[string]any) (document []byte, relativePath string, ok bool) {
	raw, present := entry["sarif"]
	if !present {
		return nil, "", false
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, "", false
	}
	return doc, fmt.Sprintf("sarif/%s_%s.sarif.json", service, tool), true
}

// ReplaceWithSARIFReference returns a copy of entry with its "sarif" key
// replaced by a {"sarif_file": relativePath} reference, the form the
// per-service snapshot retains.
func ReplaceWithSARIFReference(entry map[string]any, relativePath string) map[string]any {
	out := make(map[string]any, len(entry))
	for k, v := range entry {
		if k == "sarif" {
			continue
		}
		out[k] = v
	}
	out["sarif_file"] = relativePath
	return out
}

// ConsolidateSARIF merges several per-tool SARIF documents' "runs" arrays
// into one consolidated document for a service, using gojq to project and
// concatenate the .runs arrays rather than hand-rolling SARIF's nested
// schema.
func ConsolidateSARIF(ctx context.Context, documents [][]byte) ([]byte, error) {
	var runs []any
	for _, doc := range documents {
		var decoded any
		if err := json.Unmarshal(doc, &decoded); err != nil {
			return nil, fmt.Errorf("decoding sarif document: %w", err)
		}
		extracted, err := jqFirst(ctx, ".runs[]?", decoded)
		if err != nil {
			return nil, err
		}
		runs = append(runs, extracted...)
	}
	consolidated := map[string]any{
		"$schema": "https://raw.githubusercontent.com/oasis-tcs/sarif-spec/master/Schemata/sarif-schema-2.1.0.json",
		"version": "2.1.0",
		"runs":    runs,
	}
	return json.Marshal(consolidated)
}

// jqFirst evaluates a gojq query against input and collects every emitted
// value.
func jqFirst(ctx context.Context, query string, input any) ([]any, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parsing jq query %q: %w", query, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("compiling jq query %q: %w", query, err)
	}
	iter := code.RunWithContext(ctx, input)
	var out []any
	for {
		v, hasNext := iter.Next()
		if !hasNext {
			break
		}
		if err, ok := v.(error); ok {
			return nil, fmt.Errorf("evaluating jq query %q: %w", query, err)
		}
		out = append(out, v)
	}
	return out, nil
}
