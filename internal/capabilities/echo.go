package capabilities

import (
	"context"

	"github.com/ShayCichocki/stagehand/internal/executor"
)

// echo returns its parameters. With include_outputs it also returns the
// outputs of the tasks it depends on.
func echo(_ context.Context, req executor.Request) (any, error) {
	out := make(map[string]any, len(req.Parameters)+1)
	for k, v := range req.Parameters {
		if k == "include_outputs" {
			continue
		}
		out[k] = v
	}
	if boolParam(req, "include_outputs") {
		outputs := make(map[string]any, len(req.Outputs))
		for k, v := range req.Outputs {
			outputs[k] = v
		}
		out["outputs"] = outputs
	}
	return out, nil
}
