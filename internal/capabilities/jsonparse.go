package capabilities

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/stagehand/internal/executor"
	"github.com/ShayCichocki/stagehand/internal/retry"
	"github.com/tidwall/gjson"
)

// jsonParse extracts a gjson path from a JSON document. Without a path the
// whole document is decoded.
func jsonParse(_ context.Context, req executor.Request) (any, error) {
	doc, err := document("json.parse", req)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(doc) {
		return nil, retry.MarkFatal(fmt.Errorf("json.parse: input is not valid JSON"))
	}

	path := req.String("path", "")
	if path == "" {
		return gjson.ParseBytes(doc).Value(), nil
	}
	r := gjson.GetBytes(doc, path)
	if !r.Exists() {
		return nil, &ParamError{Action: "json.parse", Param: "path", Reason: fmt.Sprintf("%q matched nothing", path)}
	}
	return r.Value(), nil
}
