package capabilities

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/stagehand/internal/executor"
	"github.com/ShayCichocki/stagehand/internal/handoff"
	"github.com/ShayCichocki/stagehand/internal/retry"
	"github.com/tidwall/gjson"
)

// findingsAggregate grades a list of findings taken from a dependency's
// output or, with source: handoff, from the consumed artifact's payload.
func findingsAggregate(_ context.Context, req executor.Request) (any, error) {
	var doc []byte
	if req.String("source", "") == "handoff" {
		if req.Handoff == nil {
			return nil, &ParamError{Action: "findings.aggregate", Param: "source", Reason: "is handoff but the run consumed no artifact"}
		}
		raw, err := json.Marshal(req.Handoff.Payload)
		if err != nil {
			return nil, retry.MarkFatal(fmt.Errorf("encode handoff payload: %w", err))
		}
		doc = raw
	} else {
		raw, err := document("findings.aggregate", req)
		if err != nil {
			return nil, err
		}
		doc = raw
	}
	if !gjson.ValidBytes(doc) {
		return nil, retry.MarkFatal(fmt.Errorf("findings.aggregate: input is not valid JSON"))
	}

	list := gjson.ParseBytes(doc)
	if path := req.String("path", ""); path != "" {
		list = gjson.GetBytes(doc, path)
		if !list.Exists() {
			return nil, &ParamError{Action: "findings.aggregate", Param: "path", Reason: fmt.Sprintf("%q matched nothing", path)}
		}
	}
	if !list.IsArray() {
		return nil, retry.MarkFatal(fmt.Errorf("findings.aggregate: findings must be a list, got %s", list.Type))
	}

	findings := decodeFindings(list)
	summary := handoff.Aggregate(findings).Summary()
	summary["findings"] = findings
	return summary, nil
}

// decodeFindings accepts objects with id, severity, message (or title) and
// fixed fields, and bare strings as info findings.
func decodeFindings(list gjson.Result) []handoff.Finding {
	findings := make([]handoff.Finding, 0, len(list.Array()))
	list.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			findings = append(findings, handoff.Finding{
				Severity: handoff.SeverityInfo,
				Message:  item.String(),
			})
			return true
		}
		msg := item.Get("message").String()
		if msg == "" {
			msg = item.Get("title").String()
		}
		findings = append(findings, handoff.Finding{
			ID:       item.Get("id").String(),
			Severity: handoff.ParseSeverity(item.Get("severity").String()),
			Message:  msg,
			Fixed:    item.Get("fixed").Bool(),
		})
		return true
	})
	return findings
}
