package pagination

import (
	"context"
	"encoding/json"
	"net/url"

	"hevysync.dev/agent/hevyclient"
)

// NewFetcher adapts a hevyclient.Client into a PageFetcher that GETs
// path and extracts the array under dataKey (plus page_count, if
// present) from the decoded response envelope.
func NewFetcher(client *hevyclient.Client, path, dataKey string) PageFetcher {
	return func(ctx context.Context, page, pageSize int, extraParams url.Values) (*PageEnvelope, error) {
		var raw map[string]json.RawMessage
		err := client.Request(ctx, hevyclient.Request{
			Path:   path,
			Method: "GET",
			Query:  PageQuery(page, pageSize, extraParams),
			Out:    &raw,
		})
		if err != nil {
			return nil, err
		}

		envelope := &PageEnvelope{}
		if data, ok := raw[dataKey]; ok {
			if err := json.Unmarshal(data, &envelope.Items); err != nil {
				envelope.Items = nil
			}
		}
		if pc, ok := raw["page_count"]; ok {
			var n int
			if err := json.Unmarshal(pc, &n); err == nil {
				envelope.PageCount = &n
			}
		}
		return envelope, nil
	}
}
