package httpgateway

import (
	"net/http"
	"strings"

	"github.com/rakunlabs/relay/internal/pipeline"
	"github.com/rakunlabs/relay/internal/wire"
)

// longContextCharThreshold approximates the token count at which a
// request should prefer a longContext-tagged route over the default
// one. ~4 chars/token is the usual rough estimate, so this sits around
// 15k tokens of combined system+message text.
const longContextCharThreshold = 60_000

// detectFeatures derives RouteFeatures from the parsed request and the
// inbound HTTP request (§6: selectRoute(features) is only invoked when
// no explicit routeHint is given). The Anthropic Messages schema
// carries no explicit "this is a background job" or "extended
// thinking" signal, so background detection relies on an opt-in
// X-Relay-Priority: background header, and think detection on the
// model name containing "think" — documented as an Open Question
// resolution in DESIGN.md.
func detectFeatures(req *wire.AnthropicRequest, r *http.Request) pipeline.RouteFeatures {
	return pipeline.RouteFeatures{
		LongContext: estimateChars(req) > longContextCharThreshold,
		WebSearch:   hasWebSearchTool(req),
		Think:       strings.Contains(strings.ToLower(req.Model), "think"),
		Background:  strings.EqualFold(r.Header.Get("X-Relay-Priority"), "background"),
	}
}

func hasWebSearchTool(req *wire.AnthropicRequest) bool {
	for _, tool := range req.Tools {
		if strings.Contains(strings.ToLower(tool.Name), "search") {
			return true
		}
	}
	return false
}

func estimateChars(req *wire.AnthropicRequest) int {
	total := 0
	if s, ok := req.System.(string); ok {
		total += len(s)
	}
	for _, m := range req.Messages {
		total += contentChars(m.Content)
	}
	return total
}

func contentChars(content any) int {
	switch c := content.(type) {
	case string:
		return len(c)
	case []wire.AnthropicContentBlock:
		total := 0
		for _, b := range c {
			total += len(b.Text)
		}
		return total
	default:
		return 0
	}
}
