package httpgateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rakunlabs/relay/internal/relerr"
	"github.com/rakunlabs/relay/internal/wire"
)

func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(v) //nolint:errcheck
}

// writeError renders err as an Anthropic-shaped error body (§7:
// "{type:'error', error:{type:<mapped>, message}}"), choosing the HTTP
// status and the Anthropic error-type string from the relerr Kind.
func writeError(w http.ResponseWriter, err error) {
	status, anthropicType := classify(err)
	httpResponseJSON(w, wire.AnthropicError{
		Type: "error",
		Error: wire.AnthropicErrorInner{
			Type:    anthropicType,
			Message: err.Error(),
		},
	}, status)
}

// anthropicErrorType maps a relerr.Kind onto one of Anthropic's
// documented error-type strings. Not specified verbatim by the source
// spec (only the body shape is, §7); chosen to match Anthropic's own
// public error taxonomy so client SDKs that switch on error.type keep
// working unmodified.
func anthropicErrorType(kind relerr.Kind) string {
	switch kind {
	case relerr.KindAuthError, relerr.KindAuthRecreateRequired:
		return "authentication_error"
	case relerr.KindPipelineNotFound:
		return "not_found_error"
	case relerr.KindPipelineUnavailable:
		return "overloaded_error"
	case relerr.KindValidationError, relerr.KindTransformError, relerr.KindProtocolError, relerr.KindCompatibilityError:
		return "invalid_request_error"
	case relerr.KindTimeoutError:
		return "timeout_error"
	case relerr.KindCancelledError:
		return "cancelled_error"
	default:
		return "api_error"
	}
}

// writeSSEEvent writes one SSE frame for a streamed payload, grounded
// on the teacher's writeSSEChunk (marshal, "data: <json>\n\n", flush).
// Anthropic's protocol additionally names the event in an "event:"
// line, which the teacher's pure-OpenAI gateway never needed.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if ev, ok := payload.(*wire.AnthropicStreamEvent); ok && ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type) //nolint:errcheck
	}
	fmt.Fprintf(w, "data: %s\n\n", data) //nolint:errcheck
	flusher.Flush()
}

// writeSSEError writes a terminal error as an Anthropic-shaped "error"
// SSE event and flushes, mirroring the teacher's writeSSEError.
func writeSSEError(w http.ResponseWriter, flusher http.Flusher, err error) {
	_, anthropicType := classify(err)
	data, _ := json.Marshal(wire.AnthropicError{
		Type: "error",
		Error: wire.AnthropicErrorInner{
			Type:    anthropicType,
			Message: err.Error(),
		},
	})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data) //nolint:errcheck
	flusher.Flush()
}

func classify(err error) (int, string) {
	switch e := err.(type) {
	case *relerr.Error:
		return relerr.HTTPStatus(e.KindVal), anthropicErrorType(e.KindVal)
	case *relerr.AuthRecreateRequired:
		return relerr.HTTPStatus(relerr.KindAuthRecreateRequired), anthropicErrorType(relerr.KindAuthRecreateRequired)
	default:
		return http.StatusInternalServerError, "api_error"
	}
}
