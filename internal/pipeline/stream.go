package pipeline

import (
	"context"

	"github.com/rakunlabs/relay/internal/transport"
)

// StreamHandle is the Server stage's Forward result when the request is
// streaming (§4.8): a live channel of raw upstream SSE events instead
// of a single parsed response. ExecutePipelineStream drains it, running
// each event back through the other three stages independently rather
// than once in bulk, so upstream event order survives end-to-end (§5).
type StreamHandle struct {
	Events <-chan transport.StreamEvent
}

// StreamTranslatorFactory is implemented by a stage that needs
// cross-chunk state to convert events on the streaming back-path.
// Today only Transformer does — it alone sequences the
// message_start/content_block/message_stop framing a single upstream
// chunk doesn't carry on its own (§4.8).
type StreamTranslatorFactory interface {
	NewStreamBack() StreamTranslator
}

// StreamTranslator holds one request's streaming back-path state. Back
// is called once per upstream chunk; a nil input signals the upstream
// stream has closed, giving the translator a chance to emit trailing
// events (e.g. message_stop) before ExecutePipelineStream closes the
// result channel.
type StreamTranslator interface {
	Back(ctx context.Context, input any) ([]any, error)
}
