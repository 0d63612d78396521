package delivery

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/theunahub/yara/internal/models"
)

// WebSink renders one chat bubble. Delta appends streamed text, Set replaces
// the bubble text, Recommendations attaches cards to the same bubble.
type WebSink interface {
	Delta(chunk string) error
	Set(text string) error
	Recommendations(batch models.RecommendationBatch) error
}

// WebReply is the final content of a web turn.
type WebReply struct {
	Text     string
	Streamed bool
	Batch    models.RecommendationBatch
}

// WebDelivery writes replies into a single bubble.
type WebDelivery struct{}

// DeltaFunc adapts sink into an onDelta callback for streaming invocations.
func (WebDelivery) DeltaFunc(sink WebSink) func(string) {
	return func(chunk string) {
		if err := sink.Delta(chunk); err != nil {
			slog.Warn("WebDelivery.DeltaFunc: sink rejected delta", "error", err)
		}
	}
}

// Deliver finalises the bubble. Streamed text is already in the sink, so only
// non-streamed text is set. Cards are attached when the batch is non-empty.
func (WebDelivery) Deliver(reply WebReply, sink WebSink) error {
	if !reply.Streamed {
		if err := sink.Set(reply.Text); err != nil {
			return err
		}
	}
	if reply.Batch.Len() > 0 {
		return sink.Recommendations(reply.Batch)
	}
	return nil
}

// Bubble is an in-memory WebSink, used for non-streaming JSON responses.
type Bubble struct {
	mu    sync.Mutex
	text  strings.Builder
	batch models.RecommendationBatch
}

// Delta appends a chunk.
func (b *Bubble) Delta(chunk string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text.WriteString(chunk)
	return nil
}

// Set replaces the text.
func (b *Bubble) Set(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text.Reset()
	b.text.WriteString(text)
	return nil
}

// Recommendations attaches the cards.
func (b *Bubble) Recommendations(batch models.RecommendationBatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batch = batch
	return nil
}

// Text returns the bubble text.
func (b *Bubble) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text.String()
}

// Batch returns the attached cards.
func (b *Bubble) Batch() models.RecommendationBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batch
}
