package model

import "context"

// Message is a chat message in the provider wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompleteOptions bounds a single completion call.
type CompleteOptions struct {
	Temperature     float64
	MaxOutputTokens int
}

// Completer produces text completions. The HTTP Client makes one provider
// request per call and does not retry transient errors; callers treat a
// returned error as terminal for the current request.
type Completer interface {
	// Complete returns the assistant's full response text.
	Complete(ctx context.Context, messages []Message, opts CompleteOptions) (string, error)

	// CompleteStream emits response tokens through emit as they arrive and
	// returns the full response text. A non-nil error from emit aborts the
	// stream.
	CompleteStream(ctx context.Context, messages []Message, opts CompleteOptions, emit func(token string) error) (string, error)
}

// Embedder encodes texts into dense vectors. Vectors are returned raw;
// normalization is the embedding client's job.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
