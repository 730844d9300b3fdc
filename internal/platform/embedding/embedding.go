package embedding

import "context"

// DefaultQueryInstruction is prepended to query-side texts so asymmetric
// embedding models see the retrieval intent. Callers may override per call.
const DefaultQueryInstruction = "Given a conversation memory search query, retrieve relevant passages that answer the query"

// Options control how a text is embedded.
type Options struct {
	// IsQuery marks retrieval-side texts; they get the instruction prefix.
	IsQuery bool
	// Instruction overrides DefaultQueryInstruction when non-empty.
	Instruction string
}

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string, opts Options) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string, opts Options) ([][]float32, error)
	// Dimensions is the target vector width the embedder produces.
	Dimensions() int
}

func (o Options) instruction() string {
	if o.Instruction != "" {
		return o.Instruction
	}
	return DefaultQueryInstruction
}

// ApplyInstruction formats a text with the query instruction when requested.
func ApplyInstruction(text string, opts Options) string {
	if !opts.IsQuery {
		return text
	}
	return "Instruct: " + opts.instruction() + "\nQuery: " + text
}
