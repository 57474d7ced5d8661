package agent

import "context"

// retrieveLimit caps how many snippets one answer may pull in.
const retrieveLimit = 3

// Retriever supplies extra grounding snippets for a question, typically
// backed by an external index over company material or past interviews.
type Retriever interface {
	// Retrieve returns up to limit snippets relevant to the question,
	// ordered most relevant first.
	Retrieve(ctx context.Context, sessionID, question string, limit int) ([]string, error)
}

// NopRetriever is the default Retriever; it never returns snippets.
type NopRetriever struct{}

// Retrieve returns no snippets.
func (NopRetriever) Retrieve(context.Context, string, string, int) ([]string, error) {
	return nil, nil
}

var _ Retriever = NopRetriever{}
