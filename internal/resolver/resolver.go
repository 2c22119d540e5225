// Package resolver implements SPIRAL's reference resolver (C6):
// JSON-pointer-style resolution of NodeKindReference nodes and `$ref`
// arguments across local and external documents, with cycle detection, a
// configurable max depth (default 10, spec.md §9), and a document cache
// keyed by resolved URI.
package resolver

import (
	"strings"
	"sync"

	"github.com/spiral-run/spiral/internal/domain"
)

// DefaultMaxDepth is the resolution-chain depth limit spec.md §9 calls
// for when the embedder does not override it.
const DefaultMaxDepth = 10

// Loader fetches an external document by its source URI, for references
// that point outside the document currently being evaluated (e.g. a
// docstore-backed fetch, see internal/docstore).
type Loader func(uri string) (*domain.Document, error)

// Resolver resolves node references, chasing NodeKindReference nodes
// (and external $ref URIs) to the expression/block node they ultimately
// name.
type Resolver struct {
	mu       sync.RWMutex
	cache    map[string]*domain.Document
	loader   Loader
	maxDepth int
}

// New returns a Resolver with DefaultMaxDepth. loader may be nil if the
// program never references external documents.
func New(loader Loader) *Resolver {
	return &Resolver{cache: make(map[string]*domain.Document), loader: loader, maxDepth: DefaultMaxDepth}
}

// WithMaxDepth overrides the resolution-chain depth limit.
func (r *Resolver) WithMaxDepth(n int) *Resolver {
	r.maxDepth = n
	return r
}

// RegisterDocument seeds the document cache, e.g. with the root document
// under its own SourceURI so a `$ref` back to it resolves without a
// Loader round-trip.
func (r *Resolver) RegisterDocument(uri string, doc *domain.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[uri] = doc
}

type stackEntry struct {
	uri, nodeID string
}

// Resolve follows ref (an id within fromDoc, or "uri#id" into another
// document) through any chain of NodeKindReference nodes, returning the
// first non-reference node found together with the document that owns it.
func (r *Resolver) Resolve(fromDoc *domain.Document, ref string) (*domain.Node, *domain.Document, error) {
	return r.resolve(fromDoc, ref, nil)
}

func (r *Resolver) resolve(fromDoc *domain.Document, ref string, stack []stackEntry) (*domain.Node, *domain.Document, error) {
	if len(stack) >= r.maxDepth {
		return nil, nil, domain.NewFault(domain.ErrValidationError, "reference chain exceeds max depth", nil)
	}

	uri, nodeID := splitRef(ref)
	targetURI := uri
	if targetURI == "" {
		targetURI = fromDoc.SourceURI
	}

	for _, e := range stack {
		if e.uri == targetURI && e.nodeID == nodeID {
			return nil, nil, domain.NewFault(domain.ErrValidationError, "cyclic reference detected: "+targetURI+"#"+nodeID, nil)
		}
	}

	doc := fromDoc
	if uri != "" && uri != fromDoc.SourceURI {
		d, err := r.getDocument(uri)
		if err != nil {
			return nil, nil, err
		}
		doc = d
	}

	node, ok := doc.NodeByID(nodeID)
	if !ok {
		return nil, nil, domain.NewFault(domain.ErrValidationError, "reference target not found: "+nodeID, nil)
	}

	if node.Kind == domain.NodeKindReference {
		nextStack := append(append([]stackEntry{}, stack...), stackEntry{uri: targetURI, nodeID: nodeID})
		return r.resolve(doc, node.Ref, nextStack)
	}
	return node, doc, nil
}

// getDocument returns the cached document for uri, loading and caching it
// via Loader on a miss.
func (r *Resolver) getDocument(uri string) (*domain.Document, error) {
	r.mu.RLock()
	doc, ok := r.cache[uri]
	r.mu.RUnlock()
	if ok {
		return doc, nil
	}
	if r.loader == nil {
		return nil, domain.NewFault(domain.ErrValidationError, "no loader configured for external reference: "+uri, nil)
	}
	loaded, err := r.loader(uri)
	if err != nil {
		return nil, domain.NewFault(domain.ErrValidationError, "failed to load referenced document: "+uri, err)
	}
	r.mu.Lock()
	r.cache[uri] = loaded
	r.mu.Unlock()
	return loaded, nil
}

// splitRef splits "uri#nodeID" into its parts; a ref with no "#" is
// treated as a bare local node id.
func splitRef(ref string) (uri, nodeID string) {
	if i := strings.IndexByte(ref, '#'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}
