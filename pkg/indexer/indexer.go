// Package indexer defines the read-only query surface of the source-code
// index. The controller never parses source itself; it consumes whatever
// index is mounted, and every operation degrades to empty results when no
// index is available.
package indexer

import "context"

// SymbolHit is one symbol-table match.
type SymbolHit struct {
	Symbol string `json:"symbol"`
	Kind   string `json:"kind,omitempty"` // component, service, route, directive, ...
	File   string `json:"file"`
	Line   int    `json:"line,omitempty"`
}

// LexicalHit is one full-text match.
type LexicalHit struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Route is a parsed router entry.
type Route struct {
	Path      string `json:"path"`
	Component string `json:"component,omitempty"`
	Guard     string `json:"guard,omitempty"`
	File      string `json:"file"`
}

// Directive is a resolved template directive.
type Directive struct {
	Name string `json:"name"`
	File string `json:"file"`
}

// DirectiveUsage is one usage site of a directive.
type DirectiveUsage struct {
	Directive string `json:"directive"`
	File      string `json:"file"`
	Line      int    `json:"line"`
}

// Indexer is the consumed query service. Implementations must be safe for
// concurrent readers; the controller treats each call as a snapshot read.
type Indexer interface {
	SearchSymbol(ctx context.Context, query string, limit int) ([]SymbolHit, error)
	SearchLexical(ctx context.Context, query string, limit int) ([]LexicalHit, error)
	SymbolHeaders(ctx context.Context, limit int) ([]SymbolHit, error)
	IndexedFilePaths(ctx context.Context) ([]string, error)
	ParsedRoutes(ctx context.Context) ([]Route, error)
	ResolvedGuards(ctx context.Context) ([]string, error)
	ResolvedDirectives(ctx context.Context) ([]Directive, error)
	DirectiveUsages(ctx context.Context, limit int) ([]DirectiveUsage, error)
}

// Noop is the absent-index implementation: every query returns empty.
type Noop struct{}

// NewNoop returns the empty indexer.
func NewNoop() *Noop { return &Noop{} }

func (*Noop) SearchSymbol(context.Context, string, int) ([]SymbolHit, error) { return nil, nil }

func (*Noop) SearchLexical(context.Context, string, int) ([]LexicalHit, error) { return nil, nil }

func (*Noop) SymbolHeaders(context.Context, int) ([]SymbolHit, error) { return nil, nil }

func (*Noop) IndexedFilePaths(context.Context) ([]string, error) { return nil, nil }

func (*Noop) ParsedRoutes(context.Context) ([]Route, error) { return nil, nil }

func (*Noop) ResolvedGuards(context.Context) ([]string, error) { return nil, nil }

func (*Noop) ResolvedDirectives(context.Context) ([]Directive, error) { return nil, nil }

func (*Noop) DirectiveUsages(context.Context, int) ([]DirectiveUsage, error) { return nil, nil }
