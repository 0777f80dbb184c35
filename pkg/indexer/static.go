package indexer

import (
	"context"
	"strings"
)

// Static is an Indexer backed by fixed slices. It serves tests and local
// development with a pre-baked index snapshot.
type Static struct {
	Symbols    []SymbolHit
	Lexical    []LexicalHit
	Files      []string
	Routes     []Route
	Guards     []string
	Directives []Directive
	Usages     []DirectiveUsage
}

// SearchSymbol matches case-insensitively on the symbol name.
func (s *Static) SearchSymbol(_ context.Context, query string, limit int) ([]SymbolHit, error) {
	q := strings.ToLower(query)
	var out []SymbolHit
	for _, h := range s.Symbols {
		if strings.Contains(strings.ToLower(h.Symbol), q) {
			out = append(out, h)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// SearchLexical matches case-insensitively on the line text.
func (s *Static) SearchLexical(_ context.Context, query string, limit int) ([]LexicalHit, error) {
	q := strings.ToLower(query)
	var out []LexicalHit
	for _, h := range s.Lexical {
		if strings.Contains(strings.ToLower(h.Text), q) {
			out = append(out, h)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Static) SymbolHeaders(_ context.Context, limit int) ([]SymbolHit, error) {
	if limit > 0 && limit < len(s.Symbols) {
		return s.Symbols[:limit], nil
	}
	return s.Symbols, nil
}

func (s *Static) IndexedFilePaths(context.Context) ([]string, error) { return s.Files, nil }
func (s *Static) ParsedRoutes(context.Context) ([]Route, error)      { return s.Routes, nil }
func (s *Static) ResolvedGuards(context.Context) ([]string, error)   { return s.Guards, nil }

func (s *Static) ResolvedDirectives(context.Context) ([]Directive, error) {
	return s.Directives, nil
}

func (s *Static) DirectiveUsages(_ context.Context, limit int) ([]DirectiveUsage, error) {
	if limit > 0 && limit < len(s.Usages) {
		return s.Usages[:limit], nil
	}
	return s.Usages, nil
}
