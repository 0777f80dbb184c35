// Package scope enforces the file and symbol allowlists plus the pack-scope
// rule. Every check is fail-closed: a path that cannot be canonicalized is
// rejected, never passed through.
package scope

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/loomworks/gatehouse/pkg/canonicalize"
	"github.com/loomworks/gatehouse/pkg/contracts"
)

// Service performs scope checks for one worktree.
type Service struct {
	worktreeRoot string
}

// New creates a scope service rooted at the worktree.
func New(worktreeRoot string) *Service {
	return &Service{worktreeRoot: worktreeRoot}
}

// WorktreeRoot returns the configured root.
func (s *Service) WorktreeRoot() string { return s.worktreeRoot }

// Canonicalize normalizes a repo-relative path. Absolute paths and any form
// of root escape are rejected with PLAN_SCOPE_VIOLATION.
func (s *Service) Canonicalize(p string) (string, *contracts.Deny) {
	if p == "" {
		return "", contracts.NewDeny(contracts.RejPlanMissingRequiredFields, "path is required")
	}
	p = canonicalize.NFC(strings.ReplaceAll(p, "\\", "/"))
	if path.IsAbs(p) || filepath.IsAbs(p) || hasDrivePrefix(p) {
		return "", contracts.NewDeny(contracts.RejPlanScopeViolation,
			"absolute path %q not allowed; use a worktree-relative path", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", contracts.NewDeny(contracts.RejPlanScopeViolation,
			"path %q escapes the worktree root", p)
	}
	if clean == "." {
		clean = ""
	}
	return clean, nil
}

func hasDrivePrefix(p string) bool {
	return len(p) >= 2 && p[1] == ':' &&
		(('a' <= p[0] && p[0] <= 'z') || ('A' <= p[0] && p[0] <= 'Z'))
}

// AllowsFile checks a path against the allowlist. A nil or empty allowlist
// permits any in-worktree path. Entries may be exact paths or doublestar
// globs.
func (s *Service) AllowsFile(allow *contracts.ScopeAllowlist, p string) *contracts.Deny {
	clean, deny := s.Canonicalize(p)
	if deny != nil {
		return deny
	}
	if allow == nil || len(allow.Files) == 0 {
		return nil
	}
	for _, entry := range allow.Files {
		entry = canonicalize.NFC(strings.TrimPrefix(path.Clean(entry), "./"))
		if entry == clean {
			return nil
		}
		if ok, err := doublestar.Match(entry, clean); err == nil && ok {
			return nil
		}
	}
	return contracts.NewDeny(contracts.RejPlanScopeViolation,
		"file %q is outside the scope allowlist (%d entries)", clean, len(allow.Files))
}

// AllowsSymbols checks symbol names against the allowlist. Wildcards and
// empty names are always rejected.
func (s *Service) AllowsSymbols(allow *contracts.ScopeAllowlist, symbols []string) *contracts.Deny {
	for _, sym := range symbols {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			return contracts.NewDeny(contracts.RejPlanMissingRequiredFields, "empty symbol name in targetSymbols")
		}
		if strings.Contains(sym, "*") {
			return contracts.NewDeny(contracts.RejPlanScopeViolation,
				"wildcard symbol %q not allowed; name symbols explicitly", sym)
		}
	}
	if allow == nil || len(allow.Symbols) == 0 {
		return nil
	}
	permitted := make(map[string]struct{}, len(allow.Symbols))
	for _, s := range allow.Symbols {
		permitted[s] = struct{}{}
	}
	for _, sym := range symbols {
		if _, ok := permitted[strings.TrimSpace(sym)]; !ok {
			return contracts.NewDeny(contracts.RejPlanScopeViolation,
				"symbol %q is outside the scope allowlist", sym)
		}
	}
	return nil
}

// PackAllows enforces the pack-scope rule for read verbs: after
// initialize_work, a read must name a file in the session's context pack.
// Paths under the session scratch prefix are the agent's own workspace and
// bypass the rule.
func (s *Service) PackAllows(pack *contracts.ContextPack, scratchPrefix, p string) *contracts.Deny {
	clean, deny := s.Canonicalize(p)
	if deny != nil {
		return deny
	}
	if scratchPrefix != "" {
		pref := path.Clean(scratchPrefix)
		if clean == pref || strings.HasPrefix(clean, pref+"/") {
			return nil
		}
	}
	if pack == nil {
		return contracts.NewDeny(contracts.RejPackScopeViolation,
			"no context pack built yet; call initialize_work first")
	}
	if !pack.HasFile(clean) {
		return contracts.NewDeny(contracts.RejPackScopeViolation,
			"file %q is not in the context pack; call request_evidence_guidance to add it", clean)
	}
	return nil
}

// ResolveUnder joins a canonicalized relative path to the worktree root for
// actual file access.
func (s *Service) ResolveUnder(rel string) string {
	return filepath.Join(s.worktreeRoot, filepath.FromSlash(rel))
}
