// Package anchor seeds and resolves domain anchors: folder-scoped
// identities that bind memories and policies to regions of the repository.
package anchor

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

// IDFor builds the anchor id for a folder path.
func IDFor(folderPath string) string {
	return contracts.AnchorIDPrefix + path.Clean(strings.ReplaceAll(folderPath, "\\", "/"))
}

// Seeder walks a worktree and emits anchors for its folders.
type Seeder struct {
	root           string
	maxDepth       int
	excludes       []string
	forcedIncludes []string
}

// NewSeeder configures a walk of root up to maxDepth. Folders matching an
// exclude glob are skipped with their subtrees; forced includes are emitted
// even when deeper than maxDepth or under an excluded parent.
func NewSeeder(root string, maxDepth int, excludes, forcedIncludes []string) *Seeder {
	return &Seeder{root: root, maxDepth: maxDepth, excludes: excludes, forcedIncludes: forcedIncludes}
}

// Seed walks the tree and returns anchors sorted by folder path. Every
// anchor links to its nearest emitted ancestor via ParentAnchorID; the
// relation is CONTAINS from parent to child.
func (s *Seeder) Seed() ([]contracts.DomainAnchor, error) {
	emitted := make(map[string]bool)
	var anchors []contracts.DomainAnchor

	add := func(rel string, depth int, auto bool) {
		rel = path.Clean(strings.ReplaceAll(rel, "\\", "/"))
		if rel == "." || rel == "" || emitted[rel] {
			return
		}
		emitted[rel] = true
		anchors = append(anchors, contracts.DomainAnchor{
			ID:         IDFor(rel),
			Name:       path.Base(rel),
			FolderPath: rel,
			Depth:      depth,
			AutoSeeded: auto,
		})
	}

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = strings.ReplaceAll(rel, string(os.PathSeparator), "/")
		if rel == "." {
			return nil
		}
		depth := strings.Count(rel, "/") + 1
		if s.excluded(rel) {
			return filepath.SkipDir
		}
		if s.maxDepth > 0 && depth > s.maxDepth {
			return filepath.SkipDir
		}
		add(rel, depth, true)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("anchor: walk %s: %w", s.root, err)
	}

	for _, f := range s.forcedIncludes {
		f = path.Clean(strings.ReplaceAll(f, "\\", "/"))
		add(f, strings.Count(f, "/")+1, false)
	}

	sort.Slice(anchors, func(i, j int) bool { return anchors[i].FolderPath < anchors[j].FolderPath })

	// Resolve parents after sorting: the nearest emitted ancestor wins.
	byPath := make(map[string]bool, len(anchors))
	for _, a := range anchors {
		byPath[a.FolderPath] = true
	}
	for i := range anchors {
		parent := path.Dir(anchors[i].FolderPath)
		for parent != "." && parent != "/" {
			if byPath[parent] {
				anchors[i].ParentAnchorID = IDFor(parent)
				break
			}
			parent = path.Dir(parent)
		}
	}
	return anchors, nil
}

func (s *Seeder) excluded(rel string) bool {
	for _, pat := range s.excludes {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
		// Directory patterns like **/node_modules/** should also skip
		// the directory itself.
		if ok, err := doublestar.Match(strings.TrimSuffix(pat, "/**"), rel); err == nil && ok {
			return true
		}
	}
	return false
}

// ForPath returns the ids of every anchor whose folder contains the file,
// outermost first.
func ForPath(anchors []contracts.DomainAnchor, file string) []string {
	file = path.Clean(strings.ReplaceAll(file, "\\", "/"))
	var ids []string
	for _, a := range anchors {
		if file == a.FolderPath || strings.HasPrefix(file, a.FolderPath+"/") {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// ForPaths returns the deduped anchor ids covering any of the files.
func ForPaths(anchors []contracts.DomainAnchor, files []string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, f := range files {
		for _, id := range ForPath(anchors, f) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
