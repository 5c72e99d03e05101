// Package identity computes the stable hash used to deduplicate and
// upgrade-in-place backlog tasks, and derives scope keys for tasks that
// don't carry one explicitly.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
)

// Fields is the canonical identity input: {kind, normalized_title, scope_key,
// related_pr, related_branch}. Every other task attribute (details, source,
// rationale, priority) is excluded so independent observers of the same
// underlying work converge on the same hash.
type Fields struct {
	Kind             string `json:"kind"`
	NormalizedTitle  string `json:"normalized_title"`
	ScopeKey         string `json:"scope_key"`
	RelatedPR        *int   `json:"related_pr"`
	RelatedBranch    *string `json:"related_branch"`
}

var spaceRun = regexp.MustCompile(`\s+`)

// NormalizeTitle trims, lowercases, and collapses internal whitespace to a
// single space so cosmetic differences in title text never produce distinct
// identities.
func NormalizeTitle(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	return spaceRun.ReplaceAllString(t, " ")
}

// Hash returns the 256-bit identity hash (hex-encoded) for the given fields.
// It canonicalizes by marshaling a struct with fixed field order and no
// extraneous whitespace, so identical logical fields always hash identically
// regardless of caller-side field construction order.
func Hash(f Fields) string {
	f.NormalizedTitle = NormalizeTitle(f.NormalizedTitle)
	// encoding/json marshals struct fields in declaration order, giving a
	// stable canonical form without needing a custom encoder.
	b, err := json.Marshal(f)
	if err != nil {
		// Fields contains only strings/ints/pointers-to-those; Marshal can't
		// fail for this shape. Treat it as unreachable rather than returning
		// an error from a pure function callers expect to always succeed.
		panic("identity: unexpected marshal failure: " + err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ScopeKey derives a scope key when none is supplied explicitly, per the
// derivation order: explicit → domain from path → component from the
// architecture map → path:<top_dir> → global.
//
// explicitScope, domainFromPath, and componentFromArchMap are all optional
// inputs resolved by the caller (the domain/architecture mapping is an
// external collaborator's concern); pathHint is the most specific file path
// associated with the task, if any.
func ScopeKey(explicitScope, domainFromPath, componentFromArchMap, pathHint string) string {
	if explicitScope != "" {
		return explicitScope
	}
	if domainFromPath != "" {
		return "domain:" + domainFromPath
	}
	if componentFromArchMap != "" {
		return "component:" + componentFromArchMap
	}
	if pathHint != "" {
		top := topDir(pathHint)
		if top != "" {
			return "path:" + top
		}
	}
	return "global"
}

func topDir(path string) string {
	path = strings.TrimPrefix(path, "/")
	idx := strings.Index(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}
