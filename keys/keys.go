// Package keys builds deterministic cache keys and maps domain events to the
// keys and tags they invalidate.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const (
	segSep   = ":"
	paramSep = "|"
)

// Build joins namespace and id with ":" and appends params sorted by name,
// rendered "name:value" and joined by "|". Empty id and nil params are skipped.
//
//	Build("leaderboard", "42", map[string]any{"page": 2, "limit": 50})
//	=> "leaderboard:42:limit:50|page:2"
func Build(namespace, id string, params map[string]any) string {
	var b strings.Builder
	b.WriteString(namespace)
	if id != "" {
		b.WriteString(segSep)
		b.WriteString(id)
	}
	if len(params) == 0 {
		return b.String()
	}
	names := make([]string, 0, len(params))
	for n := range params {
		names = append(names, n)
	}
	sort.Strings(names)
	b.WriteString(segSep)
	for i, n := range names {
		if i > 0 {
			b.WriteString(paramSep)
		}
		b.WriteString(n)
		b.WriteString(segSep)
		fmt.Fprint(&b, params[n])
	}
	return b.String()
}

// Hash returns a short composite key of sorted parts:
// prefix + ":" + the first 16 hex chars of their sha256.
// Use it when the natural composite key would be too long.
func Hash(prefix string, parts []string) string {
	s := make([]string, len(parts))
	copy(s, parts)
	sort.Strings(s)
	sum := sha256.Sum256([]byte(strings.Join(s, ",")))
	return prefix + segSep + hex.EncodeToString(sum[:8])
}
