package transform

import (
	"fmt"
	"sort"
)

// FlattenPaths returns the sorted set of concrete leaf and container paths
// in a document, with array indices expanded. Used by the optional
// post-transform shape check: masking must never add or remove a path.
func FlattenPaths(doc map[string]any) []string {
	var paths []string
	flatten(doc, "", &paths)
	sort.Strings(paths)
	return paths
}

func flatten(v any, prefix string, paths *[]string) {
	switch val := v.(type) {
	case map[string]any:
		for k, e := range val {
			p := joinPath(prefix, k)
			*paths = append(*paths, p)
			flatten(e, p, paths)
		}
	case []any:
		for i, e := range val {
			p := fmt.Sprintf("%s[%d]", prefix, i)
			*paths = append(*paths, p)
			flatten(e, p, paths)
		}
	}
}

// VerifyShape reports the first path-set difference between the input and
// output documents, or "" when the shapes match.
func VerifyShape(in, out map[string]any) string {
	a, b := FlattenPaths(in), FlattenPaths(out)
	if len(a) != len(b) {
		return fmt.Sprintf("path count changed: %d -> %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			return fmt.Sprintf("path mismatch: %q vs %q", a[i], b[i])
		}
	}
	return ""
}
