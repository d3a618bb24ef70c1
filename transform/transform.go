// Package transform walks a single document and applies a rule set in
// registry order, producing a masked copy and the set of concrete paths
// whose values actually changed. The input document is never mutated; the
// caller keeps it pristine for hashing and shape verification.
package transform

import (
	"fmt"
	"math/rand/v2"
	"reflect"
	"sort"
	"strings"

	"phimask.evalgo.org/mask"
	"phimask.evalgo.org/rules"
)

// Reporter receives per-rule outcomes. Implementations must be safe for
// concurrent use; the pipeline shares one across workers.
type Reporter interface {
	RuleApplied(path string, typ rules.Type)
	RuleFailed(docID, path string, typ rules.Type, reason string)
}

// Transform applies rs to doc and returns the masked copy plus the sorted
// list of changed concrete paths (array indices expanded, e.g.
// "Contacts[2].Email"). A rule that regenerates an identical value is a
// no-op and does not appear in the change list.
//
// Rule failures are reported and the field is left untouched; the document
// is still returned for committing.
func Transform(docID string, doc map[string]any, rs *rules.RuleSet, rng *rand.Rand, rep Reporter) (map[string]any, []string) {
	out := copyValue(doc).(map[string]any)
	var changed []string

	for _, r := range rs.Rules {
		if r.Condition != nil && !evalCondition(doc, r.Condition) {
			continue
		}
		applyRule(docID, out, r, rng, rep, "", r.Segments, &changed)
	}

	sort.Strings(changed)
	return out, changed
}

// applyRule walks one compiled path inside node, masking leaves in place.
// Missing intermediate segments skip the rule for this subtree; no field is
// ever created.
func applyRule(docID string, node map[string]any, r *rules.Rule, rng *rand.Rand, rep Reporter, prefix string, segs []rules.Segment, changed *[]string) {
	seg := segs[0]
	val, ok := node[seg.Field]
	if !ok {
		return
	}
	path := joinPath(prefix, seg.Field)

	if seg.Each {
		arr, ok := val.([]any)
		if !ok {
			report(rep, docID, r, mask.ReasonTypeMismatch)
			return
		}
		for i, elem := range arr {
			elemPath := fmt.Sprintf("%s[%d]", path, i)
			if len(segs) == 1 {
				if next, did := maskLeaf(docID, elem, r, rng, rep); did {
					arr[i] = next
					*changed = append(*changed, elemPath)
				}
				continue
			}
			child, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			applyRule(docID, child, r, rng, rep, elemPath, segs[1:], changed)
		}
		return
	}

	if len(segs) == 1 {
		if next, did := maskLeaf(docID, val, r, rng, rep); did {
			node[seg.Field] = next
			*changed = append(*changed, path)
		}
		return
	}

	child, ok := val.(map[string]any)
	if !ok {
		return
	}
	applyRule(docID, child, r, rng, rep, path, segs[1:], changed)
}

// maskLeaf applies the rule to one value and reports the outcome. The
// second return is true only when the value actually changed.
func maskLeaf(docID string, old any, r *rules.Rule, rng *rand.Rand, rep Reporter) (any, bool) {
	res := mask.Apply(old, r, rng)
	if res.Reason != "" {
		report(rep, docID, r, res.Reason)
		return old, false
	}
	if !res.Applied || reflect.DeepEqual(old, res.Value) {
		return old, false
	}
	if rep != nil {
		rep.RuleApplied(r.Path, r.Type)
	}
	return res.Value, true
}

func report(rep Reporter, docID string, r *rules.Rule, reason string) {
	if rep != nil {
		rep.RuleFailed(docID, r.Path, r.Type, reason)
	}
}

// evalCondition resolves the condition path (no wildcards allowed there)
// and checks the presence or equality predicate.
func evalCondition(doc map[string]any, cond *rules.Condition) bool {
	val, present := lookup(doc, cond.Segments)

	if cond.Exists != nil && *cond.Exists != present {
		return false
	}
	if cond.Equals != nil {
		if !present {
			return false
		}
		if cond.CaseInsensitive {
			a, aok := val.(string)
			b, bok := cond.Equals.(string)
			if aok && bok {
				return strings.EqualFold(a, b)
			}
		}
		return reflect.DeepEqual(val, cond.Equals)
	}
	return true
}

func lookup(doc map[string]any, segs []rules.Segment) (any, bool) {
	var cur any = doc
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg.Field]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func joinPath(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}

// copyValue deep-copies the JSON-shaped value tree.
func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = copyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
