package transform

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phimask.evalgo.org/rules"
)

type recordingReporter struct {
	mu       sync.Mutex
	applied  map[string]int
	failures []string
}

func newRecorder() *recordingReporter {
	return &recordingReporter{applied: make(map[string]int)}
}

func (r *recordingReporter) RuleApplied(path string, typ rules.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied[path]++
}

func (r *recordingReporter) RuleFailed(docID, path string, typ rules.Type, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, path+":"+reason)
}

func newRNG() *rand.Rand {
	return rand.New(rand.NewPCG(7, 11))
}

func mustRuleSet(t *testing.T, rs []*rules.Rule) *rules.RuleSet {
	t.Helper()
	set := &rules.RuleSet{Collection: "patients", Rules: rs}
	for _, r := range rs {
		segs, err := rules.CompilePath(r.Path)
		require.NoError(t, err)
		r.Segments = segs
		if r.Condition != nil {
			csegs, err := rules.CompilePath(r.Condition.Path)
			require.NoError(t, err)
			r.Condition.Segments = csegs
		}
	}
	return set
}

func TestTransformBasic(t *testing.T) {
	doc := map[string]any{
		"FirstName": "Zebulon",
		"Email":     "john@acme.com",
		"Zip":       "10001",
		"Visits":    float64(3),
	}
	rs := mustRuleSet(t, []*rules.Rule{
		{Path: "FirstName", Type: rules.TypeGivenName},
		{Path: "Email", Type: rules.TypeEmail},
		{Path: "Zip", Type: rules.TypeZip},
	})

	rec := newRecorder()
	out, changed := Transform("d1", doc, rs, newRNG(), rec)

	assert.Equal(t, []string{"Email", "FirstName", "Zip"}, changed)
	assert.NotEqual(t, "Zebulon", out["FirstName"])
	assert.NotEqual(t, "john@acme.com", out["Email"])
	assert.Regexp(t, `^\d{5}$`, out["Zip"])

	// Non-PHI fields are untouched, and the input document is not mutated.
	assert.Equal(t, float64(3), out["Visits"])
	assert.Equal(t, "Zebulon", doc["FirstName"])

	assert.Equal(t, 1, rec.applied["Email"])
	assert.Empty(t, rec.failures)
}

func TestTransformNestedArrays(t *testing.T) {
	doc := map[string]any{
		"Contacts": []any{
			map[string]any{"Email": "a@x.com", "Kind": "home"},
			map[string]any{"Email": "b@y.org", "Kind": "work"},
			map[string]any{"Kind": "other"},
		},
	}
	rs := mustRuleSet(t, []*rules.Rule{
		{Path: "Contacts[*].Email", Type: rules.TypeEmail},
	})

	out, changed := Transform("d1", doc, rs, newRNG(), nil)

	assert.Equal(t, []string{"Contacts[0].Email", "Contacts[1].Email"}, changed)
	contacts := out["Contacts"].([]any)
	assert.NotEqual(t, "a@x.com", contacts[0].(map[string]any)["Email"])
	assert.Equal(t, "home", contacts[0].(map[string]any)["Kind"])
	// The element without the field is skipped and no field is created.
	_, has := contacts[2].(map[string]any)["Email"]
	assert.False(t, has)
}

func TestTransformTerminalWildcard(t *testing.T) {
	doc := map[string]any{"Phones": []any{"555-111-2222", "555-333-4444"}}
	rs := mustRuleSet(t, []*rules.Rule{
		{Path: "Phones[*]", Type: rules.TypePhone},
	})

	out, changed := Transform("d1", doc, rs, newRNG(), nil)
	assert.Equal(t, []string{"Phones[0]", "Phones[1]"}, changed)
	for _, p := range out["Phones"].([]any) {
		assert.Regexp(t, `^[2-9]\d{2}-[2-9]\d{2}-\d{4}$`, p)
	}
}

func TestTransformMissingPathSkipsRule(t *testing.T) {
	doc := map[string]any{"Name": "Ann"}
	rs := mustRuleSet(t, []*rules.Rule{
		{Path: "Address.City", Type: rules.TypeCity},
	})

	out, changed := Transform("d1", doc, rs, newRNG(), nil)
	assert.Empty(t, changed)
	_, has := out["Address"]
	assert.False(t, has)
}

func TestTransformNullLeafUnchanged(t *testing.T) {
	doc := map[string]any{"Dob": nil}
	rs := mustRuleSet(t, []*rules.Rule{
		{Path: "Dob", Type: rules.TypeDOB, Options: rules.Options{PreserveNull: true}},
	})

	out, changed := Transform("d1", doc, rs, newRNG(), nil)
	assert.Empty(t, changed)
	v, has := out["Dob"]
	assert.True(t, has)
	assert.Nil(t, v)
}

func TestTransformWildcardOnNonArrayReported(t *testing.T) {
	doc := map[string]any{"Contacts": "not-an-array"}
	rs := mustRuleSet(t, []*rules.Rule{
		{Path: "Contacts[*].Email", Type: rules.TypeEmail},
	})

	rec := newRecorder()
	_, changed := Transform("d1", doc, rs, newRNG(), rec)
	assert.Empty(t, changed)
	require.Len(t, rec.failures, 1)
	assert.Contains(t, rec.failures[0], "type_mismatch")
}

func TestTransformRuleFailureContinues(t *testing.T) {
	doc := map[string]any{
		"Dob":  "not a date",
		"City": "Gotham",
	}
	rs := mustRuleSet(t, []*rules.Rule{
		{Path: "Dob", Type: rules.TypeDOB},
		{Path: "City", Type: rules.TypeCity},
	})

	rec := newRecorder()
	out, changed := Transform("d1", doc, rs, newRNG(), rec)

	// The failing rule leaves its field untouched; later rules still run.
	assert.Equal(t, "not a date", out["Dob"])
	require.Len(t, rec.failures, 1)
	assert.NotEmpty(t, changed)
}

func TestTransformCondition(t *testing.T) {
	yes := true
	rs := mustRuleSet(t, []*rules.Rule{
		{
			Path: "Name", Type: rules.TypeFullName,
			Condition: &rules.Condition{Path: "Active", Exists: &yes},
		},
		{
			Path: "Email", Type: rules.TypeEmail,
			Condition: &rules.Condition{Path: "Kind", Equals: "person", CaseInsensitive: true},
		},
	})

	doc := map[string]any{"Name": "Ann Lee", "Email": "a@x.com", "Kind": "PERSON"}
	_, changed := Transform("d1", doc, rs, newRNG(), nil)
	// Name rule skipped (Active absent), Email rule applies via the
	// case-insensitive equality.
	assert.Equal(t, []string{"Email"}, changed)
}

func TestShapePreserved(t *testing.T) {
	doc := map[string]any{
		"Name": "Ann",
		"Contacts": []any{
			map[string]any{"Email": "a@x.com"},
		},
		"Meta": map[string]any{"Flag": true},
	}
	rs := mustRuleSet(t, []*rules.Rule{
		{Path: "Name", Type: rules.TypeGivenName},
		{Path: "Contacts[*].Email", Type: rules.TypeEmail},
	})

	out, _ := Transform("d1", doc, rs, newRNG(), nil)
	assert.Equal(t, "", VerifyShape(doc, out))
}

func TestVerifyShapeDetectsDrift(t *testing.T) {
	in := map[string]any{"A": 1, "B": 2}
	out := map[string]any{"A": 1, "C": 2}
	assert.NotEqual(t, "", VerifyShape(in, out))

	out2 := map[string]any{"A": 1}
	assert.NotEqual(t, "", VerifyShape(in, out2))
}
