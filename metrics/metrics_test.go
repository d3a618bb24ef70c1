package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phimask.evalgo.org/mask"
	"phimask.evalgo.org/rules"
)

func TestRuleOutcomeCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RuleApplied("FirstName", rules.TypeFullName)
	m.RuleApplied("FirstName", rules.TypeFullName)
	m.RuleApplied("Contacts[*].Email", rules.TypeEmail)
	m.RuleFailed("doc-1", "DOB", rules.TypeDOB, mask.ReasonBadDate)
	m.RuleFailed("doc-2", "Phones[*]", rules.TypePhone, mask.ReasonTypeMismatch)

	applied := testutil.ToFloat64(m.RulesApplied.WithLabelValues("FirstName", string(rules.TypeFullName)))
	assert.Equal(t, 2.0, applied)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TypeMismatches))
}

func TestCoverageTracking(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RuleApplied("FirstName", rules.TypeFullName)
	m.RuleApplied("FirstName", rules.TypeFullName)
	m.RuleApplied("Email", rules.TypeEmail)

	cov := m.Coverage()
	assert.EqualValues(t, 2, cov["FirstName"])
	assert.EqualValues(t, 1, cov["Email"])

	declared := []string{"FirstName", "Email", "SSN", "DOB"}
	assert.Equal(t, []string{"DOB", "SSN"}, m.UncoveredPaths(declared))
}

func TestObserveBatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.ObserveBatch(3 * time.Second)
	m.ObserveBatch(5 * time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Batches))
}

func TestProgressRate(t *testing.T) {
	p := NewProgress()
	base := p.lastAt

	p.Add(100)
	p.observe(base.Add(time.Second))
	require.InDelta(t, 100, p.Rate(), 1)

	// A faster window pulls the average up but not all the way.
	p.Add(300)
	p.observe(base.Add(2 * time.Second))
	assert.Greater(t, p.Rate(), 100.0)
	assert.Less(t, p.Rate(), 300.0)
}
