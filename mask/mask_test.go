package mask

import (
	"math/rand/v2"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phimask.evalgo.org/rules"
)

func newRNG() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func rule(t rules.Type, opts rules.Options) *rules.Rule {
	return &rules.Rule{Path: "x", Type: t, Options: opts}
}

func TestNullAlwaysPreserved(t *testing.T) {
	for _, typ := range []rules.Type{rules.TypeFullName, rules.TypeDOB, rules.TypeIDToken, rules.TypeLiteral} {
		res := Apply(nil, rule(typ, rules.Options{}), newRNG())
		assert.False(t, res.Applied, string(typ))
		assert.Nil(t, res.Value, string(typ))
		assert.Empty(t, res.Reason, string(typ))
	}
}

func TestPreserveEmpty(t *testing.T) {
	res := Apply("", rule(rules.TypeGivenName, rules.Options{PreserveEmpty: true}), newRNG())
	assert.False(t, res.Applied)
	assert.Equal(t, "", res.Value)

	// Without the option, an empty string is masked like any other.
	res = Apply("", rule(rules.TypeGivenName, rules.Options{}), newRNG())
	assert.True(t, res.Applied)
	assert.NotEqual(t, "", res.Value)
}

func TestFullNameShape(t *testing.T) {
	rng := newRNG()
	res := Apply("John Quincy Adams", rule(rules.TypeFullName, rules.Options{}), rng)
	require.True(t, res.Applied)
	parts := strings.Split(res.Value.(string), " ")
	assert.Len(t, parts, 2)
}

func TestNameCasingHeuristics(t *testing.T) {
	rng := newRNG()

	res := Apply("SMITH", rule(rules.TypeFamilyName, rules.Options{}), rng)
	assert.Equal(t, strings.ToUpper(res.Value.(string)), res.Value.(string))

	res = Apply("smith", rule(rules.TypeFamilyName, rules.Options{}), rng)
	assert.Equal(t, strings.ToLower(res.Value.(string)), res.Value.(string))
}

func TestEmailShape(t *testing.T) {
	re := regexp.MustCompile(`^[a-z]{8}@example\.(com|org|net|edu)$`)
	rng := newRNG()
	for i := 0; i < 50; i++ {
		res := Apply("alice.smith@acme-health.com", rule(rules.TypeEmail, rules.Options{}), rng)
		require.True(t, res.Applied)
		assert.Regexp(t, re, res.Value)
		assert.NotContains(t, res.Value.(string), "acme-health")
	}
}

func TestPhoneShape(t *testing.T) {
	re := regexp.MustCompile(`^[2-9]\d{2}-[2-9]\d{2}-\d{4}$`)
	rng := newRNG()
	for i := 0; i < 100; i++ {
		res := Apply("(555) 867-5309", rule(rules.TypePhone, rules.Options{}), rng)
		require.True(t, res.Applied)
		assert.Regexp(t, re, res.Value)
	}
}

func TestSSNShape(t *testing.T) {
	re := regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`)
	rng := newRNG()
	for i := 0; i < 50; i++ {
		res := Apply("123-45-6789", rule(rules.TypeSSN, rules.Options{}), rng)
		assert.Regexp(t, re, res.Value)
	}
}

func TestZipPreservesNineDigitForm(t *testing.T) {
	rng := newRNG()

	res := Apply("10001", rule(rules.TypeZip, rules.Options{}), rng)
	assert.Regexp(t, `^\d{5}$`, res.Value)

	res = Apply("10001-1234", rule(rules.TypeZip, rules.Options{}), rng)
	assert.Regexp(t, `^\d{5}-\d{4}$`, res.Value)
}

func TestStateCodeFromCorpus(t *testing.T) {
	rng := newRNG()
	res := Apply("NY", rule(rules.TypeStateCode, rules.Options{}), rng)
	assert.Contains(t, stateCodes, res.Value.(string))
}

func TestStreetAddressShape(t *testing.T) {
	rng := newRNG()
	res := Apply("1600 Pennsylvania Ave", rule(rules.TypeStreetAddress, rules.Options{}), rng)
	assert.Regexp(t, `^\d{1,4} [A-Za-z]+ [A-Za-z]+$`, res.Value)
}

func TestDOBShiftWithinJitter(t *testing.T) {
	orig := "1980-05-01"
	origTime, _ := time.Parse("2006-01-02", orig)
	rng := newRNG()

	for i := 0; i < 200; i++ {
		res := Apply(orig, rule(rules.TypeDOB, rules.Options{}), rng)
		require.True(t, res.Applied)
		got, err := time.Parse("2006-01-02", res.Value.(string))
		require.NoError(t, err)
		days := got.Sub(origTime).Hours() / 24
		assert.LessOrEqual(t, days, 180.0)
		assert.GreaterOrEqual(t, days, -180.0)
	}
}

func TestDOBPreservesTimeOfDayAndZone(t *testing.T) {
	orig := "1980-05-01T13:45:00+02:00"
	rng := newRNG()
	res := Apply(orig, rule(rules.TypeDOB, rules.Options{Jitter: 10}), rng)
	require.True(t, res.Applied)

	got, err := time.Parse(time.RFC3339, res.Value.(string))
	require.NoError(t, err)
	assert.Equal(t, 13, got.Hour())
	assert.Equal(t, 45, got.Minute())
	_, offset := got.Zone()
	assert.Equal(t, 2*3600, offset)
}

func TestDOBUnparseableFailsOpen(t *testing.T) {
	res := Apply("yesterday", rule(rules.TypeDOB, rules.Options{}), newRNG())
	assert.False(t, res.Applied)
	assert.Equal(t, "yesterday", res.Value)
	assert.Equal(t, ReasonBadDate, res.Reason)
}

func TestFreeTextScrub(t *testing.T) {
	r := rule(rules.TypeFreeText, rules.Options{Patterns: []string{`\d{3}-\d{2}-\d{4}`}})
	r.Patterns = []*regexp.Regexp{regexp.MustCompile(`\d{3}-\d{2}-\d{4}`)}

	res := Apply("SSN 123-45-6789 noted on intake.", r, newRNG())
	require.True(t, res.Applied)
	assert.Equal(t, "SSN [REDACTED] noted on intake.", res.Value)
}

func TestIDTokenNumeric(t *testing.T) {
	rng := newRNG()
	for i := 0; i < 100; i++ {
		res := Apply(float64(48213), rule(rules.TypeIDToken, rules.Options{}), rng)
		require.True(t, res.Applied)
		got := res.Value.(float64)
		assert.GreaterOrEqual(t, got, float64(10000))
		assert.LessOrEqual(t, got, float64(99999))
	}
}

func TestIDTokenStringCasingPattern(t *testing.T) {
	rng := newRNG()
	res := Apply("AB-1234-cd", rule(rules.TypeIDToken, rules.Options{}), rng)
	require.True(t, res.Applied)
	got := res.Value.(string)
	require.Len(t, got, len("AB-1234-cd"))
	assert.Regexp(t, `^[A-Z]{2}-\d{4}-[a-z]{2}$`, got)
}

func TestLiteral(t *testing.T) {
	res := Apply("anything", rule(rules.TypeLiteral, rules.Options{Value: "masked"}), newRNG())
	require.True(t, res.Applied)
	assert.Equal(t, "masked", res.Value)
}

func TestCoercionRoundTrip(t *testing.T) {
	// A zip rule on a numeric value coerces to string, masks, re-coerces.
	res := Apply(float64(10001), rule(rules.TypeZip, rules.Options{}), newRNG())
	require.True(t, res.Applied)
	_, isNum := res.Value.(float64)
	assert.True(t, isNum)
}

func TestImpossibleCoercionFailsOpen(t *testing.T) {
	in := map[string]any{"nested": true}
	res := Apply(in, rule(rules.TypePhone, rules.Options{}), newRNG())
	assert.False(t, res.Applied)
	assert.Equal(t, ReasonTypeMismatch, res.Reason)
	assert.Equal(t, in, res.Value)
}
