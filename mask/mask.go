// Package mask applies a single masking rule to a single value, producing a
// structure-preserving surrogate of the same semantic type. Dispatch is a
// closed table keyed by rule type; every masker preserves nullability and
// the runtime type of its input.
//
// Values of the wrong runtime type are coerced to string, masked, and
// re-coerced. When re-coercion is impossible the rule fails open: the
// original value is kept and the result carries a reason so the caller can
// count the mismatch.
package mask

import (
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"phimask.evalgo.org/rules"
)

// Reasons reported on results that were not applied.
const (
	ReasonTypeMismatch = "type_mismatch"
	ReasonBadDate      = "unparseable_date"
)

// Result carries the masked value and whether the rule actually applied.
// Applied=false with an empty Reason means the value was intentionally
// preserved (null, or empty with preserveEmpty); a non-empty Reason marks a
// fail-open condition the transformer counts in metrics.
type Result struct {
	Value   any
	Applied bool
	Reason  string
}

func preserved(v any) Result { return Result{Value: v} }
func applied(v any) Result   { return Result{Value: v, Applied: true} }

func failed(v any, why string) Result { return Result{Value: v, Reason: why} }

// Apply masks one value under one rule. The rng is owned by the calling
// worker; surrogates are never derived from the original value.
func Apply(value any, r *rules.Rule, rng *rand.Rand) Result {
	// Nulls are never masked and no field is ever created for them.
	if value == nil {
		return preserved(nil)
	}

	switch r.Type {
	case rules.TypeLiteral:
		return applied(r.Options.Value)
	case rules.TypeDOB:
		return maskDate(value, r, rng)
	case rules.TypeIDToken:
		return maskIDToken(value, rng)
	}

	s, wasString := value.(string)
	if !wasString {
		coerced, ok := coerceString(value)
		if !ok {
			return failed(value, ReasonTypeMismatch)
		}
		s = coerced
	}

	if s == "" && r.Options.PreserveEmpty {
		return preserved(value)
	}

	masked, ok := maskString(s, r, rng)
	if !ok {
		return failed(value, ReasonTypeMismatch)
	}

	if wasString {
		return applied(masked)
	}
	recoerced, ok := recoerce(masked, value)
	if !ok {
		return failed(value, ReasonTypeMismatch)
	}
	return applied(recoerced)
}

// maskString handles every string-valued rule type.
func maskString(s string, r *rules.Rule, rng *rand.Rand) (string, bool) {
	switch r.Type {
	case rules.TypeFullName:
		return matchCase(s, pick(rng, givenNames)+" "+pick(rng, familyNames)), true
	case rules.TypeGivenName:
		return matchCase(s, pick(rng, givenNames)), true
	case rules.TypeFamilyName:
		return matchCase(s, pick(rng, familyNames)), true
	case rules.TypeEmail:
		return token(rng, 8, lower) + "@example." + pick(rng, emailTLDs), true
	case rules.TypePhone, rules.TypeFax:
		return maskPhone(rng), true
	case rules.TypeSSN:
		return fmt.Sprintf("%03d-%02d-%04d", rng.IntN(1000), rng.IntN(100), rng.IntN(10000)), true
	case rules.TypeStreetAddress:
		return fmt.Sprintf("%d %s %s", 1+rng.IntN(9999), pick(rng, streetWords), pick(rng, streetSuffixes)), true
	case rules.TypeCity:
		return pick(rng, cities), true
	case rules.TypeStateCode:
		return pick(rng, stateCodes), true
	case rules.TypeZip:
		return maskZip(s, rng), true
	case rules.TypeUserName:
		return token(rng, 10, lower), true
	case rules.TypeFreeText:
		for _, re := range r.Patterns {
			s = re.ReplaceAllString(s, "[REDACTED]")
		}
		return s, true
	default:
		return "", false
	}
}

// maskPhone builds a ten-digit US-style number NXX-NXX-XXXX with the leading
// digit of each exchange group in 2-9.
func maskPhone(rng *rand.Rand) string {
	area := (2+rng.IntN(8))*100 + rng.IntN(100)
	exchange := (2+rng.IntN(8))*100 + rng.IntN(100)
	return fmt.Sprintf("%03d-%03d-%04d", area, exchange, rng.IntN(10000))
}

var nineDigitZip = regexp.MustCompile(`^\d{5}-\d{4}$`)

// maskZip draws a five-digit zip, keeping the nine-digit form when the
// input carried one.
func maskZip(s string, rng *rand.Rand) string {
	z := fmt.Sprintf("%05d", rng.IntN(100000))
	if nineDigitZip.MatchString(s) {
		z += fmt.Sprintf("-%04d", rng.IntN(10000))
	}
	return z
}

// dateLayouts are tried in order; the matching layout is reused for output
// so time-of-day and zone representation survive the shift.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func maskDate(value any, r *rules.Rule, rng *rand.Rand) Result {
	jitter := r.Options.Jitter
	if jitter <= 0 {
		jitter = 180
	}
	offsetDays := rng.IntN(2*jitter+1) - jitter

	switch v := value.(type) {
	case time.Time:
		return applied(v.AddDate(0, 0, offsetDays))
	case string:
		if v == "" && r.Options.PreserveEmpty {
			return preserved(value)
		}
		for _, layout := range dateLayouts {
			t, err := time.Parse(layout, v)
			if err != nil {
				continue
			}
			return applied(t.AddDate(0, 0, offsetDays).Format(layout))
		}
		return failed(value, ReasonBadDate)
	default:
		return failed(value, ReasonTypeMismatch)
	}
}

// maskIDToken replaces numeric ids with a uniform draw of the same digit
// count and string ids with random alphanumerics matching the original's
// casing pattern; punctuation is kept in place.
func maskIDToken(value any, rng *rand.Rand) Result {
	switch v := value.(type) {
	case float64:
		if v != math.Trunc(v) {
			return failed(value, ReasonTypeMismatch)
		}
		return applied(float64(randomSameDigits(int64(v), rng)))
	case int:
		return applied(int(randomSameDigits(int64(v), rng)))
	case int64:
		return applied(randomSameDigits(v, rng))
	case string:
		out := make([]rune, 0, len(v))
		for _, c := range v {
			switch {
			case unicode.IsDigit(c):
				out = append(out, rune('0'+rng.IntN(10)))
			case unicode.IsUpper(c):
				out = append(out, rune('A'+rng.IntN(26)))
			case unicode.IsLower(c):
				out = append(out, rune('a'+rng.IntN(26)))
			default:
				out = append(out, c)
			}
		}
		return applied(string(out))
	default:
		return failed(value, ReasonTypeMismatch)
	}
}

// randomSameDigits draws uniformly from [10^(d-1), 10^d - 1] where d is the
// digit count of n. Sign is preserved; zero stays a single digit.
func randomSameDigits(n int64, rng *rand.Rand) int64 {
	neg := n < 0
	if neg {
		n = -n
	}
	digits := 1
	for x := n; x >= 10; x /= 10 {
		digits++
	}
	low := int64(1)
	for i := 1; i < digits; i++ {
		low *= 10
	}
	if digits == 1 {
		low = 0
	}
	high := low*10 - 1
	if digits == 1 {
		high = 9
	}
	out := low + rng.Int64N(high-low+1)
	if neg {
		out = -out
	}
	return out
}

const lower = "abcdefghijklmnopqrstuvwxyz"

func token(rng *rand.Rand, n int, charset string) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = charset[rng.IntN(len(charset))]
	}
	return string(b)
}

func pick(rng *rand.Rand, list []string) string {
	return list[rng.IntN(len(list))]
}

// matchCase applies the original's casing to the replacement when the
// original is uniformly upper or lower case.
func matchCase(orig, repl string) string {
	if orig == "" {
		return repl
	}
	hasLetter := false
	allUpper, allLower := true, true
	for _, c := range orig {
		if !unicode.IsLetter(c) {
			continue
		}
		hasLetter = true
		if !unicode.IsUpper(c) {
			allUpper = false
		}
		if !unicode.IsLower(c) {
			allLower = false
		}
	}
	switch {
	case hasLetter && allUpper:
		return strings.ToUpper(repl)
	case hasLetter && allLower:
		return strings.ToLower(repl)
	default:
		return repl
	}
}

// coerceString renders a non-string scalar for masking.
func coerceString(value any) (string, bool) {
	switch v := value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

// recoerce converts a masked string back to the original's runtime type.
// Non-numeric characters are stripped first so formatted surrogates such as
// phone numbers can re-coerce to numbers.
func recoerce(masked string, original any) (any, bool) {
	switch original.(type) {
	case float64, int, int64:
		digits := strings.Map(func(c rune) rune {
			if c >= '0' && c <= '9' {
				return c
			}
			return -1
		}, masked)
		if digits == "" {
			return nil, false
		}
		f, err := strconv.ParseFloat(digits, 64)
		if err != nil {
			return nil, false
		}
		switch original.(type) {
		case int:
			return int(f), true
		case int64:
			return int64(f), true
		default:
			return f, true
		}
	case bool:
		return nil, false
	default:
		return nil, false
	}
}
