package validation

import (
	"regexp"

	"github.com/Bridge-Gate/Bridgegate/pkg/wire"
)

// reservedKeys are object keys that enable prototype pollution in
// JavaScript consumers. Members with these keys are dropped outright
// and never re-serialized.
var reservedKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// keyCharPattern matches characters stripped from object keys. Keys keep
// only alphanumerics, space, dot, underscore, and hyphen.
var keyCharPattern = regexp.MustCompile(`[^A-Za-z0-9 ._-]`)

// Dangerous string content, matched case-insensitively.
var (
	scriptTagPattern    = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	jsSchemePattern     = regexp.MustCompile(`(?i)javascript:`)
	eventHandlerPattern = regexp.MustCompile(`(?i)\bon\w+\s*=`)
)

// Sanitizer neutralizes hostile content in parsed JSON payloads.
// Sanitization is idempotent: applying it to already-sanitized input
// returns the input unchanged.
type Sanitizer struct {
	// Stateless - patterns are package-level
}

// NewSanitizer creates a new Sanitizer instance.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// Sanitize recursively rewrites a value:
//   - object members with reserved keys are dropped
//   - remaining keys are stripped to the allowed character set
//   - string values are scrubbed of script blocks, javascript: schemes,
//     and inline event handler patterns
//
// Member order and numeric text are preserved; non-string scalars pass
// through unchanged.
func (s *Sanitizer) Sanitize(v wire.Value) wire.Value {
	switch v.Kind {
	case wire.KindString:
		v.Str = s.scrubString(v.Str)
		return v

	case wire.KindArray:
		out := make([]wire.Value, len(v.Array))
		for i, elem := range v.Array {
			out[i] = s.Sanitize(elem)
		}
		v.Array = out
		return v

	case wire.KindObject:
		out := make([]wire.Member, 0, len(v.Members))
		for _, m := range v.Members {
			stripped := keyCharPattern.ReplaceAllString(m.Key, "")
			// Check both forms: a key like "construct!or" strips to a
			// reserved name and must not survive the first pass.
			if isReservedKey(m.Key) || isReservedKey(stripped) {
				continue
			}
			out = append(out, wire.Member{Key: stripped, Value: s.Sanitize(m.Value)})
		}
		v.Members = out
		return v

	default:
		return v
	}
}

// scrubString removes dangerous patterns until none remain, so removals
// cannot splice a new match together (\"<scr<script>ipt>\" style smuggling).
// Every replacement shrinks the string, so the loop terminates.
func (s *Sanitizer) scrubString(str string) string {
	for {
		next := scriptTagPattern.ReplaceAllString(str, "")
		next = jsSchemePattern.ReplaceAllString(next, "")
		next = eventHandlerPattern.ReplaceAllString(next, "")
		if next == str {
			return next
		}
		str = next
	}
}

func isReservedKey(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}
