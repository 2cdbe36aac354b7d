package validation

import (
	"testing"

	"github.com/Bridge-Gate/Bridgegate/pkg/wire"
)

func sanitizeJSON(t *testing.T, raw string) string {
	t.Helper()
	v, err := wire.ParseValue([]byte(raw))
	if err != nil {
		t.Fatalf("ParseValue(%s): %v", raw, err)
	}
	return string(NewSanitizer().Sanitize(v).AppendJSON(nil))
}

func TestSanitizer_DropsReservedKeys(t *testing.T) {
	t.Parallel()

	got := sanitizeJSON(t, `{"a":1,"__proto__":{"x":1},"constructor":2,"prototype":[],"b":2}`)
	want := `{"a":1,"b":2}`
	if got != want {
		t.Errorf("sanitized = %s, want %s", got, want)
	}
}

func TestSanitizer_DropsSmuggledReservedKeys(t *testing.T) {
	t.Parallel()

	// "construct!or" strips to "constructor"; it must be dropped, not
	// kept under the stripped name.
	got := sanitizeJSON(t, `{"construct!or":1,"__pro!to__":2,"ok":3}`)
	want := `{"ok":3}`
	if got != want {
		t.Errorf("sanitized = %s, want %s", got, want)
	}
}

func TestSanitizer_StripsKeyCharacters(t *testing.T) {
	t.Parallel()

	got := sanitizeJSON(t, `{"we$ird{key}":1,"fine.key_name-2 x":2}`)
	want := `{"weirdkey":1,"fine.key_name-2 x":2}`
	if got != want {
		t.Errorf("sanitized = %s, want %s", got, want)
	}
}

func TestSanitizer_ScrubsScriptBlocks(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{`<script>alert(1)</script>ok`, `ok`},
		{`a<SCRIPT type="x">payload</SCRIPT>b`, `ab`},
		{`<script src="x">
multi
line</script>tail`, `tail`},
	}
	for _, tc := range cases {
		got := sanitizeJSON(t, `{"v":`+mustQuote(tc.in)+`}`)
		want := `{"v":` + mustQuote(tc.want) + `}`
		if got != want {
			t.Errorf("scrub(%q) = %s, want %s", tc.in, got, want)
		}
	}
}

func TestSanitizer_ScrubsJavascriptScheme(t *testing.T) {
	t.Parallel()

	got := sanitizeJSON(t, `{"link":"JavaScript:alert(2)"}`)
	want := `{"link":"alert(2)"}`
	if got != want {
		t.Errorf("sanitized = %s, want %s", got, want)
	}
}

func TestSanitizer_ScrubsEventHandlers(t *testing.T) {
	t.Parallel()

	got := sanitizeJSON(t, `{"v":"<img onerror=alert(1) onload=x>"}`)
	want := `{"v":"<img alert(1) x>"}`
	if got != want {
		t.Errorf("sanitized = %s, want %s", got, want)
	}

	// Whitespace between the handler name and '=' is part of the match.
	got = sanitizeJSON(t, `{"v":"onclick = go()"}`)
	want = `{"v":" go()"}`
	if got != want {
		t.Errorf("sanitized = %s, want %s", got, want)
	}

	// "on" inside a word is not an event handler.
	got = sanitizeJSON(t, `{"v":"season=winter"}`)
	want = `{"v":"season=winter"}`
	if got != want {
		t.Errorf("sanitized = %s, want %s", got, want)
	}
}

func TestSanitizer_ScrubsSplicedPatterns(t *testing.T) {
	t.Parallel()

	// Removing the inner match must not leave a fresh match behind.
	got := sanitizeJSON(t, `{"v":"javajavascript:script:alert(1)"}`)
	want := `{"v":"alert(1)"}`
	if got != want {
		t.Errorf("sanitized = %s, want %s", got, want)
	}
}

func TestSanitizer_PreservesOrderAndNumbers(t *testing.T) {
	t.Parallel()

	raw := `{"jsonrpc":"2.0","id":9007199254740993,"method":"echo","params":{"z":1,"a":2}}`
	if got := sanitizeJSON(t, raw); got != raw {
		t.Errorf("clean payload changed:\n got %s\nwant %s", got, raw)
	}
}

func TestSanitizer_FullRequestRewrite(t *testing.T) {
	t.Parallel()

	in := `{"jsonrpc":"2.0","id":4,"method":"echo","params":{"__proto__":{"x":1},"note":"<script>alert(1)</script>ok","link":"javascript:alert(2)"}}`
	want := `{"jsonrpc":"2.0","id":4,"method":"echo","params":{"note":"ok","link":"alert(2)"}}`
	if got := sanitizeJSON(t, in); got != want {
		t.Errorf("sanitized:\n got %s\nwant %s", got, want)
	}
}

func TestSanitizer_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		`{"construct!or":1,"note":"<script>x</script>y","link":"javajavascript:script:z"}`,
		`{"nested":{"__proto__":1,"arr":["onclick=a","<SCRIPT>b</SCRIPT>"]}}`,
		`{"clean":"payload","n":[1,2.5,"three"]}`,
	}
	s := NewSanitizer()
	for _, raw := range inputs {
		v, err := wire.ParseValue([]byte(raw))
		if err != nil {
			t.Fatalf("ParseValue(%s): %v", raw, err)
		}
		once := s.Sanitize(v)
		twice := s.Sanitize(once)
		a, b := string(once.AppendJSON(nil)), string(twice.AppendJSON(nil))
		if a != b {
			t.Errorf("sanitize not idempotent for %s:\n once %s\ntwice %s", raw, a, b)
		}
	}
}

func TestSanitizer_NonStringScalarsUntouched(t *testing.T) {
	t.Parallel()

	raw := `{"b":true,"n":null,"i":42,"f":-0.5}`
	if got := sanitizeJSON(t, raw); got != raw {
		t.Errorf("scalars changed: %s", got)
	}
}

func mustQuote(s string) string {
	v := wire.Value{Kind: wire.KindString, Str: s}
	return string(v.AppendJSON(nil))
}
