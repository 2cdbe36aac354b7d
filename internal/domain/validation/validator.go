package validation

import (
	"unicode/utf8"

	"github.com/Bridge-Gate/Bridgegate/pkg/wire"
)

// Validator checks inbound frames for size, encoding, and JSON-RPC
// envelope correctness.
type Validator struct {
	maxBytes int
}

// NewValidator creates a Validator enforcing the given frame size cap.
func NewValidator(maxBytes int) *Validator {
	return &Validator{maxBytes: maxBytes}
}

// Check validates one inbound frame.
//
// Rules:
//   - the frame must not exceed the size cap ("Input too large")
//   - the frame must be valid UTF-8 ("Invalid encoding")
//   - a JSON object carrying a "jsonrpc" member must carry the value
//     "2.0" ("Invalid protocol version") and at least one of "method"
//     or "id" ("Missing method or id")
//   - anything that does not parse as JSON passes as opaque text
//
// On success the parsed value and true are returned for JSON frames,
// or a zero value and false for opaque text. Check never panics on
// hostile input.
func (v *Validator) Check(frame []byte) (wire.Value, bool, *ValidationError) {
	if v.maxBytes > 0 && len(frame) > v.maxBytes {
		return wire.Value{}, false, NewValidationError(ErrCodeInvalidRequest, "Input too large")
	}
	if !utf8.Valid(frame) {
		return wire.Value{}, false, NewValidationError(ErrCodeInvalidRequest, "Invalid encoding")
	}

	val, err := wire.ParseValue(frame)
	if err != nil {
		// Not JSON: the frame passes through as opaque text.
		return wire.Value{}, false, nil
	}

	if val.Kind == wire.KindObject {
		if proto, ok := val.Field("jsonrpc"); ok {
			if proto.Kind != wire.KindString || proto.Str != "2.0" {
				return wire.Value{}, false, NewValidationError(ErrCodeInvalidRequest, "Invalid protocol version")
			}
			_, hasMethod := val.Field("method")
			_, hasID := val.Field("id")
			if !hasMethod && !hasID {
				return wire.Value{}, false, NewValidationError(ErrCodeInvalidRequest, "Missing method or id")
			}
		}
	}

	return val, true, nil
}
