package filetree

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidTemplate reports malformed placeholder syntax.
	ErrInvalidTemplate = errors.New("invalid template")
	// ErrMissingField reports a placeholder key absent from the field bag.
	ErrMissingField = errors.New("missing template field")
)

// Render expands {key} placeholders in template from fields. A placeholder
// may carry a zero-pad width after a colon: {revision:03} renders "2" as
// "002". Literal text outside placeholders passes through unchanged.
// A key absent from the bag is an error, never an empty segment: downstream
// filesystem paths depend on explicit failure.
func Render(template string, fields map[string]string) (string, error) {
	var b strings.Builder
	start := -1
	for i := 0; i < len(template); i++ {
		switch template[i] {
		case '{':
			if start >= 0 {
				return "", fmt.Errorf("%w: unmatched '{' at position %d", ErrInvalidTemplate, start)
			}
			start = i
		case '}':
			if start < 0 {
				return "", fmt.Errorf("%w: unmatched '}' at position %d", ErrInvalidTemplate, i)
			}
			expanded, err := expandField(template[start+1:i], fields)
			if err != nil {
				return "", err
			}
			b.WriteString(expanded)
			start = -1
		default:
			if start < 0 {
				b.WriteByte(template[i])
			}
		}
	}
	if start >= 0 {
		return "", fmt.Errorf("%w: unmatched '{' at position %d", ErrInvalidTemplate, start)
	}
	return b.String(), nil
}

// probeFields holds every key the resolver can supply. Templates are
// validated against it before being stored, so configuration defects
// surface at write time instead of at the first publish.
func probeFields() map[string]string {
	return map[string]string{
		"project":   "probe",
		"episode":   "probe",
		"sequence":  "probe",
		"shot":      "probe",
		"asset":     "probe",
		"entity":    "probe",
		"task_type": "probe",
		"task":      "probe",
		"revision":  "1",
	}
}

// ValidateTemplate checks template syntax and that every referenced field
// is one the resolver supplies.
func ValidateTemplate(template string) error {
	_, err := Render(template, probeFields())
	return err
}

func expandField(spec string, fields map[string]string) (string, error) {
	key := spec
	pad := 0
	if idx := strings.IndexByte(spec, ':'); idx >= 0 {
		key = spec[:idx]
		format := spec[idx+1:]
		if len(format) < 2 || format[0] != '0' {
			return "", fmt.Errorf("%w: bad format %q for field %q", ErrInvalidTemplate, format, key)
		}
		width, err := strconv.Atoi(format[1:])
		if err != nil || width <= 0 {
			return "", fmt.Errorf("%w: bad format %q for field %q", ErrInvalidTemplate, format, key)
		}
		pad = width
	}
	val, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMissingField, key)
	}
	if pad > 0 {
		if n, err := strconv.Atoi(val); err == nil {
			return fmt.Sprintf("%0*d", pad, n), nil
		}
		if len(val) < pad {
			return strings.Repeat("0", pad-len(val)) + val, nil
		}
	}
	return val, nil
}
