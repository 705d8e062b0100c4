package templatefmt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"
)

// ErrMissingKey reports a placeholder that has no value in the render context.
var ErrMissingKey = errors.New("missing template key")

// Vars is the render context for brace templates.
// Params: placeholder name to rendered value.
// Returns: lookup table consumed by compiled templates.
type Vars map[string]string

// Get resolves one placeholder value.
// Params: placeholder name.
// Returns: value or ErrMissingKey.
func (v Vars) Get(key string) (string, error) {
	value, ok := v[key]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrMissingKey, key)
	}
	return value, nil
}

// Parse compiles one brace template ("Price {price} for {symbol}") into text/template.
// "{{" and "}}" render literal braces.
// Params: template name and body.
// Returns: compiled template or syntax error.
func Parse(name, body string) (*template.Template, error) {
	translated, err := translate(body)
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", name, err)
	}
	return template.New(name).Option("missingkey=error").Parse(translated)
}

// Render compiles and executes one brace template.
// Params: template body and placeholder values.
// Returns: rendered text or parse/missing-key error.
func Render(body string, vars Vars) (string, error) {
	tmpl, err := Parse("message", body)
	if err != nil {
		return "", err
	}
	var rendered strings.Builder
	if err := tmpl.Execute(&rendered, vars); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return rendered.String(), nil
}

// Number renders a metric value in its shortest exact decimal form.
// Params: metric value.
// Returns: formatted number (205 -> "205", 0.5 -> "0.5").
func Number(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// translate rewrites brace placeholders into text/template actions.
func translate(body string) (string, error) {
	var out strings.Builder
	out.Grow(len(body) + 16)
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '{':
			if i+1 < len(body) && body[i+1] == '{' {
				out.WriteString(`{{"{"}}`)
				i++
				continue
			}
			end := strings.IndexByte(body[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("unclosed placeholder at offset %d", i)
			}
			key := body[i+1 : i+1+end]
			if strings.TrimSpace(key) == "" || strings.ContainsRune(key, '{') {
				return "", fmt.Errorf("invalid placeholder at offset %d", i)
			}
			out.WriteString("{{.Get ")
			out.WriteString(strconv.Quote(key))
			out.WriteString("}}")
			i += end + 1
		case '}':
			if i+1 < len(body) && body[i+1] == '}' {
				out.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("single '}' at offset %d", i)
		default:
			out.WriteByte(body[i])
		}
	}
	return out.String(), nil
}
