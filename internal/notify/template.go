// Package notify renders notification bodies and dispatches them to
// webhook endpoints with bounded retries and a durable delivery log.
package notify

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RenderContext is the flattened set of values a template may reference.
// The available keys: name, description, state, value, threshold, operator,
// observed_at, metadata.*, and url_to_rule.
type RenderContext map[string]interface{}

// Render expands every `{{alert.KEY}}` and `{{alert.metadata.KEY}}`
// occurrence in body against ctx. A literal `{{` can be produced with the
// escape `\{{`; a `{{...}}` whose key does not start with `alert.` passes
// through unchanged. Missing keys expand to the empty string; rendering
// never fails. Numbers are formatted with up to 6 significant digits, times in
// RFC3339, everything else via fmt.Sprintf("%v").
func Render(body string, ctx RenderContext) string {
	var out strings.Builder
	i := 0
	for i < len(body) {
		if strings.HasPrefix(body[i:], `\{{`) {
			out.WriteString("{{")
			i += 3
			continue
		}
		if strings.HasPrefix(body[i:], "{{") {
			end := strings.Index(body[i:], "}}")
			if end == -1 {
				out.WriteString(body[i:])
				break
			}
			key := strings.TrimSpace(body[i+2 : i+end])
			if !strings.HasPrefix(key, "alert.") {
				// Not a placeholder: emit the braces literally and keep scanning.
				out.WriteString("{{")
				i += 2
				continue
			}
			out.WriteString(resolve(key, ctx))
			i += end + 2
			continue
		}
		out.WriteByte(body[i])
		i++
	}
	return out.String()
}

// resolve looks up a `alert.KEY` or `alert.metadata.KEY` reference.
func resolve(key string, ctx RenderContext) string {
	const prefix = "alert."
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	field := strings.TrimPrefix(key, prefix)

	if strings.HasPrefix(field, "metadata.") {
		metaKey := strings.TrimPrefix(field, "metadata.")
		meta, _ := ctx["metadata"].(map[string]string)
		if meta == nil {
			return ""
		}
		return meta[metaKey]
	}

	v, ok := ctx[field]
	if !ok || v == nil {
		return ""
	}
	return formatValue(v)
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'g', 6, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', 6, 32)
	case int:
		return strconv.Itoa(val)
	case time.Time:
		return val.Format(time.RFC3339)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// RenderJSONBody parses body as JSON, renders every string leaf against
// ctx, and re-serializes it. Non-string leaves pass through untouched. If
// body is not valid JSON, it is treated as a single string template.
func RenderJSONBody(body string, ctx RenderContext) ([]byte, error) {
	var doc interface{}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return json.Marshal(Render(body, ctx))
	}
	return json.Marshal(renderLeaves(doc, ctx))
}

func renderLeaves(node interface{}, ctx RenderContext) interface{} {
	switch v := node.(type) {
	case string:
		return Render(v, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = renderLeaves(val, ctx)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = renderLeaves(val, ctx)
		}
		return out
	default:
		return v
	}
}
