package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnparseableOutput is returned when tool text is neither JSON nor
// a literal structure.
var ErrUnparseableOutput = errors.New("unparseable tool output")

// maxPreview bounds how much raw output is quoted in error messages.
const maxPreview = 200

// extractText concatenates the text of every text content block.
// Non-text blocks are ignored.
func extractText(blocks []ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// toolResultToResult converts a tools/call result into a Result.
func toolResultToResult(res callToolResult) Result {
	text := extractText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error with no message"
		}
		return Failure(text)
	}
	if strings.TrimSpace(text) == "" {
		return Success(map[string]any{})
	}
	payload, err := ParseToolOutput(text)
	if err != nil {
		return Failure(err.Error())
	}
	return Success(payload)
}

// ParseToolOutput decodes tool text. Strict JSON is tried first; if
// that fails, single-quoted literal structures such as {'k': 1} or
// ['a', None] are accepted. Anything else wraps ErrUnparseableOutput.
func ParseToolOutput(text string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v, nil
	}
	if v, ok := parseLiteral(text); ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnparseableOutput, preview(text))
}

// parseLiteral accepts a single flow-style collection, a quoted string,
// a number, a boolean or None. Plain prose and block YAML are rejected.
func parseLiteral(text string) (any, bool) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, false
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, false
	}
	root := doc.Content[0]
	if !isLiteral(root, true) {
		return nil, false
	}

	var v any
	if err := root.Decode(&v); err != nil {
		return nil, false
	}
	return normalize(v), true
}

// isLiteral reports whether n looks like a literal value. Bare words are
// only allowed as keys inside a collection, never at the top level.
func isLiteral(n *yaml.Node, top bool) bool {
	switch n.Kind {
	case yaml.MappingNode, yaml.SequenceNode:
		if n.Style&yaml.FlowStyle == 0 {
			return false
		}
		for _, c := range n.Content {
			if !isLiteral(c, false) {
				return false
			}
		}
		return true
	case yaml.ScalarNode:
		if n.Style&yaml.SingleQuotedStyle != 0 {
			return unescapeSingleQuoted(n)
		}
		if n.Style&yaml.DoubleQuotedStyle != 0 {
			return true
		}
		if n.Value == "None" {
			n.Tag, n.Value = "", "null"
			return true
		}
		switch n.ShortTag() {
		case "!!int", "!!float", "!!bool", "!!null":
			return true
		}
		return !top
	}
	return false
}

// unescapeSingleQuoted applies backslash escapes to a single-quoted
// scalar. YAML keeps them verbatim, but a repr such as 'a\nb' means a
// newline. A scalar with an escape Go cannot interpret is not literal.
func unescapeSingleQuoted(n *yaml.Node) bool {
	if !strings.Contains(n.Value, `\`) {
		return true
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(n.Value); i++ {
		c := n.Value[i]
		switch {
		case c == '\\' && i+1 < len(n.Value):
			i++
			switch next := n.Value[i]; next {
			case '\'':
				b.WriteByte('\'')
			case 'x':
				// \xNN is a code point, not a raw byte.
				b.WriteString(`\u00`)
			default:
				b.WriteByte('\\')
				b.WriteByte(next)
			}
		case c == '"':
			b.WriteString(`\"`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')

	v, err := strconv.Unquote(b.String())
	if err != nil {
		return false
	}
	n.Value = v
	return true
}

// normalize converts YAML decoding artefacts into JSON-shaped values so
// callers see the same types regardless of which parser succeeded.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	}
	return v
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxPreview {
		return s
	}
	return s[:maxPreview] + "..."
}
