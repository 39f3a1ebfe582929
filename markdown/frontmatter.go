package markdown

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const fence = "---"

// SplitFrontMatter separates a leading YAML block delimited by "---" lines from
// the document body. A document without front matter yields an empty map and
// the input unchanged. An opening fence without a closing one is an error.
func SplitFrontMatter(raw string) (map[string]any, string, error) {
	raw = strings.TrimPrefix(raw, "\ufeff")
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	if text != fence && !strings.HasPrefix(text, fence+"\n") {
		return map[string]any{}, raw, nil
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(text, fence), "\n")

	var header, body string
	switch {
	case strings.HasPrefix(rest, fence+"\n") || rest == fence:
		body = strings.TrimPrefix(strings.TrimPrefix(rest, fence), "\n")
	default:
		end := strings.Index(rest, "\n"+fence+"\n")
		if end < 0 {
			if !strings.HasSuffix(rest, "\n"+fence) {
				return nil, "", fmt.Errorf("front matter: missing closing %q", fence)
			}
			end = len(rest) - len(fence) - 1
			header, body = rest[:end], ""
		} else {
			header, body = rest[:end], rest[end+len(fence)+2:]
		}
	}

	data := map[string]any{}
	if strings.TrimSpace(header) != "" {
		var doc yaml.Node
		if err := yaml.Unmarshal([]byte(header), &doc); err != nil {
			return nil, "", fmt.Errorf("front matter: %w", err)
		}
		timestampsAsText(&doc)
		if err := doc.Decode(&data); err != nil {
			return nil, "", fmt.Errorf("front matter: %w", err)
		}
		if data == nil {
			data = map[string]any{}
		}
	}
	return data, body, nil
}

// timestampsAsText retags timestamp scalars as strings so a date decodes to
// the text the author wrote instead of a time.Time.
func timestampsAsText(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.ShortTag() == "!!timestamp" {
		n.Tag = "!!str"
	}
	for _, c := range n.Content {
		timestampsAsText(c)
	}
}
