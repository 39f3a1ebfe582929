// Package markdown turns post sources into HTML and splits off their front
// matter. Rendering follows GitHub-flavored markdown with heading anchors, the
// same dialect posts were written against when they were compiled as MDX.
package markdown

import (
	"bytes"
	"io"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	mdOnce sync.Once
	md     goldmark.Markdown
)

// converter is built once; goldmark keeps per-call state in the parse context
// so the instance is safe to share.
func converter() goldmark.Markdown {
	mdOnce.Do(func() {
		md = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
			// Posts are authored by the site owner and may embed markup.
			goldmark.WithRendererOptions(html.WithUnsafe()),
		)
	})
	return md
}

// Render writes the HTML for src to w.
func Render(w io.Writer, src string) error {
	return converter().Convert([]byte(src), w)
}

// ToHTML returns the HTML for src.
func ToHTML(src string) (string, error) {
	var buf bytes.Buffer
	if err := Render(&buf, src); err != nil {
		return "", err
	}
	return buf.String(), nil
}
