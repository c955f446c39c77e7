// Package render turns assistant output into displayable HTML fragments.
package render

import (
	"bytes"
	"encoding/json"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/harrison/agentrun/internal/models"
)

// Renderer renders accumulated output for a declared output kind.
type Renderer struct {
	markdown goldmark.Markdown
}

// New creates a renderer with GitHub-flavoured markdown support.
func New() *Renderer {
	return &Renderer{
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// Incremental reports whether chunks of this kind are forwarded one by one
// rather than re-rendered as a whole.
func Incremental(kind string) bool {
	switch kind {
	case models.OutputMarkdown, models.OutputHTML, models.OutputJSON:
		return false
	}
	return true
}

// Chunk renders a single plain-text chunk for incremental forwarding.
func Chunk(chunk string) string {
	return html.EscapeString(chunk)
}

// Render renders the full content for kind. HTML is passed through, markdown
// is converted, JSON is pretty-printed when it parses, and anything else is
// escaped into a preformatted block.
func (r *Renderer) Render(kind, content string) string {
	switch kind {
	case models.OutputHTML:
		return content
	case models.OutputMarkdown:
		var buf bytes.Buffer
		if err := r.markdown.Convert([]byte(content), &buf); err != nil {
			return preformatted("markdown-content", content)
		}
		return `<div class="markdown-content">` + buf.String() + `</div>`
	case models.OutputJSON:
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, []byte(strings.TrimSpace(content)), "", "  "); err == nil {
			return preformatted("json-content", pretty.String())
		}
		return preformatted("json-content", content)
	default:
		return preformatted("text-content", content)
	}
}

func preformatted(class, content string) string {
	return `<div class="` + class + `"><pre class="whitespace-pre-wrap">` + html.EscapeString(content) + `</pre></div>`
}

// DefaultFlushThreshold is the number of new characters that triggers a
// re-render.
const DefaultFlushThreshold = 100

// Flusher decides when buffered output should be re-rendered: once enough
// new characters have accumulated, or when a chunk ends a sentence or
// paragraph.
type Flusher struct {
	Threshold int
	pending   int
}

// Add records a chunk and reports whether to flush now.
func (f *Flusher) Add(chunk string) bool {
	threshold := f.Threshold
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	f.pending += len([]rune(chunk))
	if f.pending >= threshold || endsBoundary(chunk) {
		f.pending = 0
		return true
	}
	return false
}

// Pending returns the number of characters added since the last flush.
func (f *Flusher) Pending() int {
	return f.pending
}

func endsBoundary(chunk string) bool {
	if chunk == "" {
		return false
	}
	switch chunk[len(chunk)-1] {
	case '.', '!', '?', '\n':
		return true
	}
	return false
}
