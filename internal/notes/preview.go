package notes

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// PreviewRenderer converts note markdown into HTML for the formatted
// preview surface. Raw HTML in note text stays escaped.
type PreviewRenderer struct {
	md goldmark.Markdown
}

// NewPreviewRenderer builds a renderer with GitHub-flavored extensions and
// hard line breaks, which matches how note text treats single newlines.
func NewPreviewRenderer() *PreviewRenderer {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
		),
	)
	return &PreviewRenderer{md: md}
}

// Render converts markdown source to HTML.
func (r *PreviewRenderer) Render(source string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(source), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderSections renders each section's content in order, returning HTML
// fragments aligned with the input slice.
func (r *PreviewRenderer) RenderSections(sections []NoteSection) ([]string, error) {
	fragments := make([]string, 0, len(sections))
	for _, section := range sections {
		fragment, err := r.Render(section.Content)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, fragment)
	}
	return fragments, nil
}
