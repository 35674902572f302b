package engine

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Excerpt reduces Markdown to a single plain-text line of at most maxRunes
// runes, for status summaries and proposal previews. Block structure
// collapses to spaces; formatting marks are dropped with their nodes.
func Excerpt(markdown string, maxRunes int) string {
	source := []byte(markdown)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var sb strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			sb.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.CodeSpan:
			// Children are Text nodes, handled above.
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			sb.WriteByte(' ')
			return ast.WalkSkipChildren, nil
		}
		if _, isBlock := n.(*ast.Paragraph); isBlock {
			sb.WriteByte(' ')
		}
		return ast.WalkContinue, nil
	})

	flat := strings.Join(strings.Fields(sb.String()), " ")
	runes := []rune(flat)
	if maxRunes > 0 && len(runes) > maxRunes {
		return string(runes[:maxRunes]) + "…"
	}
	return flat
}
