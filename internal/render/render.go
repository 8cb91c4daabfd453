// Package render converts plugin markdown into forms the messaging API
// accepts.
package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Markdown renders src to HTML.
func Markdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// PlainText strips markdown syntax from src, keeping the text, list bullets
// and paragraph breaks.
func PlainText(src string) string {
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	listDepth := 0
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(source))
				if node.HardLineBreak() || node.SoftLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				b.Write(node.Label(source))
			}
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(source))
				}
				endBlock(&b)
			}
			return ast.WalkSkipChildren, nil
		case *ast.List:
			if entering {
				listDepth++
			} else {
				listDepth--
				endBlock(&b)
			}
		case *ast.ListItem:
			if entering {
				b.WriteString(strings.Repeat("  ", max(listDepth-1, 0)))
				b.WriteString("- ")
			} else if !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte('\n')
			}
		case *ast.TextBlock:
			if !entering && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte('\n')
			}
		case *ast.Paragraph, *ast.Heading, *ast.Blockquote:
			if !entering && n.Parent() != nil && n.Parent().Kind() != ast.KindListItem {
				endBlock(&b)
			} else if !entering {
				b.WriteByte('\n')
			}
		case *ast.ThematicBreak:
			if entering {
				endBlock(&b)
			}
		case *extast.TableCell:
			if !entering && n.NextSibling() != nil {
				b.WriteString(" | ")
			}
		case *extast.TableRow, *extast.TableHeader:
			if !entering {
				b.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(collapseBlankLines(b.String()))
}

// endBlock terminates the current block with one blank line.
func endBlock(b *strings.Builder) {
	s := b.String()
	switch {
	case s == "":
	case strings.HasSuffix(s, "\n\n"):
	case strings.HasSuffix(s, "\n"):
		b.WriteByte('\n')
	default:
		b.WriteString("\n\n")
	}
}

func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}
