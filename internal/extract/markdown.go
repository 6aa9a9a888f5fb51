package extract

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough))

// extractMarkdown renders a Markdown document to plain text: markup is dropped, block elements
// are separated by blank lines and code blocks keep their lines.
func extractMarkdown(content []byte) (string, error) {
	source := []byte(toValidUTF8(content))
	doc := markdown.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	blockEnd := func() {
		s := b.String()
		switch {
		case s == "", strings.HasSuffix(s, "\n\n"):
		case strings.HasSuffix(s, "\n"):
			b.WriteByte('\n')
		default:
			b.WriteString("\n\n")
		}
	}

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				b.Write(node.URL(source))
			}
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(source))
				}
				blockEnd()
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.TextBlock:
			if !entering {
				b.WriteByte('\n')
			}
		case *ast.Paragraph, *ast.Heading, *ast.List, *ast.Blockquote, *ast.ThematicBreak:
			if !entering {
				blockEnd()
			}
		case *extast.TableHeader, *extast.TableRow:
			if !entering {
				b.WriteByte('\n')
			}
		case *extast.TableCell:
			if entering && node.PreviousSibling() != nil {
				b.WriteByte('\t')
			}
		case *extast.Table:
			if !entering {
				blockEnd()
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
