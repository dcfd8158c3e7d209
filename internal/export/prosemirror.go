package export

import (
	"fmt"
	"html"
	"strings"

	"backstage/api/internal/scenenotes"
)

// RenderHTML converts a note document, or a fragment wrapped in one, to
// HTML. Unknown node types render their children.
func RenderHTML(n scenenotes.Node) string {
	var b strings.Builder
	renderNode(&b, n)
	return b.String()
}

// RenderFragment renders a list of top-level nodes.
func RenderFragment(nodes []scenenotes.Node) string {
	var b strings.Builder
	for _, n := range nodes {
		renderNode(&b, n)
	}
	return b.String()
}

func renderNode(b *strings.Builder, n scenenotes.Node) {
	switch n.Type {
	case scenenotes.TypeDoc:
		renderChildren(b, n)
	case scenenotes.TypeParagraph:
		wrap(b, n, "<p>", "</p>\n")
	case scenenotes.TypeHeading:
		level := headingLevel(n.Attrs)
		wrap(b, n, fmt.Sprintf("<h%d>", level), fmt.Sprintf("</h%d>\n", level))
	case scenenotes.TypeBulletList:
		wrap(b, n, "<ul>\n", "</ul>\n")
	case "orderedList":
		wrap(b, n, "<ol>\n", "</ol>\n")
	case scenenotes.TypeListItem:
		wrap(b, n, "<li>", "</li>\n")
	case "blockquote":
		wrap(b, n, "<blockquote>\n", "</blockquote>\n")
	case "codeBlock":
		b.WriteString("<pre><code>")
		b.WriteString(html.EscapeString(scenenotes.PlainText(n)))
		b.WriteString("</code></pre>\n")
	case scenenotes.TypeText:
		b.WriteString(renderTextWithMarks(n.Text, n.Marks))
	case scenenotes.TypeUserMention, scenenotes.TypeSlashMention:
		label, _ := n.Attrs["label"].(string)
		prefix := "@"
		if n.Type == scenenotes.TypeSlashMention {
			prefix = "/"
		}
		fmt.Fprintf(b, `<span class="mention">%s%s</span>`, prefix, html.EscapeString(label))
	case "hardBreak":
		b.WriteString("<br>")
	case scenenotes.TypeHorizontalRule:
		b.WriteString("<hr>\n")
	default:
		renderChildren(b, n)
	}
}

func wrap(b *strings.Builder, n scenenotes.Node, open, close string) {
	b.WriteString(open)
	renderChildren(b, n)
	b.WriteString(close)
}

func renderChildren(b *strings.Builder, n scenenotes.Node) {
	for _, child := range n.Content {
		renderNode(b, child)
	}
}

func headingLevel(attrs map[string]any) int {
	switch v := attrs["level"].(type) {
	case float64:
		return clampLevel(int(v))
	case int:
		return clampLevel(v)
	}
	return 1
}

func clampLevel(level int) int {
	if level < 1 {
		return 1
	}
	if level > 6 {
		return 6
	}
	return level
}

// renderTextWithMarks applies marks from the outside in.
func renderTextWithMarks(text string, marks []scenenotes.Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "code":
			out = "<code>" + out + "</code>"
		case "strike":
			out = "<s>" + out + "</s>"
		case "underline":
			out = "<u>" + out + "</u>"
		case "link":
			href, _ := marks[i].Attrs["href"].(string)
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		}
	}
	return out
}
