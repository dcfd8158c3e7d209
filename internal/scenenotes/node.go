// Package scenenotes splits a performance note document into per-scene
// sections and assembles the sections back into one document.
package scenenotes

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Node is a ProseMirror document node.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is inline formatting on a text node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

const (
	TypeDoc            = "doc"
	TypeHeading        = "heading"
	TypeParagraph      = "paragraph"
	TypeText           = "text"
	TypeBulletList     = "bulletList"
	TypeOrderedList    = "orderedList"
	TypeListItem       = "listItem"
	TypeHorizontalRule = "horizontalRule"
	TypeUserMention    = "userMention"
	TypeSlashMention   = "slashMention"
)

// Doc wraps top-level nodes in a document node.
func Doc(content ...Node) Node {
	if content == nil {
		content = []Node{}
	}
	return Node{Type: TypeDoc, Content: content}
}

// DecodeDoc parses stored note content. Empty input yields an empty doc.
func DecodeDoc(raw []byte) (Node, error) {
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return Doc(), nil
	}
	var doc Node
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Node{}, fmt.Errorf("decode note content: %w", err)
	}
	return doc, nil
}

// PlainText concatenates the text of n and its descendants.
func PlainText(n Node) string {
	var b strings.Builder
	var walk func(Node)
	walk = func(n Node) {
		b.WriteString(n.Text)
		for _, child := range n.Content {
			walk(child)
		}
	}
	walk(n)
	return b.String()
}

func heading(level int, text string) Node {
	return Node{
		Type:    TypeHeading,
		Attrs:   map[string]any{"level": level},
		Content: []Node{{Type: TypeText, Text: text}},
	}
}

func paragraph(text string) Node {
	p := Node{Type: TypeParagraph}
	if text != "" {
		p.Content = []Node{{Type: TypeText, Text: text}}
	}
	return p
}

// Placeholder is the empty bullet list shown for a scene without notes.
func Placeholder() []Node {
	return []Node{{
		Type: TypeBulletList,
		Content: []Node{{
			Type:    TypeListItem,
			Content: []Node{{Type: TypeParagraph}},
		}},
	}}
}

// IsPlaceholder reports whether fragment is structurally empty: nothing
// but blank paragraphs and lists around them. Any other node, such as an
// image or a code block, counts as content even without text.
func IsPlaceholder(fragment []Node) bool {
	for _, n := range fragment {
		if n.Type == TypeHorizontalRule {
			continue
		}
		if !isBlank(n) {
			return false
		}
	}
	return true
}

func isBlank(n Node) bool {
	switch n.Type {
	case TypeText:
		return strings.TrimSpace(n.Text) == ""
	case TypeParagraph, TypeBulletList, TypeOrderedList, TypeListItem:
		for _, child := range n.Content {
			if !isBlank(child) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Mention is a reference to a user or entity embedded in a note.
type Mention struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Label string `json:"label"`
}

// ExtractMentions walks the whole tree and returns every mention node in
// document order.
func ExtractMentions(doc Node) []Mention {
	mentions := make([]Mention, 0)
	var walk func(Node)
	walk = func(n Node) {
		if n.Type == TypeUserMention || n.Type == TypeSlashMention {
			mentions = append(mentions, Mention{
				ID:    attrString(n.Attrs, "id"),
				Type:  attrString(n.Attrs, "type"),
				Label: attrString(n.Attrs, "label"),
			})
		}
		for _, child := range n.Content {
			walk(child)
		}
	}
	walk(doc)
	return mentions
}

func attrString(attrs map[string]any, key string) string {
	switch v := attrs[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
