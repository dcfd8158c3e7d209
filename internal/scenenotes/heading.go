package scenenotes

import (
	"regexp"
	"strconv"
	"strings"
)

// HeadingKind tags the structural meaning of a heading.
type HeadingKind int

const (
	HeadingOther HeadingKind = iota
	HeadingAct
	HeadingScene
	HeadingTrailer
)

func (k HeadingKind) String() string {
	switch k {
	case HeadingAct:
		return "act"
	case HeadingScene:
		return "scene"
	case HeadingTrailer:
		return "trailer"
	default:
		return "other"
	}
}

// Heading is a classified heading. Number is set for acts and scenes,
// Name only for scenes.
type Heading struct {
	Kind   HeadingKind
	Number int
	Name   string
	Text   string
}

var (
	actPattern   = regexp.MustCompile(`(?i)^\s*(?:act|akt)\s+(\d+)\b`)
	scenePattern = regexp.MustCompile(`(?i)^\s*(?:scene|scena)\s+(\d+)\b(.*)$`)
)

// Classify is the only place heading text is matched against the act,
// scene and trailer conventions.
func Classify(text string) Heading {
	if m := actPattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return Heading{Kind: HeadingAct, Number: n, Text: text}
		}
	}
	if m := scenePattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			name := strings.TrimLeft(strings.TrimSpace(m[2]), "-–—:")
			return Heading{Kind: HeadingScene, Number: n, Name: strings.TrimSpace(name), Text: text}
		}
	}
	trimmed := strings.TrimSpace(text)
	for _, labels := range []Labels{English, Polish} {
		if strings.EqualFold(trimmed, labels.Trailer) {
			return Heading{Kind: HeadingTrailer, Text: text}
		}
	}
	return Heading{Kind: HeadingOther, Text: text}
}

func classifyNode(n Node) (Heading, bool) {
	if n.Type != TypeHeading {
		return Heading{}, false
	}
	return Classify(PlainText(n)), true
}

// Labels are the words written into generated headings.
type Labels struct {
	Act     string
	Scene   string
	Trailer string
}

var (
	English = Labels{Act: "Act", Scene: "Scene", Trailer: "Unassigned / Removed"}
	Polish  = Labels{Act: "Akt", Scene: "Scena", Trailer: "Nieprzypisane / Usunięte"}
)

// LabelsFor returns the labels for a locale code, defaulting to English.
func LabelsFor(locale string) Labels {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(locale)), "pl") {
		return Polish
	}
	return English
}

// ActTitle is the text of an act heading.
func (l Labels) ActTitle(act int) string {
	return l.Act + " " + strconv.Itoa(act)
}

func (l Labels) actHeading(act int) Node {
	return heading(1, l.ActTitle(act))
}

// SceneTitle is the text of a scene heading, "Scene N - name".
func (l Labels) SceneTitle(s Scene) string {
	title := l.Scene + " " + strconv.Itoa(s.Number)
	if name := strings.TrimSpace(s.Name); name != "" {
		title += " - " + name
	}
	return title
}

func (l Labels) sceneHeading(s Scene) Node {
	return heading(2, l.SceneTitle(s))
}

func (l Labels) trailerHeading() Node {
	return heading(2, l.Trailer)
}
