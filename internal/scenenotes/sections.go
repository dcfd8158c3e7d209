package scenenotes

import (
	"sort"
	"strconv"
)

// Scene is one entry of a performance's canonical scene list.
type Scene struct {
	ID     string `json:"id"`
	Act    int    `json:"act_number"`
	Number int    `json:"scene_number"`
	Name   string `json:"name,omitempty"`
}

// ActNumber returns the act, treating missing or non-positive values as 1.
func (s Scene) ActNumber() int {
	if s.Act <= 0 {
		return 1
	}
	return s.Act
}

// SortScenes returns scenes ordered by act then scene number.
func SortScenes(scenes []Scene) []Scene {
	out := make([]Scene, len(scenes))
	copy(out, scenes)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ActNumber() != out[j].ActNumber() {
			return out[i].ActNumber() < out[j].ActNumber()
		}
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Sections is a note split by scene. Unassigned holds content that could
// not be tied to a known scene, in document order.
type Sections struct {
	Scenes     map[string][]Node `json:"scenes"`
	Unassigned []Node            `json:"unassigned,omitempty"`
}

// Parse walks the top level of doc once and buckets content under the
// scene whose heading precedes it. Every scene in scenes gets an entry;
// scenes without content get the placeholder.
func Parse(doc Node, scenes []Scene) Sections {
	out := Sections{Scenes: make(map[string][]Node, len(scenes))}

	currentAct := 1
	currentScene := ""
	var buffer []Node

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		if currentScene == "" {
			out.Unassigned = append(out.Unassigned, buffer...)
		} else {
			// A repeated heading for the same scene appends.
			out.Scenes[currentScene] = append(out.Scenes[currentScene], buffer...)
		}
		buffer = nil
	}

	for _, n := range doc.Content {
		if h, ok := classifyNode(n); ok {
			switch h.Kind {
			case HeadingAct:
				currentAct = h.Number
				if currentAct <= 0 {
					currentAct = 1
				}
				continue
			case HeadingScene:
				flush()
				currentScene = resolve(scenes, currentAct, h.Number)
				continue
			case HeadingTrailer:
				flush()
				currentScene = ""
				continue
			}
		}
		if n.Type == TypeHorizontalRule {
			continue
		}
		buffer = append(buffer, n)
	}
	flush()

	for _, s := range scenes {
		if len(out.Scenes[s.ID]) == 0 {
			out.Scenes[s.ID] = Placeholder()
		}
	}
	return out
}

func resolve(scenes []Scene, act, number int) string {
	for _, s := range scenes {
		if s.ActNumber() == act && s.Number == number {
			return s.ID
		}
	}
	return ""
}

// Reconstruct builds a document from the scene list and per-scene
// fragments using English labels.
func Reconstruct(scenes []Scene, fragments map[string][]Node) Node {
	return English.Reconstruct(scenes, fragments)
}

// Reconstruct emits, for each scene in order, an act heading when the act
// changes, the scene heading, the fragment (or the placeholder) and a
// separator. It depends only on its arguments.
func (l Labels) Reconstruct(scenes []Scene, fragments map[string][]Node) Node {
	content := make([]Node, 0, len(scenes)*4)
	lastAct := 0
	for _, s := range SortScenes(scenes) {
		if s.ActNumber() != lastAct {
			content = append(content, l.actHeading(s.ActNumber()))
			lastAct = s.ActNumber()
		}
		content = append(content, l.sceneHeading(s))
		fragment := sanitize(fragments[s.ID])
		if len(fragment) == 0 {
			fragment = Placeholder()
		}
		content = append(content, fragment...)
		content = append(content, Node{Type: TypeHorizontalRule})
	}
	return Doc(content...)
}

// Assemble reconstructs the scenes and appends unassigned content under a
// trailing section so it is kept on the next save.
func (l Labels) Assemble(scenes []Scene, sections Sections) Node {
	doc := l.Reconstruct(scenes, sections.Scenes)
	unassigned := sanitize(sections.Unassigned)
	if len(unassigned) == 0 {
		return doc
	}
	doc.Content = append(doc.Content, l.trailerHeading())
	doc.Content = append(doc.Content, unassigned...)
	doc.Content = append(doc.Content, Node{Type: TypeHorizontalRule})
	return doc
}

// SyncSceneNoteContent rewrites a note after its performance's scene list
// changed, using English labels.
func SyncSceneNoteContent(oldDoc Node, oldScenes, newScenes []Scene) Node {
	return English.SyncSceneNoteContent(oldDoc, oldScenes, newScenes)
}

// SyncSceneNoteContent parses oldDoc against oldScenes, carries each
// scene's notes to the scene with the same id in newScenes and moves the
// notes of scenes that no longer exist into the trailing section, each
// preceded by a paragraph naming the old scene.
func (l Labels) SyncSceneNoteContent(oldDoc Node, oldScenes, newScenes []Scene) Node {
	parsed := Parse(oldDoc, oldScenes)

	kept := make(map[string]bool, len(newScenes))
	next := Sections{Scenes: make(map[string][]Node, len(newScenes))}
	for _, s := range newScenes {
		kept[s.ID] = true
		if fragment, ok := parsed.Scenes[s.ID]; ok {
			next.Scenes[s.ID] = fragment
		}
	}

	next.Unassigned = append(next.Unassigned, parsed.Unassigned...)
	for _, s := range SortScenes(oldScenes) {
		if kept[s.ID] {
			continue
		}
		fragment := parsed.Scenes[s.ID]
		if IsPlaceholder(fragment) {
			continue
		}
		next.Unassigned = append(next.Unassigned, paragraph(l.Act+" "+strconv.Itoa(s.ActNumber())+", "+l.SceneTitle(s)))
		next.Unassigned = append(next.Unassigned, fragment...)
	}

	return l.Assemble(newScenes, next)
}

// sanitize drops separators and turns structural headings into
// paragraphs so a fragment cannot change the document's structure.
func sanitize(fragment []Node) []Node {
	out := make([]Node, 0, len(fragment))
	for _, n := range fragment {
		if n.Type == TypeHorizontalRule {
			continue
		}
		if h, ok := classifyNode(n); ok && h.Kind != HeadingOther {
			n = Node{Type: TypeParagraph, Content: n.Content}
		}
		out = append(out, n)
	}
	return out
}
