package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html/template"

	"backstage/api/internal/scenenotes"
	"backstage/api/internal/store"
)

// DataStore is the read access the exporter needs.
type DataStore interface {
	GetPerformance(ctx context.Context, id string) (store.Performance, error)
	ListScenes(ctx context.Context, performanceID string) ([]store.Scene, error)
	GetMasterNote(ctx context.Context, performanceID string) (store.Note, error)
	ListPerformanceProps(ctx context.Context, performanceID string) ([]store.PerformanceProp, error)
}

// PDFRenderer turns an HTML page into PDF bytes.
type PDFRenderer func(ctx context.Context, html string) ([]byte, error)

type Service struct {
	store     DataStore
	renderPDF PDFRenderer
}

// NewService creates an exporter. A nil renderer uses headless Chromium.
func NewService(store DataStore, renderPDF PDFRenderer) *Service {
	if renderPDF == nil {
		renderPDF = ChromePDF
	}
	return &Service{store: store, renderPDF: renderPDF}
}

// Export renders the run sheet of one performance.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	perf, err := s.store.GetPerformance(ctx, req.PerformanceID)
	if err != nil {
		return nil, fmt.Errorf("get performance: %w", err)
	}
	rows, err := s.store.ListScenes(ctx, req.PerformanceID)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	scenes := make([]scenenotes.Scene, 0, len(rows))
	for _, row := range rows {
		scenes = append(scenes, scenenotes.Scene{ID: row.ID, Act: row.ActNumber, Number: row.SceneNumber, Name: row.Name})
	}
	scenes = scenenotes.SortScenes(scenes)

	labels := scenenotes.LabelsFor(req.Locale)
	data := TemplateData{
		Lang:              "en",
		Title:             perf.Title,
		Description:       perf.Description,
		Status:            perf.Status,
		UnassignedHeading: labels.Trailer,
		ChecklistHeading:  "Prop checklist",
	}
	if labels == scenenotes.Polish {
		data.Lang = "pl"
		data.ChecklistHeading = "Lista rekwizytów"
	}
	if perf.PremiereAt != nil {
		data.Premiere = perf.PremiereAt.Format("2006-01-02")
	}

	var sections scenenotes.Sections
	if req.IncludeNotes {
		note, err := s.store.GetMasterNote(ctx, req.PerformanceID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("get scene note: %w", err)
		default:
			doc, err := scenenotes.DecodeDoc(note.Content)
			if err != nil {
				return nil, err
			}
			sections = scenenotes.Parse(doc, scenes)
			if !scenenotes.IsPlaceholder(sections.Unassigned) {
				data.UnassignedHTML = template.HTML(RenderFragment(sections.Unassigned))
			}
		}
	}

	propsByScene := map[string][]string{}
	if req.IncludeProps {
		props, err := s.store.ListPerformanceProps(ctx, req.PerformanceID)
		if err != nil {
			return nil, fmt.Errorf("list props: %w", err)
		}
		titles := map[string]string{}
		for _, sc := range scenes {
			titles[sc.ID] = labels.SceneTitle(sc)
		}
		for _, p := range props {
			item := TemplateProp{Name: p.ItemName, Ready: p.IsChecked || p.ColumnIndex == 1}
			if p.SceneID != nil {
				item.Scene = titles[*p.SceneID]
				propsByScene[*p.SceneID] = append(propsByScene[*p.SceneID], p.ItemName)
			}
			data.Checklist = append(data.Checklist, item)
		}
	}

	for _, sc := range scenes {
		if len(data.Acts) == 0 || data.Acts[len(data.Acts)-1].Heading != labels.ActTitle(sc.ActNumber()) {
			data.Acts = append(data.Acts, TemplateAct{Heading: labels.ActTitle(sc.ActNumber())})
		}
		entry := TemplateScene{Heading: labels.SceneTitle(sc), Props: propsByScene[sc.ID]}
		if fragment := sections.Scenes[sc.ID]; !scenenotes.IsPlaceholder(fragment) {
			entry.NotesHTML = template.HTML(RenderFragment(fragment))
		}
		act := &data.Acts[len(data.Acts)-1]
		act.Scenes = append(act.Scenes, entry)
	}

	page, err := RenderPerformanceHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	filename := sanitizeFilename(perf.Title)
	switch req.Format {
	case FormatHTML:
		return &Result{Data: []byte(page), Filename: filename + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF, "":
		pdf, err := s.renderPDF(ctx, page)
		if err != nil {
			return nil, err
		}
		return &Result{Data: pdf, Filename: filename + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
