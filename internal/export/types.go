// Package export renders a performance run sheet (scenes, scene notes and
// the prop checklist) as HTML or PDF.
package export

import "errors"

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// ParseFormat accepts "pdf" and "html"; an empty string means PDF.
func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case "", FormatPDF:
		return FormatPDF, true
	case FormatHTML:
		return FormatHTML, true
	}
	return "", false
}

// Request contains parameters for an export operation.
type Request struct {
	PerformanceID string
	Format        Format
	IncludeNotes  bool
	IncludeProps  bool
	Locale        string
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates no Chromium binary is available.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	ErrUnsupportedFormat    = errors.New("export format not supported")
)
