// Package report lays out one exchange as a single PDF document.
package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-pdf/fpdf"
)

const (
	// FileName is the fixed name of the report inside a session directory.
	FileName = "chatbot_report.pdf"

	DefaultTitle      = "Conversational Image Recognition Chatbot Report"
	DefaultImageWidth = 180.0

	fontFamily = "Arial"
	fontSize   = 12
	lineHeight = 10
	labelWidth = 200
)

// Input holds the sections of a report. ImagePath is optional.
type Input struct {
	InputText        string
	RecognizedSpeech string
	AIResponse       string
	ImagePath        string
}

type Options struct {
	Title      string
	ImageWidth float64 // millimetres
	Compress   bool
}

// Builder renders reports on A4 portrait pages.
type Builder struct {
	title      string
	imageWidth float64
	compress   bool
}

func NewBuilder(opts Options) *Builder {
	b := &Builder{title: opts.Title, imageWidth: opts.ImageWidth, compress: opts.Compress}
	if b.title == "" {
		b.title = DefaultTitle
	}
	if b.imageWidth <= 0 {
		b.imageWidth = DefaultImageWidth
	}
	return b
}

// Build writes dir/chatbot_report.pdf, replacing any previous report, and
// returns its path. The file is renamed into place so readers never observe
// a partial document.
func (b *Builder) Build(ctx context.Context, dir string, in Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(b.compress)
	pdf.SetTitle(b.title, true)
	pdf.SetCreator("visionchat", true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	pdf.SetFont(fontFamily, "", fontSize)
	pdf.CellFormat(labelWidth, lineHeight, tr(b.title), "", 1, "C", false, 0, "")

	sections := []struct{ label, body string }{
		{"Input Text:", in.InputText},
		{"Recognized Speech:", in.RecognizedSpeech},
		{"AI Response:", in.AIResponse},
	}
	for _, s := range sections {
		pdf.CellFormat(labelWidth, lineHeight, s.label, "", 1, "", false, 0, "")
		pdf.MultiCell(0, lineHeight, tr(normalizeNewlines(s.body)), "", "L", false)
	}

	if in.ImagePath != "" {
		if err := b.placeImage(pdf, in.ImagePath); err != nil {
			return "", err
		}
	}
	if err := pdf.Error(); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".report-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create report file: %w", err)
	}
	tmpName := tmp.Name()
	if err := pdf.Output(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close report: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("publish report: %w", err)
	}
	return path, nil
}

// placeImage centres the image at the configured width below the text. An
// image that does not fit the rest of the page starts on a new page; one
// taller than a whole page is scaled down to the printable height.
func (b *Builder) placeImage(pdf *fpdf.Fpdf, path string) error {
	opts := fpdf.ImageOptions{ImageType: imageType(path), ReadDpi: true}
	info := pdf.RegisterImageOptions(path, opts)
	if err := pdf.Error(); err != nil {
		return fmt.Errorf("load report image: %w", err)
	}
	if info == nil || info.Width() <= 0 || info.Height() <= 0 {
		return errors.New("load report image: empty image")
	}

	pageW, pageH := pdf.GetPageSize()
	_, top, _, _ := pdf.GetMargins()
	_, bottom := pdf.GetAutoPageBreak()
	printable := pageH - top - bottom

	w := b.imageWidth
	h := info.Height() * w / info.Width()
	if h > printable {
		w = w * printable / h
		h = printable
	}

	y := pdf.GetY()
	if y+h > pageH-bottom {
		pdf.AddPage()
		y = top
	}
	pdf.ImageOptions(path, (pageW-w)/2, y, w, h, false, opts, 0, "")
	return nil
}

func imageType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "JPG"
	case ".gif":
		return "GIF"
	default:
		return "PNG"
	}
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
