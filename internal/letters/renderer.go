package letters

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Renderer produces decision letters. PDF output needs a local Chromium;
// without one the letter is stored as HTML so a decision is never blocked on
// the renderer.
type Renderer struct {
	logger *zap.Logger
	pdf    func(ctx context.Context, html string) ([]byte, error)
}

func NewRenderer(logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{logger: logger, pdf: printPDF}
}

func (r *Renderer) Render(ctx context.Context, data Data) (Letter, error) {
	html, err := RenderHTML(data)
	if err != nil {
		return Letter{}, fmt.Errorf("render letter template: %w", err)
	}
	base := "Decision_" + sanitizeReference(data.ReferenceNumber)

	pdf, err := r.pdf(ctx, html)
	if err == nil {
		return Letter{Data: pdf, FileName: base + ".pdf", MimeType: "application/pdf", Extension: ".pdf"}, nil
	}
	if !errors.Is(err, ErrPDFDependencyMissing) {
		return Letter{}, err
	}
	r.logger.Warn("pdf renderer unavailable, storing html letter", zap.String("reference_number", data.ReferenceNumber))
	return Letter{Data: []byte(html), FileName: base + ".html", MimeType: "text/html; charset=utf-8", Extension: ".html"}, nil
}
