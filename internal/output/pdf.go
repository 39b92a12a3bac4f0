package output

import (
	"fmt"
	"io"

	"github.com/go-pdf/fpdf"

	"github.com/rcourtman/snowctl/internal/query"
)

// Color scheme
var (
	colorPrimary     = [3]int{30, 58, 95}    // Dark navy
	colorTextDark    = [3]int{44, 62, 80}    // Dark text
	colorTextMuted   = [3]int{127, 140, 141} // Muted text
	colorTableHeader = [3]int{30, 58, 95}    // Navy header
	colorTableAlt    = [3]int{241, 245, 249} // Alternating row
	colorGridLine    = [3]int{220, 220, 220} // Footer rule
)

const (
	pdfMargin     = 15.0
	pdfRowHeight  = 6.0
	pdfMinColumn  = 18.0
	pdfPageBottom = 185.0
)

// renderPDF writes a landscape tabular report of rs.
func renderPDF(w io.Writer, rs *query.RecordSet, opts Options) error {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCreationDate(opts.now())
	pdf.SetTitle(fmt.Sprintf("%s records", rs.Table), true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pageWidth, _ := pdf.GetPageSize()
	usable := pageWidth - 2*pdfMargin

	widths := columnWidths(rs.Columns, usable)

	pdf.AddPage()
	writePDFTitle(pdf, rs, opts, tr)

	if rs.Len() == 0 {
		pdf.SetFont("Arial", "", 10)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 8, NoRecordsMessage, "", 1, "L", false, 0, "")
	} else {
		if !opts.NoHeader {
			writePDFHeader(pdf, rs.Columns, widths, tr)
		}
		pdf.SetFont("Arial", "", 7)
		fill := false
		for _, row := range rows(rs) {
			if pdf.GetY()+pdfRowHeight > pdfPageBottom {
				pdf.AddPage()
				if !opts.NoHeader {
					writePDFHeader(pdf, rs.Columns, widths, tr)
				}
				pdf.SetFont("Arial", "", 7)
				fill = false
			}
			if fill {
				pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
			} else {
				pdf.SetFillColor(255, 255, 255)
			}
			pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
			for i, cell := range row {
				pdf.CellFormat(widths[i], pdfRowHeight, fitText(pdf, tr(flatten.Replace(cell)), widths[i]), "1", 0, "L", fill, 0, "")
			}
			pdf.Ln(-1)
			fill = !fill
		}
	}

	addPageNumbers(pdf)

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("PDF output error: %w", err)
	}
	return nil
}

func writePDFTitle(pdf *fpdf.Fpdf, rs *query.RecordSet, opts Options, tr func(string) string) {
	pageWidth, _ := pdf.GetPageSize()

	pdf.SetDrawColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.SetLineWidth(0.5)
	pdf.Line(pdfMargin, 12, pageWidth-pdfMargin, 12)

	pdf.SetY(15)
	pdf.SetFont("Arial", "B", 16)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 9, tr(rs.Table), "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 6, fmt.Sprintf("%d records  |  display: %s  |  generated %s UTC",
		rs.Len(), rs.Display, opts.now().Format("2006-01-02 15:04:05")), "", 1, "L", false, 0, "")
	pdf.Ln(3)
}

func writePDFHeader(pdf *fpdf.Fpdf, columns []string, widths []float64, tr func(string) string) {
	pdf.SetFillColor(colorTableHeader[0], colorTableHeader[1], colorTableHeader[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 7)
	for i, col := range columns {
		pdf.CellFormat(widths[i], 7, fitText(pdf, tr(col), widths[i]), "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)
}

// columnWidths splits usable evenly, with a floor so very wide tables stay
// legible; columns past the page edge are clipped.
func columnWidths(columns []string, usable float64) []float64 {
	widths := make([]float64, len(columns))
	if len(columns) == 0 {
		return widths
	}
	each := usable / float64(len(columns))
	if each < pdfMinColumn {
		each = pdfMinColumn
	}
	for i := range widths {
		widths[i] = each
	}
	return widths
}

// fitText truncates s with an ellipsis so it fits in width. s is already
// translated to the single-byte font encoding, so it is cut per byte.
func fitText(pdf *fpdf.Fpdf, s string, width float64) string {
	limit := width - 2
	if pdf.GetStringWidth(s) <= limit {
		return s
	}
	for len(s) > 0 && pdf.GetStringWidth(s+"...") > limit {
		s = s[:len(s)-1]
	}
	return s + "..."
}

// addPageNumbers adds a footer to every page.
func addPageNumbers(pdf *fpdf.Fpdf) {
	totalPages := pdf.PageCount()
	for i := 1; i <= totalPages; i++ {
		pdf.SetPage(i)
		pageWidth, pageHeight := pdf.GetPageSize()

		pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
		pdf.SetLineWidth(0.3)
		pdf.Line(pdfMargin, pageHeight-14, pageWidth-pdfMargin, pageHeight-14)

		pdf.SetY(pageHeight - 12)
		pdf.SetFont("Arial", "", 8)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d of %d", i, totalPages), "", 0, "C", false, 0, "")
	}
}
