// Package certificates renders retirement summaries into PDF certificates a
// beneficiary can present as a claimed offset.
package certificates

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/jung-kurt/gofpdf"

	"carbon-ledger/settlement-backend/internal/ledger"
)

// Options configures certificate rendering.
type Options struct {
	Title       string   `json:"title"`
	Issuer      string   `json:"issuer"`
	HeaderColor RGBColor `json:"header_color"`
	FontFamily  string   `json:"font_family"`
	DateFormat  string   `json:"date_format"`
}

// RGBColor represents an RGB color.
type RGBColor struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// DefaultOptions returns default certificate options.
func DefaultOptions() Options {
	return Options{
		Title:       "Carbon Credit Retirement Certificate",
		Issuer:      "Carbon Ledger",
		HeaderColor: RGBColor{R: 34, G: 102, B: 68},
		FontFamily:  "Arial",
		DateFormat:  "2006-01-02",
	}
}

// Generator renders retirement certificates.
type Generator struct {
	options Options
}

// NewGenerator creates a new certificate generator.
func NewGenerator(options Options) *Generator {
	if options.Title == "" {
		options = DefaultOptions()
	}
	return &Generator{options: options}
}

// Render produces the PDF bytes for a retirement summary.
func (g *Generator) Render(summary *ledger.RetirementSummary) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 25, 20)
	pdf.AddPage()

	// Title banner
	pdf.SetFillColor(g.options.HeaderColor.R, g.options.HeaderColor.G, g.options.HeaderColor.B)
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont(g.options.FontFamily, "B", 18)
	pdf.CellFormat(0, 16, g.options.Title, "", 1, "C", true, 0, "")
	pdf.Ln(8)

	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont(g.options.FontFamily, "", 11)
	pdf.MultiCell(0, 6, fmt.Sprintf(
		"This certifies that %.0f kg of CO2 offset credits were permanently retired from circulation on %s.",
		summary.TotalRetired, summary.RetiredAt.Format(g.options.DateFormat)), "", "C", false)
	pdf.Ln(6)

	rows := [][2]string{
		{"Reason", summary.Reason},
		{"Total retired (kg CO2)", formatFloat(summary.TotalRetired)},
		{"Trees equivalent (tree-years)", strconv.Itoa(summary.TreesEquivalent)},
		{"Cars off the road (car-years)", strconv.Itoa(summary.CarsOffRoad)},
		{"Retired credits", strconv.Itoa(len(summary.RetiredCredits))},
	}
	if summary.Beneficiary != "" {
		rows = append([][2]string{{"Beneficiary", summary.Beneficiary}}, rows...)
	}

	pdf.SetFont(g.options.FontFamily, "", 10)
	for i, row := range rows {
		if i%2 == 0 {
			pdf.SetFillColor(242, 242, 242)
		} else {
			pdf.SetFillColor(255, 255, 255)
		}
		pdf.CellFormat(70, 8, row[0], "1", 0, "L", true, 0, "")
		pdf.CellFormat(0, 8, row[1], "1", 1, "L", true, 0, "")
	}
	pdf.Ln(8)

	pdf.SetFont(g.options.FontFamily, "", 8)
	for _, id := range summary.RetiredCredits {
		pdf.CellFormat(0, 5, "Credit "+id.String(), "", 1, "L", false, 0, "")
	}
	pdf.Ln(10)

	pdf.SetFont(g.options.FontFamily, "I", 9)
	pdf.CellFormat(0, 6, "Issued by "+g.options.Issuer, "", 1, "C", false, 0, "")
	pdf.CellFormat(0, 6,
		"Impact equivalents use fixed policy conversion factors and are indicative only.",
		"", 1, "C", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render certificate: %w", err)
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
