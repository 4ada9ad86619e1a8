// Package document renders the printable form of a commitment contract.
package document

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"commitflow/contract"
	"commitflow/money"
)

const dateLayout = "January 2, 2006"

// Render returns the PDF bytes of c. It does no I/O and works for contracts
// that are not persisted yet.
func Render(c contract.Contract) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Commitment Contract", true)
	pdf.SetCreator("commitflow", true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 20)
	pdf.CellFormat(0, 12, "Commitment Contract", "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 14)
	pdf.MultiCell(0, 8, tr(c.Title), "", "L", false)
	pdf.Ln(2)

	if c.Description != "" {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, tr(c.Description), "", "L", false)
		pdf.Ln(4)
	}

	rows := [][2]string{
		{"Stake", "$" + money.Format(c.Amount) + " USD"},
		{"Start date", formatDate(c.StartDate)},
		{"Deadline", formatDate(c.EndDate)},
		{"Evidence required", yesNo(c.EvidenceRequired)},
	}
	if c.ID != "" {
		rows = append([][2]string{{"Contract ID", c.ID}}, rows...)
	}
	if c.Status != "" {
		rows = append(rows, [2]string{"Status", string(c.Status)})
	}
	for _, row := range rows {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(50, 8, row[0], "B", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
		pdf.CellFormat(0, 8, tr(row[1]), "B", 1, "L", false, 0, "")
	}

	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 10)
	terms := fmt.Sprintf("I commit to the goal above. My stake of $%s is held until the deadline. "+
		"It is refunded once completion is verified and forfeited if the goal is not completed by %s.",
		money.Format(c.Amount), formatDate(c.EndDate))
	if c.EvidenceRequired {
		terms += " Completion must be supported by an uploaded PDF document."
	}
	pdf.MultiCell(0, 5, tr(terms), "", "L", false)

	pdf.Ln(16)
	pdf.CellFormat(80, 8, "Signature", "T", 0, "L", false, 0, "")
	pdf.CellFormat(20, 8, "", "", 0, "L", false, 0, "")
	pdf.CellFormat(60, 8, "Date", "T", 1, "L", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("document: render contract: %w", err)
	}
	return buf.Bytes(), nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(dateLayout)
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
