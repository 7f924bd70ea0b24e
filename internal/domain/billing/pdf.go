package billing

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"
)

// ClinicInfo is printed in the invoice header.
type ClinicInfo struct {
	Name    string
	TaxID   string
	Address string
}

var statusLabels = map[InvoiceStatus]string{
	StatusPending:       "Pending",
	StatusPartiallyPaid: "Partially paid",
	StatusPaid:          "Paid",
	StatusCancelled:     "CANCELLED",
	StatusOverdue:       "Overdue",
}

// RenderInvoicePDF lays out a printable Letter-size invoice. inv should
// be hydrated (payments and balance filled in).
func RenderInvoicePDF(inv *Invoice, clinic ClinicInfo) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "Letter", "")
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pageW, _ := pdf.GetPageSize()
	contentW := pageW - 30

	// Header
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(contentW, 8, tr(clinic.Name), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	if clinic.TaxID != "" {
		pdf.CellFormat(contentW, 5, "RTN: "+clinic.TaxID, "", 1, "L", false, 0, "")
	}
	if clinic.Address != "" {
		pdf.CellFormat(contentW, 5, tr(clinic.Address), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(contentW, 7, fmt.Sprintf("Invoice %s", inv.InvoiceNumber), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	if inv.CAI != nil {
		pdf.CellFormat(contentW, 5, "CAI: "+*inv.CAI, "", 1, "L", false, 0, "")
	}
	pdf.CellFormat(contentW, 5, "Date: "+inv.InvoiceDate.Format("2006-01-02"), "", 1, "L", false, 0, "")
	pdf.CellFormat(contentW, 5, "Patient: "+tr(inv.PatientName), "", 1, "L", false, 0, "")
	pdf.CellFormat(contentW, 5, "Status: "+statusLabels[inv.Status], "", 1, "L", false, 0, "")
	pdf.Ln(4)

	// Line items
	colDesc := contentW * 0.42
	colTeeth := contentW * 0.18
	colQty := contentW * 0.10
	colUnit := contentW * 0.15
	colSub := contentW * 0.15

	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	pdf.CellFormat(colDesc, 6, "Treatment", "B", 0, "L", true, 0, "")
	pdf.CellFormat(colTeeth, 6, "Teeth", "B", 0, "L", true, 0, "")
	pdf.CellFormat(colQty, 6, "Qty", "B", 0, "C", true, 0, "")
	pdf.CellFormat(colUnit, 6, "Unit price", "B", 0, "R", true, 0, "")
	pdf.CellFormat(colSub, 6, "Subtotal", "B", 1, "R", true, 0, "")

	pdf.SetFont("Helvetica", "", 9)
	for _, li := range inv.LineItems {
		teeth := "-"
		if li.ToothNumbers != nil {
			teeth = *li.ToothNumbers
		}
		pdf.CellFormat(colDesc, 6, tr(li.Description), "", 0, "L", false, 0, "")
		pdf.CellFormat(colTeeth, 6, teeth, "", 0, "L", false, 0, "")
		pdf.CellFormat(colQty, 6, fmt.Sprintf("%d", li.Quantity), "", 0, "C", false, 0, "")
		pdf.CellFormat(colUnit, 6, li.UnitPrice.StringFixed(2), "", 0, "R", false, 0, "")
		pdf.CellFormat(colSub, 6, li.Subtotal.StringFixed(2), "", 1, "R", false, 0, "")
	}

	pdf.Ln(2)
	pdf.Line(15, pdf.GetY(), pageW-15, pdf.GetY())
	pdf.Ln(2)

	// Totals
	labelW := contentW - colSub
	total := func(label, value string, bold bool) {
		style := ""
		if bold {
			style = "B"
		}
		pdf.SetFont("Helvetica", style, 9)
		pdf.CellFormat(labelW, 6, label, "", 0, "R", false, 0, "")
		pdf.CellFormat(colSub, 6, value, "", 1, "R", false, 0, "")
	}
	total("Subtotal", inv.Subtotal.StringFixed(2), false)
	if !inv.Discount.IsZero() {
		total("Discount", "-"+inv.Discount.StringFixed(2), false)
	}
	total("Tax", inv.Tax.StringFixed(2), false)
	total("Total", inv.Total.StringFixed(2), true)
	total("Paid", inv.AmountPaid.StringFixed(2), false)
	total("Balance", inv.Balance.StringFixed(2), true)

	if len(inv.Payments) > 0 {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "B", 9)
		pdf.CellFormat(contentW, 6, "Payments", "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		for _, p := range inv.Payments {
			label := fmt.Sprintf("%s  %s", p.PaymentDate.Format("2006-01-02"), p.Method)
			if p.Reference != nil {
				label += "  ref " + *p.Reference
			}
			pdf.CellFormat(labelW, 5, tr(label), "", 0, "L", false, 0, "")
			pdf.CellFormat(colSub, 5, p.Amount.StringFixed(2), "", 1, "R", false, 0, "")
		}
	}

	if inv.Notes != nil && *inv.Notes != "" {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.MultiCell(contentW, 4, tr(*inv.Notes), "", "L", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("pdf: render invoice: %w", err)
	}
	return buf.Bytes(), nil
}
