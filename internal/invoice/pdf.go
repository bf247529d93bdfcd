package invoice

import (
	"bytes"
	"fmt"

	"ms-registration/internal/pricing"

	"github.com/signintech/gopdf"
)

// Renderer turns a Document into a printable file.
type Renderer interface {
	Render(doc *Document) ([]byte, error)
}

type PDFRenderer struct {
	fontPath string
}

func NewPDFRenderer(fontPath string) *PDFRenderer {
	return &PDFRenderer{fontPath: fontPath}
}

const (
	marginLeft  = 40.0
	amountRight = 480.0
)

func (g *PDFRenderer) Render(doc *Document) ([]byte, error) {
	pdf := &gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	if err := pdf.AddTTFFont("dejavu", g.fontPath); err != nil {
		return nil, fmt.Errorf("failed to load font: %w", err)
	}
	if err := pdf.SetFont("dejavu", "", 18); err != nil {
		return nil, fmt.Errorf("failed to set font: %w", err)
	}

	addHeader(pdf, doc)

	if err := pdf.SetFont("dejavu", "", 11); err != nil {
		return nil, fmt.Errorf("failed to set font: %w", err)
	}
	addBillTo(pdf, doc)
	addLines(pdf, doc)
	addTotals(pdf, doc)
	addPaymentInstructions(pdf, doc)

	var buf bytes.Buffer
	if err := pdf.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func addHeader(pdf *gopdf.GoPdf, doc *Document) {
	pdf.SetXY(marginLeft, 40)
	pdf.Cell(nil, "TAX INVOICE")
	pdf.SetXY(marginLeft, 64)
	pdf.Cell(nil, doc.EventName)
}

func addBillTo(pdf *gopdf.GoPdf, doc *Document) {
	rows := []struct {
		Label string
		Value string
	}{
		{"Invoice", doc.Number},
		{"Issued", doc.IssueDate.Format("2 Jan 2006")},
		{"Due", doc.DueDate.Format("2 Jan 2006")},
		{"Bill to", doc.BillTo.Name},
		{"Email", doc.BillTo.Email},
		{"Organisation", doc.BillTo.Organisation},
		{"ABN", doc.BillTo.ABN},
		{"Purchase order", doc.BillTo.PurchaseOrder},
	}

	pdf.SetXY(marginLeft, 100)
	for _, row := range rows {
		if row.Value == "" {
			continue
		}
		pdf.SetX(marginLeft)
		pdf.Cell(nil, row.Label+": "+row.Value)
		pdf.Br(16)
	}
}

func addLines(pdf *gopdf.GoPdf, doc *Document) {
	pdf.Br(12)
	y := pdf.GetY()
	pdf.SetXY(marginLeft, y)
	pdf.Cell(nil, "Description")
	pdf.SetXY(320, y)
	pdf.Cell(nil, "Qty")
	pdf.SetXY(amountRight, y)
	pdf.Cell(nil, "Amount")
	pdf.Line(marginLeft, y+16, 555, y+16)
	pdf.Br(22)

	for _, l := range doc.Lines {
		y := pdf.GetY()
		pdf.SetXY(marginLeft, y)
		pdf.Cell(nil, l.Description)
		pdf.SetXY(320, y)
		pdf.Cell(nil, fmt.Sprintf("%d", l.Quantity))
		pdf.SetXY(amountRight, y)
		pdf.Cell(nil, pricing.FormatCents(l.Amount))
		pdf.Br(16)
	}
}

func addTotals(pdf *gopdf.GoPdf, doc *Document) {
	rows := [][2]string{{"Subtotal", pricing.FormatCents(doc.Subtotal)}}
	if doc.DiscountAmount > 0 {
		rows = append(rows, [2]string{doc.DiscountLabel, pricing.FormatCents(-doc.DiscountAmount)})
	}
	rows = append(rows,
		[2]string{"Total (incl. GST)", pricing.FormatCents(doc.Total)},
		[2]string{"GST included", pricing.FormatCents(doc.GST)},
	)

	pdf.Br(12)
	for _, row := range rows {
		y := pdf.GetY()
		pdf.SetXY(320, y)
		pdf.Cell(nil, row[0])
		pdf.SetXY(amountRight, y)
		pdf.Cell(nil, row[1])
		pdf.Br(16)
	}
}

func addPaymentInstructions(pdf *gopdf.GoPdf, doc *Document) {
	pdf.Br(20)
	for _, line := range doc.PaymentInstructions() {
		pdf.SetX(marginLeft)
		pdf.Cell(nil, line)
		pdf.Br(16)
	}
}
