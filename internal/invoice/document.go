package invoice

import (
	"fmt"
	"time"

	"ms-registration/internal/models"
	"ms-registration/internal/pricing"
)

type Line struct {
	TierID      string `json:"tier_id"`
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitAmount  int64  `json:"unit_amount"`
	Amount      int64  `json:"amount"`
}

type BankDetails struct {
	AccountName   string `json:"account_name"`
	BSB           string `json:"bsb"`
	AccountNumber string `json:"account_number"`
}

type BillTo struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	Organisation  string `json:"organisation,omitempty"`
	ABN           string `json:"abn,omitempty"`
	PurchaseOrder string `json:"purchase_order,omitempty"`
}

// Document is everything printed on a tax invoice. Amounts are GST-inclusive cents.
type Document struct {
	Number         string      `json:"number"`
	OrderID        string      `json:"order_id"`
	EventName      string      `json:"event_name"`
	IssueDate      time.Time   `json:"issue_date"`
	DueDate        time.Time   `json:"due_date"`
	BillTo         BillTo      `json:"bill_to"`
	Lines          []Line      `json:"lines"`
	Subtotal       int64       `json:"subtotal"`
	DiscountLabel  string      `json:"discount_label,omitempty"`
	DiscountAmount int64       `json:"discount_amount"`
	Total          int64       `json:"total"`
	GST            int64       `json:"gst"`
	Bank           BankDetails `json:"bank"`
	HostedURL      string      `json:"hosted_url,omitempty"`
}

// Options are the issuer-side settings for a document.
type Options struct {
	EventName string
	DueDays   int
	Bank      BankDetails
}

// Lines groups chargeable registrations by tier label in first-seen order.
// Complimentary registrations are left off the invoice.
func Lines(regs []*models.Registration) []Line {
	var lines []Line
	index := make(map[string]int)
	for _, r := range regs {
		if r.FreeReason != "" || r.OriginalAmount <= 0 {
			continue
		}
		key := r.TierID + "|" + r.TierLabel
		if i, ok := index[key]; ok {
			lines[i].Quantity++
			lines[i].Amount += r.OriginalAmount
			continue
		}
		index[key] = len(lines)
		lines = append(lines, Line{
			TierID:      r.TierID,
			Description: r.TierLabel,
			Quantity:    1,
			UnitAmount:  r.OriginalAmount,
			Amount:      r.OriginalAmount,
		})
	}
	return lines
}

// BuildDocument assembles the invoice for order, issued at issued.
func BuildDocument(order *models.Order, issued time.Time, opts Options) *Document {
	dueDays := opts.DueDays
	if dueDays <= 0 {
		dueDays = 14
	}

	doc := &Document{
		Number:    order.InvoiceNumber,
		OrderID:   order.ID,
		EventName: opts.EventName,
		IssueDate: issued,
		DueDate:   issued.AddDate(0, 0, dueDays),
		BillTo: BillTo{
			Name:          order.PurchaserName,
			Email:         order.PurchaserEmail,
			Organisation:  order.Organisation,
			ABN:           order.ABN,
			PurchaseOrder: order.PurchaseOrder,
		},
		Lines:          Lines(order.Registrations),
		Subtotal:       order.Subtotal,
		DiscountAmount: order.DiscountAmount,
		Total:          order.TotalAmount,
		GST:            pricing.GSTComponent(order.TotalAmount),
		Bank:           opts.Bank,
	}
	if order.InvoiceDueDate != nil {
		doc.DueDate = *order.InvoiceDueDate
	}
	if order.DiscountAmount > 0 {
		doc.DiscountLabel = "Discount"
		if order.CouponCode != "" {
			doc.DiscountLabel = fmt.Sprintf("Discount (%s)", order.CouponCode)
		}
	}
	return doc
}

// PaymentInstructions is the bank-transfer text shown on the invoice and in emails.
func (d *Document) PaymentInstructions() []string {
	out := []string{
		fmt.Sprintf("Please pay %s by %s.", pricing.FormatCents(d.Total), d.DueDate.Format("2 January 2006")),
	}
	if d.Bank.AccountNumber != "" {
		out = append(out,
			"Account name: "+d.Bank.AccountName,
			"BSB: "+d.Bank.BSB,
			"Account number: "+d.Bank.AccountNumber,
		)
	}
	out = append(out, "Reference: "+d.Number)
	return out
}
