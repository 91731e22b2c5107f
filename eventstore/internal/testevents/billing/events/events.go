// Package events содержит события биллинга для тестов кодека.
package events

type Order struct {
	InvoiceID string `json:"invoiceId"`
}
