// Package events содержит события доставки для тестов кодека.
package events

type Order struct {
	TrackingID string `json:"trackingId"`
}
