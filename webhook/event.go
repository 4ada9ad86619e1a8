package webhook

import (
	"encoding/json"

	"commitflow/apperr"
)

const (
	EventPaymentSucceeded    = "payment_intent.succeeded"
	EventPaymentFailed       = "payment_intent.payment_failed"
	EventRefundUpdated       = "refund.updated"
	EventChargeRefundUpdated = "charge.refund.updated"
)

// Event is the envelope of a provider notification.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// object holds the fields read from data.object for the handled types.
type object struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Status        string `json:"status"`
}

func parseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, apperr.Validation("webhook payload is not valid JSON: %v", err)
	}
	if ev.Type == "" {
		return Event{}, apperr.Validation("webhook event has no type")
	}
	return ev, nil
}

func (ev Event) object() (object, error) {
	var obj object
	if len(ev.Data.Object) == 0 {
		return obj, apperr.Validation("webhook event %s has no data object", ev.ID)
	}
	if err := json.Unmarshal(ev.Data.Object, &obj); err != nil {
		return obj, apperr.Validation("webhook event %s has a malformed data object: %v", ev.ID, err)
	}
	if obj.ID == "" {
		return obj, apperr.Validation("webhook event %s data object has no id", ev.ID)
	}
	return obj, nil
}
