package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// EventType enumerates the provider events with a reducer.
type EventType string

const (
	EventCheckoutCompleted       EventType = "checkout.session.completed"
	EventSubscriptionCreated     EventType = "customer.subscription.created"
	EventSubscriptionUpdated     EventType = "customer.subscription.updated"
	EventSubscriptionDeleted     EventType = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice.payment_failed"
)

// Event is a verified provider event with its typed payload. Exactly one
// payload pointer is set for known types; none for the rest.
type Event struct {
	ID           string
	Type         EventType
	Created      time.Time
	Checkout     *CheckoutSessionPayload
	Subscription *SubscriptionPayload
	Invoice      *InvoicePayload
}

// CheckoutSessionPayload is the part of a checkout session billing reads.
type CheckoutSessionPayload struct {
	ID             string
	AccountID      string
	CustomerID     string
	SubscriptionID string
	Mode           string
}

// SubscriptionPayload is the part of a subscription billing reads.
type SubscriptionPayload struct {
	ID                 string
	AccountID          string
	CustomerID         string
	Status             string
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CanceledAt         *time.Time
}

// InvoicePayload is the part of an invoice billing reads.
type InvoicePayload struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	BillingReason  string
	PriceID        string
}

// expandable decodes a provider reference that is either an id string or an
// expanded object with an id.
type expandable string

func (value *expandable) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*value = ""
		return nil
	}
	if trimmed[0] == '"' {
		var id string
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return err
		}
		*value = expandable(id)
		return nil
	}
	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(trimmed, &object); err != nil {
		return err
	}
	*value = expandable(object.ID)
	return nil
}

type wirePrice struct {
	ID expandable `json:"id"`
}

type wireCheckoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          expandable        `json:"customer"`
	Subscription      expandable        `json:"subscription"`
	Mode              string            `json:"mode"`
	Metadata          map[string]string `json:"metadata"`
}

type wireSubscriptionItem struct {
	Price              wirePrice `json:"price"`
	CurrentPeriodStart int64     `json:"current_period_start"`
	CurrentPeriodEnd   int64     `json:"current_period_end"`
}

type wireSubscription struct {
	ID                 string            `json:"id"`
	Customer           expandable        `json:"customer"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	Items              struct {
		Data []wireSubscriptionItem `json:"data"`
	} `json:"items"`
}

type wireInvoiceLine struct {
	Price   *wirePrice `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price expandable `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
}

type wireInvoice struct {
	ID            string     `json:"id"`
	Customer      expandable `json:"customer"`
	Subscription  expandable `json:"subscription"`
	BillingReason string     `json:"billing_reason"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandable `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []wireInvoiceLine `json:"data"`
	} `json:"lines"`
}

const accountMetadataKey = "account_id"

// DecodeEvent converts a verified provider envelope into a typed Event.
func DecodeEvent(envelope stripe.Event) (Event, error) {
	if strings.TrimSpace(envelope.ID) == "" || strings.TrimSpace(string(envelope.Type)) == "" {
		return Event{}, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	event := Event{
		ID:      envelope.ID,
		Type:    EventType(envelope.Type),
		Created: time.Unix(envelope.Created, 0).UTC(),
	}
	var raw json.RawMessage
	if envelope.Data != nil {
		raw = envelope.Data.Raw
	}
	switch event.Type {
	case EventCheckoutCompleted:
		var session wireCheckoutSession
		if err := decodeObject(raw, &session); err != nil {
			return Event{}, err
		}
		accountID := session.ClientReferenceID
		if accountID == "" {
			accountID = session.Metadata[accountMetadataKey]
		}
		event.Checkout = &CheckoutSessionPayload{
			ID:             session.ID,
			AccountID:      strings.TrimSpace(accountID),
			CustomerID:     string(session.Customer),
			SubscriptionID: string(session.Subscription),
			Mode:           session.Mode,
		}
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var subscription wireSubscription
		if err := decodeObject(raw, &subscription); err != nil {
			return Event{}, err
		}
		if subscription.ID == "" {
			return Event{}, fmt.Errorf("%w: subscription without id", ErrMalformedEvent)
		}
		payload := &SubscriptionPayload{
			ID:                 subscription.ID,
			AccountID:          strings.TrimSpace(subscription.Metadata[accountMetadataKey]),
			CustomerID:         string(subscription.Customer),
			Status:             subscription.Status,
			CurrentPeriodStart: unixTime(subscription.CurrentPeriodStart),
			CurrentPeriodEnd:   unixTime(subscription.CurrentPeriodEnd),
			CanceledAt:         unixTime(subscription.CanceledAt),
		}
		if len(subscription.Items.Data) > 0 {
			item := subscription.Items.Data[0]
			payload.PriceID = string(item.Price.ID)
			if payload.CurrentPeriodStart == nil {
				payload.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
			}
			if payload.CurrentPeriodEnd == nil {
				payload.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
			}
		}
		event.Subscription = payload
	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		var invoice wireInvoice
		if err := decodeObject(raw, &invoice); err != nil {
			return Event{}, err
		}
		subscriptionID := string(invoice.Subscription)
		if subscriptionID == "" && invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil {
			subscriptionID = string(invoice.Parent.SubscriptionDetails.Subscription)
		}
		payload := &InvoicePayload{
			ID:             invoice.ID,
			CustomerID:     string(invoice.Customer),
			SubscriptionID: subscriptionID,
			BillingReason:  invoice.BillingReason,
		}
		for _, line := range invoice.Lines.Data {
			switch {
			case line.Price != nil && line.Price.ID != "":
				payload.PriceID = string(line.Price.ID)
			case line.Pricing != nil && line.Pricing.PriceDetails != nil:
				payload.PriceID = string(line.Pricing.PriceDetails.Price)
			}
			if payload.PriceID != "" {
				break
			}
		}
		event.Invoice = payload
	}
	return event, nil
}

// ParseEnvelope decodes a stored, previously verified payload.
func ParseEnvelope(payload []byte) (stripe.Event, error) {
	var envelope stripe.Event
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return envelope, nil
}

// Known reports whether the event type has a reducer.
func (eventType EventType) Known() bool {
	_, ok := reducers[eventType]
	return ok
}

func decodeObject(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty data object", ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

func unixTime(seconds int64) *time.Time {
	if seconds <= 0 {
		return nil
	}
	value := time.Unix(seconds, 0).UTC()
	return &value
}
