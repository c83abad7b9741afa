package billing

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v82"
)

func envelope(test *testing.T, eventType EventType, object string) stripe.Event {
	test.Helper()
	raw := `{"id":"evt_decode","object":"event","type":"` + string(eventType) + `","created":1719792000,"data":{"object":` + object + `}}`
	var event stripe.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		test.Fatalf("unmarshal envelope: %v", err)
	}
	return event
}

func TestDecodeInvoiceShapes(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name           string
		object         string
		subscriptionID string
		customerID     string
		priceID        string
	}{
		{
			name:           "legacy top-level subscription",
			object:         `{"id":"in_1","customer":"cus_1","subscription":"sub_1","billing_reason":"subscription_cycle","lines":{"data":[{"price":{"id":"price_pro"}}]}}`,
			subscriptionID: "sub_1",
			customerID:     "cus_1",
			priceID:        "price_pro",
		},
		{
			name:           "parent subscription details",
			object:         `{"id":"in_2","customer":{"id":"cus_2","object":"customer"},"billing_reason":"subscription_cycle","parent":{"subscription_details":{"subscription":"sub_2"}},"lines":{"data":[{"pricing":{"price_details":{"price":"price_team"}}}]}}`,
			subscriptionID: "sub_2",
			customerID:     "cus_2",
			priceID:        "price_team",
		},
		{
			name:           "expanded subscription object",
			object:         `{"id":"in_3","customer":"cus_3","subscription":{"id":"sub_3","object":"subscription"}}`,
			subscriptionID: "sub_3",
			customerID:     "cus_3",
		},
	}
	for _, testCase := range testCases {
		event, err := DecodeEvent(envelope(test, EventInvoicePaymentSucceeded, testCase.object))
		if err != nil {
			test.Fatalf("%s: decode failed: %v", testCase.name, err)
		}
		invoice := event.Invoice
		if invoice == nil {
			test.Fatalf("%s: invoice payload missing", testCase.name)
		}
		if invoice.SubscriptionID != testCase.subscriptionID || invoice.CustomerID != testCase.customerID || invoice.PriceID != testCase.priceID {
			test.Fatalf("%s: unexpected invoice %+v", testCase.name, invoice)
		}
	}
}

func TestDecodeCheckoutPrefersClientReference(test *testing.T) {
	test.Parallel()
	event, err := DecodeEvent(envelope(test, EventCheckoutCompleted, `{"id":"cs_1","client_reference_id":"acct-7","metadata":{"account_id":"acct-8"},"customer":"cus_7","subscription":"sub_7","mode":"subscription"}`))
	if err != nil {
		test.Fatalf("decode failed: %v", err)
	}
	if event.Checkout.AccountID != "acct-7" || event.Checkout.SubscriptionID != "sub_7" {
		test.Fatalf("unexpected checkout %+v", event.Checkout)
	}
	if event.Created.Unix() != 1719792000 {
		test.Fatalf("unexpected created time %v", event.Created)
	}
}

func TestDecodeSubscriptionPeriodFallsBackToItem(test *testing.T) {
	test.Parallel()
	event, err := DecodeEvent(envelope(test, EventSubscriptionUpdated, `{"id":"sub_1","status":"active","items":{"data":[{"price":{"id":"price_pro"},"current_period_start":1719792000,"current_period_end":1722470400}]}}`))
	if err != nil {
		test.Fatalf("decode failed: %v", err)
	}
	payload := event.Subscription
	if payload.PriceID != "price_pro" || payload.CurrentPeriodStart == nil || payload.CurrentPeriodEnd.Unix() != 1722470400 {
		test.Fatalf("unexpected subscription %+v", payload)
	}
	if payload.CanceledAt != nil {
		test.Fatalf("expected no cancellation time")
	}
}

func TestDecodeRejectsMissingIdentity(test *testing.T) {
	test.Parallel()
	if _, err := DecodeEvent(stripe.Event{Type: "invoice.payment_failed"}); !errors.Is(err, ErrMalformedEvent) {
		test.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
	if _, err := ParseEnvelope([]byte("{")); !errors.Is(err, ErrMalformedEvent) {
		test.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}
