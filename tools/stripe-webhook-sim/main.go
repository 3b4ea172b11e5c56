// Command stripe-webhook-sim sends signed Stripe webhook events at a local
// stack, so the billing flow can be exercised without a real Stripe account.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	var (
		baseURL  = flag.String("base-url", getenv("BASE_URL", "http://localhost:8080"), "gateway base url")
		evtType  = flag.String("type", getenv("STRIPE_EVENT_TYPE", "checkout.session.completed"), "stripe event type")
		business = flag.String("business-id", getenv("BUSINESS_ID", ""), "business_id metadata")
		tier     = flag.String("tier", getenv("TIER", "starter"), "tier metadata")
		interval = flag.String("interval", getenv("BILLING_INTERVAL", "month"), "price recurring interval (month or year)")
		secret   = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*business) == "" {
		fatal("BUSINESS_ID is required")
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	payload, err := buildEventJSON(eventID, *evtType, now, *business, *tier, *interval)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/billing/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	fmt.Printf("status=%d\n", resp.StatusCode)
}

func buildEventJSON(eventID, eventType string, t time.Time, businessID, tier, interval string) ([]byte, error) {
	created := t.Unix()
	metadata := map[string]any{
		"business_id": businessID,
		"tier":        tier,
	}
	subscription := map[string]any{
		"id":       "sub_test_123",
		"object":   "subscription",
		"status":   "active",
		"metadata": metadata,
		"customer": map[string]any{"id": "cus_test_123"},
		"items": map[string]any{
			"data": []map[string]any{
				{
					"price": map[string]any{
						"recurring": map[string]any{"interval": interval},
					},
				},
			},
		},
		"current_period_start": created,
		"current_period_end":   t.AddDate(0, 1, 0).Unix(),
	}

	switch eventType {
	case "checkout.session.completed", "checkout.session.expired":
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2020-08-27",
			"data": map[string]any{
				"object": map[string]any{
					"id":           "cs_test_123",
					"object":       "checkout.session",
					"metadata":     metadata,
					"customer":     map[string]any{"id": "cus_test_123"},
					"subscription": subscription,
				},
			},
		})
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2020-08-27",
			"data": map[string]any{
				"object": subscription,
			},
		})
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
