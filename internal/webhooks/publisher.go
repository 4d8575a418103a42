package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"depotplan/internal/store"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Emit sends an event to all subscriptions for the depot and event type.
func (p *Publisher) Emit(ctx context.Context, depotID, eventType string, data any) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, depotID, eventType)
	if err != nil {
		log.Printf("webhook subscription lookup failed depot=%s event=%s: %v", depotID, eventType, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":      fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type":    eventType,
		"depotId": depotID,
		"ts":      time.Now().UTC().Format(time.RFC3339),
		"data":    data,
	}
	body, _ := json.Marshal(payload)
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, depotID, s.ID, eventType, s.URL, s.Secret, body); err != nil {
			log.Printf("webhook enqueue failed depot=%s sub=%s event=%s: %v", depotID, s.ID, eventType, err)
		}
	}
}
