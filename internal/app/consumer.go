package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/movefund/release-service/internal/domain"
	"github.com/movefund/release-service/internal/store"
)

// PayoutConsumer applies payout.payable.paid events from the payout process.
type PayoutConsumer struct {
	service *Service
	timeout time.Duration
}

func NewPayoutConsumer(service *Service) *PayoutConsumer {
	return &PayoutConsumer{service: service, timeout: 15 * time.Second}
}

// HandleMessage returns false only when the message should be redelivered.
func (c *PayoutConsumer) HandleMessage(body []byte) bool {
	var event domain.PayablePaidEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=payout_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}

	if event.PayableID == nil && event.ReleaseID == nil {
		log.Printf("level=warn component=payout_consumer msg=\"event names neither payable nor release; dropping\" event_id=%s", event.EventID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		if errors.Is(err, store.ErrPayableNotFound) || errors.Is(err, store.ErrReleaseNotFound) {
			log.Printf("level=warn component=payout_consumer msg=\"no payable for event; acknowledging\" event_id=%s err=%v", event.EventID, err)
			return true
		}
		log.Printf("level=error component=payout_consumer msg=\"processing error\" event_id=%s err=%v", event.EventID, err)
		return false
	}
	return true
}

func (c *PayoutConsumer) processEvent(ctx context.Context, event domain.PayablePaidEvent) error {
	req := domain.MarkPayablePaidRequest{PayoutReference: event.PayoutReference, PaidAt: event.PaidAt}

	if event.PayableID != nil {
		if _, err := c.service.MarkPayablePaid(ctx, *event.PayableID, req); err != nil {
			return fmt.Errorf("mark payable %s paid: %w", *event.PayableID, err)
		}
		return nil
	}
	if _, err := c.service.MarkReleasePayablePaid(ctx, *event.ReleaseID, req); err != nil {
		return fmt.Errorf("mark payable of release %s paid: %w", *event.ReleaseID, err)
	}
	return nil
}
