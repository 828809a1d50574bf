package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/virtualtours/internal/model"
	"github.com/dukerupert/virtualtours/internal/store"
)

const sendTimeout = 10 * time.Second

// Notifier pushes settled generations to every browser the owning session
// subscribed.
type Notifier struct {
	service *Service
	subs    *store.PushStore
	logger  *slog.Logger
}

func NewNotifier(svc *Service, subs *store.PushStore, logger *slog.Logger) *Notifier {
	return &Notifier{service: svc, subs: subs, logger: logger}
}

func (n *Notifier) NotifyGeneration(g *model.Generation) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	subs, err := n.subs.ListBySession(ctx, g.SessionID)
	if err != nil {
		n.logger.Error("list push subscriptions", "generation", g.ID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload := PayloadFor(g)
	for i := range subs {
		sub := &subs[i]
		err := n.service.Send(ctx, sub, payload)
		switch {
		case errors.Is(err, ErrExpired):
			n.logger.Info("removing expired push subscription", "endpoint", sub.Endpoint)
			if err := n.subs.DeleteByEndpoint(ctx, sub.Endpoint); err != nil {
				n.logger.Error("delete expired push subscription", "error", err)
			}
		case err != nil:
			n.logger.Warn("push notification failed", "generation", g.ID, "endpoint", sub.Endpoint, "error", err)
		default:
			n.logger.Debug("push notification sent", "generation", g.ID, "endpoint", sub.Endpoint)
		}
	}
}

// PayloadFor builds the notification shown for a settled generation.
func PayloadFor(g *model.Generation) Payload {
	p := Payload{
		URL: fmt.Sprintf("/generations/%d", g.ID),
		Tag: fmt.Sprintf("generation-%d", g.ID),
	}
	if g.Status == model.GenerationReady {
		p.Title = "Your tour image is ready"
		p.Body = g.Prompt
		return p
	}
	p.Title = "Your tour image could not be generated"
	p.Body = "No credit was used."
	if !g.Refunded {
		p.Body = g.Error
	}
	return p
}
