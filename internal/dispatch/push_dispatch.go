package dispatch

import (
	"context"
	"errors"

	"github.com/example/shuttle-tracker/internal/proximity"
)

// PushDispatcher tries the viewer's open websocket first and falls back to
// a push notification.
type PushDispatcher struct {
	WS       *WSRegistry
	Fallback proximity.Sink
}

func NewPushDispatcher(ws *WSRegistry, fallback proximity.Sink) *PushDispatcher {
	return &PushDispatcher{WS: ws, Fallback: fallback}
}

func (p *PushDispatcher) Notify(ctx context.Context, a proximity.Alert) error {
	if p.WS != nil {
		err := p.WS.Notify(ctx, a)
		if err == nil {
			return nil
		}
		if p.Fallback == nil {
			return err
		}
		if !errors.Is(err, ErrNoSession) {
			// the socket is broken; try push anyway
			return errors.Join(err, p.Fallback.Notify(ctx, a))
		}
	}
	if p.Fallback == nil {
		return ErrNoSession
	}
	return p.Fallback.Notify(ctx, a)
}
