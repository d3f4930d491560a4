// Package notify delivers position lifecycle alerts to operator channels.
// Transitions are dispatched to all registered senders (Telegram, webhook,
// etc.) and can be filtered by transition type so operators receive only the
// alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches lifecycle alerts to one or more Senders. It maintains a
// set of allowed transition types; NotifyTransition only forwards alerts
// whose transition is in the allowed set, while NotifyAll bypasses the filter.
type Notifier struct {
	senders     []Sender
	transitions map[string]bool
	logger      *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// transitions that appear in the transitions slice will be forwarded; if the
// slice is empty, all transitions are allowed.
func NewNotifier(senders []Sender, transitions []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(transitions))
	for _, t := range transitions {
		allowed[strings.TrimSpace(t)] = true
	}
	return &Notifier{
		senders:     senders,
		transitions: allowed,
		logger:      logger.With(slog.String("component", "notifier")),
	}
}

// NotifyTransition reports one position lifecycle transition. Detail keys are
// rendered sorted so messages are stable across deliveries.
func (n *Notifier) NotifyTransition(ctx context.Context, positionID int64, owner, transition string, detail map[string]any) error {
	if len(n.transitions) > 0 && !n.transitions[transition] {
		n.logger.DebugContext(ctx, "transition filtered out",
			slog.String("transition", transition),
		)
		return nil
	}

	title := fmt.Sprintf("position %d: %s", positionID, transition)

	lines := []string{"owner: " + owner}
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, detail[k]))
	}

	return n.dispatch(ctx, title, strings.Join(lines, "\n"))
}

// NotifyAll sends a notification to all senders regardless of transition type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch iterates over all senders and sends the notification. Errors from
// individual senders are collected and returned as a combined error; a single
// sender failure does not prevent delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
