package publisher

import (
	"context"
	"errors"

	"list_harvester/internal/domain"
)

// Notifier is implemented by every notification hook.
type Notifier interface {
	Notify(ctx context.Context, target string, items []domain.Item) error
	Close() error
}

// Multi fans a notification out to several notifiers. Every notifier is called even
// when an earlier one fails.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, target string, items []domain.Item) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, target, items); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
