package notify

import (
	"context"
	"errors"

	"github.com/basecamp/crmsync/internal/token"
)

// Multi fans a publish out to several transports and merges their events.
// Pair a broadcast transport with FileWatch to get both paths.
type Multi []token.Transport

func (m Multi) Publish(ctx context.Context, ev token.Event) error {
	var errs []error
	for _, t := range m {
		if err := t.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Subscribe(fn func(token.Event)) func() {
	unsubs := make([]func(), 0, len(m))
	for _, t := range m {
		unsubs = append(unsubs, t.Subscribe(fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (m Multi) Close() error {
	var errs []error
	for _, t := range m {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
