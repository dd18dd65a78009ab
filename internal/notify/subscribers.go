package notify

import (
	"errors"
	"sync"

	"github.com/basecamp/crmsync/internal/token"
)

// ErrClosed is returned when publishing on a closed transport.
var ErrClosed = errors.New("notify: transport closed")

func subscribe(mu *sync.Mutex, subs map[int]func(token.Event), nextID *int, fn func(token.Event)) func() {
	mu.Lock()
	defer mu.Unlock()

	id := *nextID
	*nextID++
	subs[id] = fn
	return func() {
		mu.Lock()
		defer mu.Unlock()
		delete(subs, id)
	}
}

func snapshot(mu *sync.Mutex, subs map[int]func(token.Event)) []func(token.Event) {
	mu.Lock()
	defer mu.Unlock()

	fns := make([]func(token.Event), 0, len(subs))
	for _, fn := range subs {
		fns = append(fns, fn)
	}
	return fns
}
