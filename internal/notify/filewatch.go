package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/basecamp/crmsync/internal/storage"
	"github.com/basecamp/crmsync/internal/token"
)

// FileWatch is the storage-change fallback: it watches a key in the shared
// state dir and turns each change into an event. Publishing is a no-op
// because the storage write is itself the signal. Writes made by this process
// are reported too; token.Manager drops those echoes.
type FileWatch struct {
	read   func(storage.Change) (token.Event, error)
	logger *slog.Logger
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[int]func(token.Event)
	nextID int
}

// NewFileWatch starts watching the credential record itself in fs.
func NewFileWatch(ctx context.Context, fs *storage.FileStore, codec token.Codec, logger *slog.Logger) (*FileWatch, error) {
	if codec == nil {
		codec = token.Obfuscator{}
	}
	read := func(c storage.Change) (token.Event, error) {
		if c.Deleted {
			return token.Event{Type: token.EventCleared}, nil
		}
		cred, err := codec.Decode(c.Value)
		if err != nil {
			return token.Event{}, err
		}
		return token.Event{Type: token.EventUpdated, Data: cred}, nil
	}
	return startWatch(ctx, fs, token.StorageKey, read, logger)
}

// NewStampWatch watches token.StampKey in fs and reloads the credential from
// store on each change. It serves credentials kept outside the state dir,
// such as in the system keyring, whose Store stamps fs on every write.
func NewStampWatch(ctx context.Context, fs *storage.FileStore, store *token.Store, logger *slog.Logger) (*FileWatch, error) {
	read := func(storage.Change) (token.Event, error) {
		cred, err := store.Load()
		if err != nil {
			return token.Event{}, err
		}
		if cred == nil {
			return token.Event{Type: token.EventCleared}, nil
		}
		return token.Event{Type: token.EventUpdated, Data: cred}, nil
	}
	return startWatch(ctx, fs, token.StampKey, read, logger)
}

func startWatch(ctx context.Context, fs *storage.FileStore, key string, read func(storage.Change) (token.Event, error), logger *slog.Logger) (*FileWatch, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &FileWatch{
		read:   read,
		logger: logger,
		cancel: cancel,
		subs:   make(map[int]func(token.Event)),
	}
	if err := fs.Watch(ctx, []string{key}, w.onChange); err != nil {
		cancel()
		return nil, err
	}
	return w, nil
}

func (w *FileWatch) onChange(c storage.Change) {
	ev, err := w.read(c)
	if err != nil {
		w.logger.Warn("ignoring unreadable credential change", "error", err)
		return
	}
	for _, fn := range snapshot(&w.mu, w.subs) {
		fn(ev)
	}
}

// Publish does nothing; peers learn of the change from storage.
func (w *FileWatch) Publish(context.Context, token.Event) error {
	return nil
}

// Subscribe registers fn for storage-derived events.
func (w *FileWatch) Subscribe(fn func(token.Event)) func() {
	return subscribe(&w.mu, w.subs, &w.nextID, fn)
}

// Close stops the watcher.
func (w *FileWatch) Close() error {
	w.cancel()
	return nil
}
