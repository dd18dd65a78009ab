// Package appctx provides application context helpers.
package appctx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basecamp/crmsync/internal/auth"
	"github.com/basecamp/crmsync/internal/config"
	"github.com/basecamp/crmsync/internal/notify"
	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/queue"
	"github.com/basecamp/crmsync/internal/storage"
	"github.com/basecamp/crmsync/internal/token"
	"github.com/basecamp/crmsync/internal/zoho"
)

// contextKey is a private type for context keys.
type contextKey string

const appKey contextKey = "app"

// processHub links every manager opened in this process.
var processHub = notify.NewHub()

// App holds the shared application context for all commands.
type App struct {
	Config *config.Config
	Output *output.Writer
	Logger *slog.Logger

	// Flags holds the global flag values
	Flags GlobalFlags

	once     sync.Once
	svc      *Services
	svcErr   error
	closeFns []func()
}

// GlobalFlags holds values for global CLI flags.
type GlobalFlags struct {
	// Output format flags
	JSON   bool
	Quiet  bool
	Styled bool
	JQ     string

	// Context flags
	StateDir   string
	BackendURL string

	// Behavior flags
	Verbose int
}

// Services are the long-lived components commands work with. They are built
// on first use so that commands like "config show" touch no storage.
type Services struct {
	State     *storage.FileStore
	Tokens    *token.Manager
	Transport token.Transport
	Backend   *auth.BackendClient
	Client    *zoho.Client
	Syncer    *zoho.Syncer
	Queue     *queue.Queue
	Records   *zoho.StateStore
	Beacon    *zoho.Beacon
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config) *App {
	format, err := output.ParseFormat(cfg.Format)
	if err != nil {
		format = output.FormatAuto
	}
	w, _ := output.New(output.Options{Format: format, Writer: os.Stdout})

	return &App{
		Config: cfg,
		Output: w,
		Logger: slog.Default(),
	}
}

// ApplyFlags applies global flag values to the app configuration.
func (a *App) ApplyFlags() error {
	format, err := output.ParseFormat(a.Config.Format)
	if err != nil {
		return err
	}
	switch {
	case a.Flags.Quiet:
		format = output.FormatQuiet
	case a.Flags.JSON:
		format = output.FormatJSON
	case a.Flags.Styled:
		format = output.FormatStyled
	}
	w, err := output.New(output.Options{Format: format, Writer: os.Stdout, JQ: a.Flags.JQ})
	if err != nil {
		return err
	}
	a.Output = w

	// Determine verbosity level from flags and CRMSYNC_DEBUG env var
	verboseLevel := a.Flags.Verbose
	if debugEnv := os.Getenv("CRMSYNC_DEBUG"); debugEnv != "" {
		if level, err := strconv.Atoi(debugEnv); err == nil {
			verboseLevel = max(verboseLevel, level)
		} else if debugEnv == "true" {
			verboseLevel = 2
		}
	}

	level := slog.LevelWarn
	switch {
	case verboseLevel >= 2:
		level = slog.LevelDebug
	case verboseLevel == 1:
		level = slog.LevelInfo
	}
	a.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.Logger)
	return nil
}

// OK outputs a success response.
func (a *App) OK(data any, opts ...output.ResponseOption) error {
	return a.Output.OK(data, opts...)
}

// Err outputs an error response.
func (a *App) Err(err error) error {
	return a.Output.Err(err)
}

// Services builds the services once and returns them.
func (a *App) Services(ctx context.Context) (*Services, error) {
	a.once.Do(func() {
		a.svc, a.svcErr = a.open(ctx)
	})
	return a.svc, a.svcErr
}

// Close releases everything Services opened, in reverse order.
func (a *App) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
	a.closeFns = nil
}

func (a *App) onClose(fn func()) {
	a.closeFns = append(a.closeFns, fn)
}

func (a *App) open(ctx context.Context) (*Services, error) {
	cfg := a.Config
	if err := cfg.Validate(); err != nil {
		return nil, output.ErrConfig(err.Error(), "Run: crmsync config show")
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	fileStore := storage.NewFileStore(cfg.StateDir)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		client, err := storage.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, output.ErrConfig(err.Error(), "Check redis_url")
		}
		redisClient = client
		a.onClose(func() { _ = client.Close() })
	}

	codec, err := a.codec()
	if err != nil {
		return nil, err
	}

	credBackend, err := credentialBackend(cfg.CredentialBackend, fileStore, redisClient)
	if err != nil {
		return nil, err
	}

	credStore := token.NewStore(credBackend, codec)
	sharedFile := credBackend == storage.Store(fileStore)
	if !sharedFile {
		credStore.SetStamps(fileStore)
	}

	transport, err := a.transport(ctx, cfg.Broadcast, credStore, sharedFile, fileStore, codec, redisClient)
	if err != nil {
		return nil, err
	}
	if transport != nil {
		a.onClose(func() { _ = transport.Close() })
	}

	svc := &Services{State: fileStore, Transport: transport}
	if cfg.BackendURL != "" {
		svc.Backend = auth.NewBackendClient(cfg.BackendURL, httpClient)
		svc.Beacon = zoho.NewBeacon(cfg.BackendURL, httpClient, a.Logger)
	}

	opts := token.Options{
		Store:     credStore,
		Transport: transport,
		Logger:    a.Logger,
	}
	if svc.Backend != nil {
		opts.Refresher = svc.Backend
	}
	svc.Tokens = token.NewManager(opts)
	a.onClose(svc.Tokens.Close)

	var queueStore storage.Store = fileStore
	if cfg.QueueBackend == "redis" {
		queueStore = storage.NewRedisStore(redisClient)
	}

	svc.Client = zoho.NewClient(zoho.Config{
		APIBase:    cfg.APIBase,
		Module:     cfg.Module,
		StateField: cfg.DiscoveryField,
	}, httpClient, a.Logger)
	svc.Records = zoho.NewStateStore(fileStore)

	qcfg := queue.DefaultConfig()
	qcfg.Interval = cfg.QueueInterval
	var syncer *zoho.Syncer
	svc.Queue = queue.New(queue.Options{
		Store: queueStore,
		Executor: queue.ExecutorFunc(func(ctx context.Context, item queue.Item) error {
			return syncer.Execute(ctx, item)
		}),
		Config: qcfg,
		Logger: a.Logger,
	})
	syncer = zoho.NewSyncer(zoho.SyncerOptions{
		Client: svc.Client,
		Tokens: svc.Tokens,
		State:  svc.Records,
		Queue:  svc.Queue,
		Logger: a.Logger,
	})
	svc.Syncer = syncer

	return svc, nil
}

func (a *App) codec() (token.Codec, error) {
	if a.Config.Codec != "jwe" {
		return token.Obfuscator{}, nil
	}
	key, err := token.ParseKey(a.Config.EncryptionKey)
	if err != nil {
		return nil, output.ErrConfig("invalid encryption_key: "+err.Error(), "Use 32 bytes, base64 encoded")
	}
	codec, err := token.NewJWECodec(key)
	if err != nil {
		return nil, output.ErrConfig(err.Error(), "Use 32 bytes, base64 encoded")
	}
	return codec, nil
}

func credentialBackend(kind string, fs *storage.FileStore, rc *redis.Client) (storage.Store, error) {
	switch kind {
	case "keyring":
		if !storage.KeyringAvailable() {
			return nil, output.ErrConfig("system keyring is unavailable", "Set credential_backend: file")
		}
		return storage.NewKeyringStore(), nil
	case "file":
		return fs, nil
	case "redis":
		return storage.NewRedisStore(rc), nil
	default:
		return storage.NewCredentialBackend(fs), nil
	}
}

// transport assembles the cross-process notifier. "auto" uses every path
// available: the in-process hub, Redis pub/sub when configured, and watching
// the shared state dir. That watch follows the credential file itself, or the
// change stamp when the credential is kept elsewhere.
func (a *App) transport(ctx context.Context, kind string, credStore *token.Store, sharedFile bool, fs *storage.FileStore, codec token.Codec, rc *redis.Client) (token.Transport, error) {
	var parts notify.Multi

	if kind == "auto" {
		parts = append(parts, processHub.Open(notify.ChannelName))
	}
	if kind == "redis" || (kind == "auto" && rc != nil) {
		ch, err := notify.NewRedisChannel(ctx, rc, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("redis broadcast: %w", err)
		}
		parts = append(parts, ch)
	}
	if kind == "file" || kind == "auto" {
		var fw *notify.FileWatch
		var err error
		if sharedFile {
			fw, err = notify.NewFileWatch(ctx, fs, codec, a.Logger)
		} else {
			fw, err = notify.NewStampWatch(ctx, fs, credStore, a.Logger)
		}
		if err != nil {
			a.Logger.Warn("file watch unavailable, credential changes from other processes arrive on next read", "error", err)
		} else {
			parts = append(parts, fw)
		}
	}

	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return parts[0], nil
	default:
		return parts, nil
	}
}

// WithApp stores the app in the context.
func WithApp(ctx context.Context, app *App) context.Context {
	return context.WithValue(ctx, appKey, app)
}

// FromContext retrieves the app from the context.
func FromContext(ctx context.Context) *App {
	app, _ := ctx.Value(appKey).(*App)
	return app
}
