// Package backend is the trusted intermediary that holds the Zoho client
// secret. Clients send it authorization codes and refresh tokens; it never
// sees the PKCE verifier outside the exchange it performs.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/oauth2"

	"github.com/basecamp/crmsync/internal/auth"
	"github.com/basecamp/crmsync/internal/token"
	"github.com/basecamp/crmsync/internal/zoho"
)

// DefaultTokenURL is Zoho's token endpoint.
const DefaultTokenURL = "https://accounts.zoho.com/oauth/v2/token"

// Config configures the backend.
type Config struct {
	ClientID     string `validate:"required"`
	ClientSecret string `validate:"required"`
	RedirectURI  string `validate:"required,url"`
	TokenURL     string `validate:"required,url"`
	// RefreshToken is a server-held token used for beacons that arrive
	// without an access token.
	RefreshToken string
	CRM          zoho.Config
	// AllowOrigins lists origins allowed to post beacons; default any.
	AllowOrigins []string
}

// Server serves the token, refresh and beacon endpoints.
type Server struct {
	cfg        Config
	oauth      *oauth2.Config
	crm        *zoho.Client
	httpClient *http.Client
	logger     *slog.Logger
	echo       *echo.Echo

	mu          sync.Mutex
	serverToken oauth2.TokenSource

	// beacons tracks CRM writes still running after their 202.
	beacons sync.WaitGroup
}

// beaconWriteTimeout bounds a CRM write accepted from a beacon.
const beaconWriteTimeout = 30 * time.Second

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

// New validates cfg and builds the server.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Server, error) {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid backend config: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{"*"}
	}

	s := &Server{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		crm:        zoho.NewClient(cfg.CRM, httpClient, logger),
		httpClient: httpClient,
		logger:     logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validate}
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= 500 {
				level = slog.LevelError
			}
			logger.LogAttrs(c.Request().Context(), level, "request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))
	s.MountRoutes(e.Group("/api/zoho"))
	e.GET("/healthz", s.health)
	s.echo = e

	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// MountRoutes registers the endpoints under group.
func (s *Server) MountRoutes(group *echo.Group) {
	cors := middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.cfg.AllowOrigins,
		AllowMethods: []string{http.MethodPost},
		AllowHeaders: []string{echo.HeaderContentType},
	})

	group.POST(trim(auth.TokenPath), s.exchange)
	group.POST(trim(auth.RefreshPath), s.refresh)
	group.Match([]string{http.MethodPost, http.MethodOptions}, trim(zoho.BeaconPath), s.beaconSync, cors)
}

func trim(path string) string {
	return path[len("/api/zoho"):]
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("backend listening", "addr", addr)
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.echo.Shutdown(shutdownCtx)
		s.beacons.Wait()
		return err
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	body := errorBody{Error: "Internal server error", Message: err.Error()}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		body = errorBody{Error: fmt.Sprint(he.Message)}
	}
	if status >= 500 {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	_ = c.JSON(status, body)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type exchangeRequest struct {
	Code     string `json:"code" validate:"required"`
	Verifier string `json:"verifier" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

func (s *Server) exchange(c echo.Context) error {
	var req exchangeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing code or verifier")
	}

	tok, err := s.oauth.Exchange(s.oauthContext(c.Request().Context()), req.Code, oauth2.VerifierOption(req.Verifier))
	if err != nil {
		s.logger.Warn("token exchange failed", "error", err)
		return c.JSON(http.StatusBadRequest, errorBody{Error: "Token exchange failed", Details: providerError(err)})
	}
	if tok.RefreshToken != "" {
		s.logger.Info("refresh token issued")
	}
	return c.JSON(http.StatusOK, grantFrom(tok, ""))
}

func (s *Server) refresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	refreshToken := req.RefreshToken
	if refreshToken == "" {
		refreshToken = s.cfg.RefreshToken
	}
	if refreshToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "No refresh token available")
	}

	ts := s.oauth.TokenSource(s.oauthContext(c.Request().Context()), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		s.logger.Warn("token refresh failed", "error", err)
		return c.JSON(http.StatusBadRequest, errorBody{Error: "Token refresh failed", Details: providerError(err)})
	}
	return c.JSON(http.StatusOK, grantFrom(tok, refreshToken))
}

func (s *Server) beaconSync(c echo.Context) error {
	var req zoho.BeaconRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if len(req.Record.Data) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "Record data is required")
	}
	if err := zoho.ValidateRecordID(req.Record.RecordID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "No Zoho record ID")
	}

	cred, err := s.credentialFor(c.Request().Context(), req.AccessToken)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	rec := req.Record
	rec.Completion = zoho.Progress(rec.Data, zoho.DefaultSectionCount)
	s.logger.Info("beacon sync", "record", rec.RecordID, "completion", rec.Completion)

	// The sender is unloading and never reads the result, so acknowledge now
	// and write in the background.
	ctx := context.WithoutCancel(c.Request().Context())
	s.beacons.Go(func() {
		ctx, cancel := context.WithTimeout(ctx, beaconWriteTimeout)
		defer cancel()
		if _, err := s.crm.SyncWithStatus(ctx, rec, cred); err != nil {
			s.logger.Error("beacon sync failed", "record", rec.RecordID, "error", err)
		}
	})
	return c.JSON(http.StatusAccepted, map[string]any{"success": true})
}

// credentialFor uses the caller's access token, or the server-held refresh
// token when the caller sent none.
func (s *Server) credentialFor(ctx context.Context, accessToken string) (*token.Credential, error) {
	if accessToken != "" {
		return &token.Credential{AccessToken: accessToken}, nil
	}
	if s.cfg.RefreshToken == "" {
		return nil, errors.New("no access token and no server refresh token")
	}

	s.mu.Lock()
	if s.serverToken == nil {
		// Background: the source outlives this request.
		s.serverToken = s.oauth.TokenSource(s.oauthContext(context.Background()), &oauth2.Token{RefreshToken: s.cfg.RefreshToken})
	}
	ts := s.serverToken
	s.mu.Unlock()

	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("server token refresh failed: %w", err)
	}
	return &token.Credential{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}

// grantFrom converts an oauth2 token to the response clients expect. The
// refresh token is included only when it differs from the one presented.
func grantFrom(tok *oauth2.Token, presented string) token.Grant {
	g := token.Grant{AccessToken: tok.AccessToken}
	if tok.RefreshToken != "" && tok.RefreshToken != presented {
		g.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		g.ExpiresIn = int64(math.Round(time.Until(tok.Expiry).Seconds()))
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		g.Scope = scope
	}
	return g
}

func providerError(err error) any {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode != "" {
			return map[string]string{"error": re.ErrorCode, "error_description": re.ErrorDescription}
		}
		return string(re.Body)
	}
	return err.Error()
}
