// Package listener is the inbound HTTP surface: the Slack interactivity
// webhook that lets collaborators trigger observation-plan generation from an
// alert message.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/gcnstream/internal/chat"
	"github.com/gcnstream/internal/ledger"
	"github.com/gcnstream/internal/logging"
	"github.com/gcnstream/internal/orchestrator"
)

// GWFinder resolves the alert message a button click came from back to its
// reception row.
type GWFinder interface {
	ByMessageTS(ctx context.Context, messageTS string) (*ledger.GWRow, error)
}

// PlanLauncher enters plan orchestration for a stored reception.
type PlanLauncher interface {
	LaunchFromRow(ctx context.Context, row *ledger.GWRow) error
}

// Server is the Slack-facing webhook server.
type Server struct {
	echo          *echo.Echo
	port          int
	signingSecret string
	finder        GWFinder
	launcher      PlanLauncher
	chat          chat.Poster
	log           zerolog.Logger
}

// NewServer creates the webhook server.
func NewServer(port int, signingSecret string, finder GWFinder, launcher PlanLauncher,
	poster chat.Poster) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Recover())

	server := &Server{
		echo:          e,
		port:          port,
		signingSecret: signingSecret,
		finder:        finder,
		launcher:      launcher,
		chat:          poster,
		log:           logging.Component("listener"),
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	s.echo.POST("/api/slack/actions", s.handleAction)
}

// Handler exposes the underlying http handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start begins the webhook server and blocks until interrupted.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			s.log.Fatal().Err(err).Msg("listener failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

// handleAction is the Slack interactivity endpoint. Every request is
// signature-checked; unknown actions are acknowledged and ignored so Slack
// does not retry them.
func (s *Server) handleAction(c echo.Context) error {
	body, err := s.verifiedBody(c)
	if err != nil {
		s.log.Warn().Err(err).Msg("rejected unauthenticated Slack request")
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid form body")
	}
	var payload slack.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid interaction payload")
	}

	if payload.Type != slack.InteractionTypeBlockActions {
		return c.NoContent(http.StatusOK)
	}

	for _, action := range payload.ActionCallback.BlockActions {
		if action.ActionID != chat.ActionRunObsPlan {
			continue
		}
		s.runObsPlan(c.Request().Context(), payload, action.Value)
	}

	// Slack expects a prompt 200 regardless of the outcome; failures are
	// reported back through chat.
	return c.NoContent(http.StatusOK)
}

// verifiedBody reads the request body and checks the Slack signature over it.
func (s *Server) verifiedBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	verifier, err := slack.NewSecretsVerifier(c.Request().Header, s.signingSecret)
	if err != nil {
		return nil, err
	}
	if _, err := verifier.Write(body); err != nil {
		return nil, err
	}
	if err := verifier.Ensure(); err != nil {
		return nil, err
	}
	return body, nil
}

// runObsPlan resolves the clicked message to its reception row and launches
// orchestration. A run already in flight turns into a direct warning to the
// clicker instead of a duplicate run.
func (s *Server) runObsPlan(ctx context.Context, payload slack.InteractionCallback, eventID string) {
	log := s.log.With().Str("event_id", eventID).Str("user", payload.User.ID).Logger()

	row, err := s.finder.ByMessageTS(ctx, payload.Container.MessageTs)
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve clicked message")
		return
	}
	if row == nil {
		log.Warn().Str("message_ts", payload.Container.MessageTs).
			Msg("button click on a message with no reception row")
		return
	}

	err = s.launcher.LaunchFromRow(ctx, row)
	if errors.Is(err, orchestrator.ErrAlreadyRunning) {
		log.Info().Msg("manual trigger ignored, orchestration already running")
		if dmErr := s.chat.DirectWarning(ctx, payload.User.ID, chat.RunningWarning(eventID)); dmErr != nil {
			log.Error().Err(dmErr).Msg("failed to warn user about the running orchestration")
		}
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("manual plan launch failed")
		return
	}
	log.Info().Msg("observation plans launched manually")
}
