package listener

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcnstream/internal/chat"
	"github.com/gcnstream/internal/ledger"
	"github.com/gcnstream/internal/orchestrator"
)

const testSecret = "8f742231b10e8888abcd99yyyzzz85a5"

type fakeFinder struct {
	rows map[string]*ledger.GWRow
}

func (f *fakeFinder) ByMessageTS(_ context.Context, ts string) (*ledger.GWRow, error) {
	return f.rows[ts], nil
}

type fakeLauncher struct {
	launched []*ledger.GWRow
	err      error
}

func (f *fakeLauncher) LaunchFromRow(_ context.Context, row *ledger.GWRow) error {
	if f.err != nil {
		return f.err
	}
	f.launched = append(f.launched, row)
	return nil
}

type fakePoster struct {
	warnings []string
}

func (f *fakePoster) Post(context.Context, string, chat.Message, string) (string, error) {
	return "ts-1", nil
}

func (f *fakePoster) DirectWarning(_ context.Context, userID, text string) error {
	f.warnings = append(f.warnings, userID+": "+text)
	return nil
}

func sign(secret, body string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%d:%s", ts, body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func signedRequest(t *testing.T, secret, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/slack/actions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	ts := time.Now().Unix()
	req.Header.Set("X-Slack-Request-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-Slack-Signature", sign(secret, body, ts))
	return req
}

func actionBody(actionID, value, messageTS, userID string) string {
	payload := fmt.Sprintf(`{
		"type": "block_actions",
		"user": {"id": %q},
		"container": {"type": "message", "message_ts": %q},
		"actions": [{"type": "button", "block_id": "gw_actions", "action_id": %q, "value": %q}]
	}`, userID, messageTS, actionID, value)
	return url.Values{"payload": {payload}}.Encode()
}

func newTestServer(finder *fakeFinder, launcher *fakeLauncher, poster *fakePoster) *Server {
	return NewServer(0, testSecret, finder, launcher, poster)
}

func TestActionRejectsBadSignature(t *testing.T) {
	launcher := &fakeLauncher{}
	srv := newTestServer(&fakeFinder{}, launcher, &fakePoster{})

	body := actionBody(chat.ActionRunObsPlan, "S241102br", "1700000000.000100", "U123")
	req := signedRequest(t, "wrong-secret", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, launcher.launched)
}

func TestActionLaunchesPlans(t *testing.T) {
	row := &ledger.GWRow{ID: 7, TriggerID: "S241102br", ThreadTS: "1700000000.000100"}
	finder := &fakeFinder{rows: map[string]*ledger.GWRow{"1700000000.000200": row}}
	launcher := &fakeLauncher{}
	srv := newTestServer(finder, launcher, &fakePoster{})

	body := actionBody(chat.ActionRunObsPlan, "S241102br", "1700000000.000200", "U123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(t, testSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, launcher.launched, 1)
	assert.Equal(t, int64(7), launcher.launched[0].ID)
}

func TestActionWarnsWhenAlreadyRunning(t *testing.T) {
	row := &ledger.GWRow{ID: 7, TriggerID: "S241102br"}
	finder := &fakeFinder{rows: map[string]*ledger.GWRow{"1700000000.000200": row}}
	launcher := &fakeLauncher{err: orchestrator.ErrAlreadyRunning}
	poster := &fakePoster{}
	srv := newTestServer(finder, launcher, poster)

	body := actionBody(chat.ActionRunObsPlan, "S241102br", "1700000000.000200", "U123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(t, testSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code, "Slack still gets a 200")
	require.Len(t, poster.warnings, 1)
	assert.Contains(t, poster.warnings[0], "U123")
	assert.Contains(t, poster.warnings[0], "S241102br")
}

func TestActionIgnoresUnknownActionID(t *testing.T) {
	launcher := &fakeLauncher{}
	srv := newTestServer(&fakeFinder{}, launcher, &fakePoster{})

	body := actionBody("some_other_action", "x", "1700000000.000200", "U123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(t, testSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, launcher.launched)
}

func TestActionToleratesUnknownMessage(t *testing.T) {
	launcher := &fakeLauncher{}
	srv := newTestServer(&fakeFinder{}, launcher, &fakePoster{})

	body := actionBody(chat.ActionRunObsPlan, "S241102br", "1700000000.000999", "U123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(t, testSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, launcher.launched)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&fakeFinder{}, &fakeLauncher{}, &fakePoster{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
