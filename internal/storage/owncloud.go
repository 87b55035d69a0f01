// Package storage is the ownCloud WebDAV client used for alert artifacts:
// candidate folder trees, skymaps, observation-plan products.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gcnstream/internal/logging"
)

// Client talks WebDAV to one ownCloud server with basic auth. All paths are
// relative to the user's file root.
type Client struct {
	serverURL string
	username  string
	password  string
	http      *http.Client
	log       zerolog.Logger
}

// New creates a client for serverURL (scheme+host, no WebDAV suffix).
func New(serverURL, username, password string) *Client {
	return &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		username:  username,
		password:  password,
		http:      &http.Client{Timeout: 60 * time.Second},
		log:       logging.Component("storage"),
	}
}

func (c *Client) davURL(remotePath string) string {
	return c.serverURL + "/remote.php/dav/files/" + url.PathEscape(c.username) +
		"/" + escapePath(remotePath)
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// WebLink returns the browser URL of a folder, the form posted into Slack
// threads.
func (c *Client) WebLink(remotePath string) string {
	return c.serverURL + "/apps/files/?dir=/" + escapePath(remotePath)
}

func (c *Client) do(ctx context.Context, method, remotePath string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.davURL(remotePath), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.SetBasicAuth(c.username, c.password)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, remotePath, err)
	}
	return resp, nil
}

// Mkdir creates one folder. A 405 from the server means the folder already
// exists and is treated as success, so the call is idempotent.
func (c *Client) Mkdir(ctx context.Context, remotePath string) error {
	resp, err := c.do(ctx, "MKCOL", remotePath, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusMethodNotAllowed:
		// Folder already exists.
		return nil
	default:
		return fmt.Errorf("MKCOL %s: unexpected status %d", remotePath, resp.StatusCode)
	}
}

// MkdirAll creates the folder and every missing parent.
func (c *Client) MkdirAll(ctx context.Context, remotePath string) error {
	parts := strings.Split(strings.Trim(remotePath, "/"), "/")
	for i := range parts {
		if err := c.Mkdir(ctx, path.Join(parts[:i+1]...)); err != nil {
			return err
		}
	}
	return nil
}

// PutBytes uploads data to remotePath, overwriting any previous content.
func (c *Client) PutBytes(ctx context.Context, remotePath string, data []byte) error {
	resp, err := c.do(ctx, http.MethodPut, remotePath, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("PUT %s: unexpected status %d", remotePath, resp.StatusCode)
	}
	c.log.Debug().Str("path", remotePath).Int("bytes", len(data)).Msg("uploaded artifact")
	return nil
}

// PutFile uploads a local file to remotePath.
func (c *Client) PutFile(ctx context.Context, remotePath, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	return c.PutBytes(ctx, remotePath, data)
}

// Delete removes a file or folder tree. A 404 is treated as success so
// cleanup retries stay idempotent.
func (c *Client) Delete(ctx context.Context, remotePath string) error {
	resp, err := c.do(ctx, http.MethodDelete, remotePath, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("DELETE %s: unexpected status %d", remotePath, resp.StatusCode)
	}
}
