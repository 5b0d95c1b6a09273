// Package opensips talks to the SIP proxy's management interface. The
// dispatcher uses exactly one call: ending a dialog whose media session
// expired at a relay.
package opensips

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client issues dlg_end_dlg requests to the OpenSIPS MI JSON-RPC
// endpoint. A client with an empty URL is disabled: EndDialog logs and
// succeeds without contacting anything.
type Client struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a management-interface client for the given MI URL
// (e.g. "http://127.0.0.1:8888/mi"). An empty URL disables the client.
func NewClient(url string, logger *slog.Logger) *Client {
	return &Client{
		url:    url,
		http:   &http.Client{Timeout: 5 * time.Second},
		logger: logger.With("component", "opensips"),
	}
}

type miRequest struct {
	JSONRPC string   `json:"jsonrpc"`
	Method  string   `json:"method"`
	Params  []string `json:"params"`
	ID      int      `json:"id"`
}

type miResponse struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// EndDialog asks OpenSIPS to terminate the dialog named by dialogID,
// an opaque "hash_entry:hash_id" handle minted by the proxy.
func (c *Client) EndDialog(ctx context.Context, dialogID string) error {
	if c.url == "" {
		c.logger.Debug("management interface disabled, not ending dialog", "dialog_id", dialogID)
		return nil
	}

	entry, id, ok := strings.Cut(dialogID, ":")
	if !ok {
		return fmt.Errorf("malformed dialog_id %q", dialogID)
	}

	payload, err := json.Marshal(miRequest{
		JSONRPC: "2.0",
		Method:  "dlg_end_dlg",
		Params:  []string{entry, id},
		ID:      1,
	})
	if err != nil {
		return fmt.Errorf("encoding mi request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building mi request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling management interface: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("management interface returned status %d", resp.StatusCode)
	}
	var mi miResponse
	if err := json.NewDecoder(resp.Body).Decode(&mi); err != nil {
		return fmt.Errorf("decoding mi response: %w", err)
	}
	if mi.Error != nil {
		return fmt.Errorf("dlg_end_dlg failed: %s (code %d)", mi.Error.Message, mi.Error.Code)
	}

	c.logger.Debug("dialog ended", "dialog_id", dialogID)
	return nil
}
