// Package mint provides identifier minting for new todos.
//
// Canonical IDs come from the central identity service over HTTP. The
// local minter exists for development and tests; its IDs are unique per
// process, not globally.
package mint

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// HTTPMinter requests IDs from the identity service.
type HTTPMinter struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPMinter creates a minter against baseURL. The token is sent as a
// bearer credential when non-empty.
func NewHTTPMinter(baseURL, token string) *HTTPMinter {
	return &HTTPMinter{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Mint implements pipeline.IDMinter.
func (m *HTTPMinter) Mint(ctx context.Context, kind string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"entity": kind,
		"format": "simple",
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal mint request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/api/v2/ids/mint", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build mint request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call identity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity service returned status %d", resp.StatusCode)
	}

	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode mint response: %w", err)
	}
	if decoded.ID == "" {
		return "", fmt.Errorf("identity service returned empty id")
	}
	return decoded.ID, nil
}

// LocalMinter mints process-local IDs: {kind}-{random}-{seq}.
type LocalMinter struct {
	seq atomic.Int64
}

// NewLocalMinter creates a local minter.
func NewLocalMinter() *LocalMinter {
	return &LocalMinter{}
}

// Mint implements pipeline.IDMinter.
func (m *LocalMinter) Mint(ctx context.Context, kind string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate id entropy: %w", err)
	}
	if kind == "" {
		kind = "todo"
	}
	return fmt.Sprintf("%s-%s-%d", kind, hex.EncodeToString(buf), m.seq.Add(1)), nil
}
