// Package uplink delivers the offline action queue to the hub over an
// opportunistic connectivity window. It is the only network client in
// the node; everything else moves by courier QR.
package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/reliefops/xir/internal/api"
	"github.com/reliefops/xir/internal/queue"
)

// SecretFunc resolves this node's provisioned pairing secret. It is a
// function, not a value, because pairing can complete after startup.
type SecretFunc func(ctx context.Context) ([]byte, error)

// Client pushes action batches to the hub sync endpoint.
type Client struct {
	hubURL   string
	nodeID   string
	secret   SecretFunc
	tokenTTL time.Duration
	http     *http.Client
}

var _ queue.Transport = (*Client)(nil)

// New returns a sync client for the hub at hubURL.
func New(hubURL, nodeID string, secret SecretFunc, tokenTTL time.Duration) *Client {
	return &Client{
		hubURL:   strings.TrimRight(hubURL, "/"),
		nodeID:   nodeID,
		secret:   secret,
		tokenTTL: tokenTTL,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Deliver posts one batch and returns the action ids the hub
// acknowledged. Processed and duplicate verdicts both count as acked:
// either way the hub's ledger holds the action and the local item can
// retire. Failed verdicts stay unacked and retry on the next trigger.
func (c *Client) Deliver(ctx context.Context, items []queue.Item) ([]string, error) {
	token, err := c.mintToken(ctx)
	if err != nil {
		return nil, err
	}

	req := api.SyncRequest{
		StationID: c.nodeID,
		BatchID:   uuid.NewString(),
		Actions:   make([]api.SyncAction, 0, len(items)),
	}
	for _, it := range items {
		req.Actions = append(req.Actions, api.SyncAction{
			ActionID: it.ActionID,
			Kind:     it.Kind,
			Payload:  it.Payload,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("uplink: marshal batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.hubURL+"/api/sync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("uplink: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("uplink: post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		head, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("uplink: hub returned %d: %s", resp.StatusCode, strings.TrimSpace(string(head)))
	}

	var ack api.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("uplink: decode response: %w", err)
	}

	var acked []string
	for _, res := range ack.Results {
		if res.Status == api.SyncStatusProcessed || res.Status == api.SyncStatusDuplicate {
			acked = append(acked, res.ActionID)
		}
	}
	return acked, nil
}

// mintToken signs a short-lived HS256 token with the pairing secret.
// The subject names this node; the hub looks the secret up by subject
// before checking the signature.
func (c *Client) mintToken(ctx context.Context) (string, error) {
	secret, err := c.secret(ctx)
	if err != nil {
		return "", fmt.Errorf("uplink: no pairing secret: %w", err)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   c.nodeID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("uplink: sign token: %w", err)
	}
	return token, nil
}
