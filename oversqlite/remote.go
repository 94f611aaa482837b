// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/mobiletoly/go-overledger/ledger"
	"github.com/mobiletoly/go-overledger/oversync"
)

// RemoteClient talks to the oversync HTTP API and implements ledger.RemoteStore
type RemoteClient struct {
	BaseURL string
	HTTP    *http.Client
	Token   func(ctx context.Context) (string, error)

	logger *slog.Logger
}

var _ ledger.RemoteStore = (*RemoteClient)(nil)

// NewRemoteClient creates a client for baseURL. A nil httpClient gets a 30s timeout.
func NewRemoteClient(baseURL string, token func(ctx context.Context) (string, error), httpClient *http.Client, logger *slog.Logger) *RemoteClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    httpClient,
		Token:   token,
		logger:  logger,
	}
}

// ListEntities fetches every entity of kind visible to the token's owner
func (c *RemoteClient) ListEntities(ctx context.Context, ownerID string, kind ledger.Kind) ([]ledger.Entity, error) {
	op := "list " + oversync.CollectionPath(kind)
	var resp oversync.ListResponse
	if err := c.do(ctx, op, http.MethodGet, "/v1/"+oversync.CollectionPath(kind), nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	for _, e := range resp.Items {
		if e.OwnerID != ownerID {
			return nil, &ledger.RemoteError{Op: op, Err: fmt.Errorf("server returned entity %s of owner %s, expected %s", e.ID, e.OwnerID, ownerID)}
		}
	}
	return resp.Items, nil
}

// CreateEntity posts e; e.ID is sent as the idempotency key
func (c *RemoteClient) CreateEntity(ctx context.Context, ownerID string, e ledger.Entity) (ledger.Entity, error) {
	op := "create " + string(e.Kind)
	req := oversync.CreateRequest{ClientID: e.ID, Fields: e.Fields}
	var created ledger.Entity
	if err := c.do(ctx, op, http.MethodPost, "/v1/"+oversync.CollectionPath(e.Kind), req, &created, http.StatusCreated, http.StatusOK); err != nil {
		return ledger.Entity{}, err
	}
	if created.ID == "" {
		return ledger.Entity{}, &ledger.RemoteError{Op: op, Err: fmt.Errorf("server response has no id")}
	}
	c.logger.Debug("Created remote entity", "kind", e.Kind, "client_id", e.ID, "server_id", created.ID, "owner_id", ownerID)
	return created, nil
}

// UpdateEntity patches the entity; a 204 response yields a nil entity
func (c *RemoteClient) UpdateEntity(ctx context.Context, kind ledger.Kind, id string, patch json.RawMessage) (*ledger.Entity, error) {
	op := "update " + string(kind)
	var updated ledger.Entity
	path := "/v1/" + oversync.CollectionPath(kind) + "/" + url.PathEscape(id)
	if err := c.do(ctx, op, http.MethodPatch, path, patch, &updated, http.StatusOK, http.StatusNoContent); err != nil {
		return nil, err
	}
	if updated.ID == "" {
		return nil, nil
	}
	return &updated, nil
}

// DeleteEntity deletes the entity; a missing entity is reported as a 404 RemoteError
func (c *RemoteClient) DeleteEntity(ctx context.Context, kind ledger.Kind, id string) error {
	op := "delete " + string(kind)
	path := "/v1/" + oversync.CollectionPath(kind) + "/" + url.PathEscape(id)
	return c.do(ctx, op, http.MethodDelete, path, nil, nil, http.StatusNoContent, http.StatusOK)
}

// Ping checks the unauthenticated health endpoint
func (c *RemoteClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return &ledger.RemoteError{Op: "ping", Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return &ledger.RemoteError{Op: "ping", Err: fmt.Errorf("failed to send HTTP request: %w", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &ledger.RemoteError{Op: "ping", StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *RemoteClient) do(ctx context.Context, op, method, path string, body, out any, okStatuses ...int) error {
	var reader io.Reader
	if body != nil {
		var jsonData []byte
		switch b := body.(type) {
		case json.RawMessage:
			jsonData = b
		default:
			var err error
			jsonData, err = json.Marshal(body)
			if err != nil {
				return &ledger.RemoteError{Op: op, Err: fmt.Errorf("failed to marshal request: %w", err)}
			}
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return &ledger.RemoteError{Op: op, Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}

	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return &ledger.RemoteError{Op: op, Err: fmt.Errorf("failed to get JWT token: %w", err)}
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return &ledger.RemoteError{Op: op, Err: fmt.Errorf("failed to send HTTP request: %w", err)}
	}
	defer resp.Body.Close()

	if !slices.Contains(okStatuses, resp.StatusCode) {
		raw, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(raw))
		var errResp oversync.ErrorResponse
		if json.Unmarshal(raw, &errResp) == nil && errResp.Message != "" {
			msg = errResp.Message
		}
		return &ledger.RemoteError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ledger.RemoteError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
