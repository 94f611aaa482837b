// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"encoding/json"
	"strings"

	"github.com/mobiletoly/go-overledger/ledger"
)

// REST/JSON models for the ledger HTTP API.
//
//	GET    /v1/{collection}        list the caller's entities
//	POST   /v1/{collection}        create (idempotent on client_id)
//	PATCH  /v1/{collection}/{id}   apply a partial update
//	DELETE /v1/{collection}/{id}   delete
//
// where collection is "customers" or "transactions".
//
// Owner identity always comes from the JWT sub claim, never from the body.

// CreateRequest creates one entity
type CreateRequest struct {
	ClientID string          `json:"client_id,omitempty" validate:"omitempty,max=128"` // Client temp id; replays return the first result
	Fields   json.RawMessage `json:"fields" validate:"required"`
}

// ListResponse is returned by the list endpoint
type ListResponse struct {
	Items []ledger.Entity `json:"items"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse represents service status response
type StatusResponse struct {
	Status  string `json:"status"`   // healthy, unhealthy
	Version string `json:"version"`  // API version
	AppName string `json:"app_name"` // Application name
}

const APIVersion = "v1"

// CollectionPath maps a kind to its REST collection segment
func CollectionPath(kind ledger.Kind) string {
	return string(kind) + "s"
}

// CollectionKind is the inverse of CollectionPath
func CollectionKind(collection string) (ledger.Kind, bool) {
	kind := ledger.Kind(strings.TrimSuffix(collection, "s"))
	if !strings.HasSuffix(collection, "s") || !kind.Valid() {
		return "", false
	}
	return kind, true
}
