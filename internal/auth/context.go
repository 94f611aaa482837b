// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	deviceIDKey contextKey = "device_id"
	ownerIDKey  contextKey = "owner_id"
)

// SetDeviceID sets the device ID in the context
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID retrieves the device ID from the context
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok
}

// SetOwnerID sets the ledger owner in the context
func SetOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// GetOwnerID retrieves the ledger owner from the context
func GetOwnerID(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(ownerIDKey).(string)
	return ownerID, ok && ownerID != ""
}

// SetAuthContext sets both owner and device ID in context
func SetAuthContext(ctx context.Context, ownerID, deviceID string) context.Context {
	ctx = SetOwnerID(ctx, ownerID)
	ctx = SetDeviceID(ctx, deviceID)
	return ctx
}

// ContextPrincipal resolves the session owner from the context, falling back
// to a fixed owner for processes that serve a single signed-in user.
type ContextPrincipal struct {
	Fallback string
}

// PrincipalID returns the owner for ctx
func (p ContextPrincipal) PrincipalID(ctx context.Context) (string, bool) {
	if ownerID, ok := GetOwnerID(ctx); ok {
		return ownerID, true
	}
	return p.Fallback, p.Fallback != ""
}
