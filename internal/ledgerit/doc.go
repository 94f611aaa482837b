// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package ledgerit holds end-to-end tests that run ledgerd on a disposable
// Postgres container and sync an offline client into it. They need Docker
// and are skipped with -short.
package ledgerit
