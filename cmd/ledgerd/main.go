// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command ledgerd serves the customer ledger REST API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
