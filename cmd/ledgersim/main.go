// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command ledgersim runs an offline-first client through an offline/online
// cycle and prints the resulting sync status as JSON.
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
