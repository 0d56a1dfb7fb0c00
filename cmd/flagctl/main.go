// Command flagctl inspects flag sources offline: it lists and validates flag
// documents, evaluates a flag for a given user, and hashes refresh tokens for
// REFRESH_TOKEN_HASH.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
