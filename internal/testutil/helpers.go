// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test if the RULEPLANE_VM_TEST environment variable is
// not set. Tests that program the real kernel (nftables, links) must only run
// inside a disposable VM or network namespace.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("RULEPLANE_VM_TEST") == "" {
		t.Skip("Skipping test: requires RULEPLANE_VM_TEST environment")
	}
}
