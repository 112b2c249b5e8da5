// Package main provides the loginshield-admin CLI tool for operating the
// LoginShield relying party.
package main

import (
	"os"

	"github.com/sirosfoundation/go-loginshield/cmd/loginshield-admin/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
