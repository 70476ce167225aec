//go:build tools

// Package tools pins the lint and vulnerability scanners, run with
// go run github.com/golangci/golangci-lint/cmd/golangci-lint and
// go run golang.org/x/vuln/cmd/govulncheck.
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "golang.org/x/vuln/cmd/govulncheck"
)
