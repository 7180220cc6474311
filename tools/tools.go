//go:build tools

// Package tools pins the lint and format binaries used on this repository, so
// `go run` from this directory resolves the versions recorded in go.mod:
//
//	go run github.com/golangci/golangci-lint/cmd/golangci-lint run ../...
//	go run mvdan.cc/gofumpt -l -w ..
//	go run github.com/daixiang0/gci write --skip-generated -s standard -s default -s "prefix(github.com/ArionMiles/receiptd)" ..
package tools

import (
	_ "github.com/daixiang0/gci"
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "mvdan.cc/gofumpt"
)
