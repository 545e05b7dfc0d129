//go:build tools

// Package tools pins the development tools used by the deployer repo.
// Install them with: go install -tags tools ./...
package tools

import (
	// lint, format
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "golang.org/x/tools/cmd/goimports"

	// regenerates pkg/mocks (see the go:generate lines in
	// internal/compiler and pkg/sinks)
	_ "github.com/golang/mock/mockgen"

	// test runners
	_ "github.com/onsi/ginkgo/v2/ginkgo"
	_ "gotest.tools/gotestsum"

	_ "github.com/securego/gosec/v2/cmd/gosec"

	// profiling large compilation batches
	_ "github.com/google/pprof"
)
