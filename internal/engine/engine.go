// Package engine runs deployments. A Controller walks a run through the
// pipeline steps, from listing the source tree to writing the new
// manifest, and reports progress and the final outcome.
package engine

// The implementation is split across multiple files:
// - controller.go: Controller, step sequencing and cancellation
// - steps.go: Listing, CopyingReference, Compilation and the manifest write
// - deploy.go: DeployRCode / DeployFile sink execution
// - packaging.go: distant copy and package building steps
// - run.go: PipelineRun state and report assembly
// - report.go: Report and its summary
// - factory.go: Dependency injection factory
