// Package types provides core types and configurations for the deployer
package types

import (
	"fmt"
	"strings"
	"time"
)

// PipelineStep represents one named phase of a deployment run
type PipelineStep string

const (
	StepAny                          PipelineStep = "any"
	StepListing                      PipelineStep = "Listing"
	StepCopyingReference             PipelineStep = "CopyingReference"
	StepCompilation                  PipelineStep = "Compilation"
	StepDeployRCode                  PipelineStep = "DeployRCode"
	StepDeployFile                   PipelineStep = "DeployFile"
	StepCopyingFinalPackageToDistant PipelineStep = "CopyingFinalPackageToDistant"
	StepBuildingWebclientDiffs       PipelineStep = "BuildingWebclientDiffs"
	StepBuildingWebclientCompleteCab PipelineStep = "BuildingWebclientCompleteCab"
	StepDone                         PipelineStep = "Done"
)

// PipelineSteps lists every runnable step in execution order
var PipelineSteps = []PipelineStep{
	StepListing,
	StepCopyingReference,
	StepCompilation,
	StepDeployRCode,
	StepDeployFile,
	StepCopyingFinalPackageToDistant,
	StepBuildingWebclientDiffs,
	StepBuildingWebclientCompleteCab,
}

// ParseStep parses a step name case-insensitively. "*" and "any" map to StepAny.
func ParseStep(s string) (PipelineStep, error) {
	if s == "*" || strings.EqualFold(s, string(StepAny)) {
		return StepAny, nil
	}
	for _, step := range PipelineSteps {
		if strings.EqualFold(s, string(step)) {
			return step, nil
		}
	}
	return "", fmt.Errorf("unknown pipeline step: %q", s)
}

// Label returns the human-readable label shown while the step runs
func (s PipelineStep) Label() string {
	switch s {
	case StepListing:
		return "Listing source files"
	case StepCopyingReference:
		return "Copying reference files"
	case StepCompilation:
		return "Compiling"
	case StepDeployRCode:
		return "Deploying compiled files"
	case StepDeployFile:
		return "Deploying files"
	case StepCopyingFinalPackageToDistant:
		return "Copying final packages to distant"
	case StepBuildingWebclientDiffs:
		return "Building incremental package"
	case StepBuildingWebclientCompleteCab:
		return "Building complete package"
	case StepDone:
		return "Done"
	default:
		return string(s)
	}
}

// Matches reports whether a rule step applies to the given step
func (s PipelineStep) Matches(step PipelineStep) bool {
	return s == StepAny || s == step
}

// DeployKind is the closed set of transfer actions
type DeployKind string

const (
	DeployMove        DeployKind = "move"
	DeployCopy        DeployKind = "copy"
	DeployDelete      DeployKind = "delete"
	DeployZipInto     DeployKind = "zip"
	DeployCabInto     DeployKind = "cab"
	DeployLibraryInto DeployKind = "lib"
	DeployFtp         DeployKind = "ftp"
	DeploySkip        DeployKind = "skip"
)

// DeployType is a transfer action. Archive kinds carry the archive id.
type DeployType struct {
	Kind      DeployKind `json:"kind"`
	ArchiveID string     `json:"archiveId,omitempty"`
}

// ParseDeployType parses "move", "zip:<id>", "cab:<id>", "lib:<id>", ...
func ParseDeployType(s string) (DeployType, error) {
	kind, id, hasID := strings.Cut(s, ":")
	dt := DeployType{Kind: DeployKind(strings.ToLower(kind)), ArchiveID: id}

	switch dt.Kind {
	case DeployZipInto, DeployCabInto, DeployLibraryInto:
		if !hasID || id == "" {
			return DeployType{}, fmt.Errorf("action %q requires an archive id", kind)
		}
	case DeployMove, DeployCopy, DeployDelete, DeployFtp, DeploySkip:
		if hasID {
			return DeployType{}, fmt.Errorf("action %q does not take an archive id", kind)
		}
	default:
		return DeployType{}, fmt.Errorf("unknown action: %q", kind)
	}
	return dt, nil
}

// IsArchive reports whether the action writes into an archive
func (d DeployType) IsArchive() bool {
	return d.Kind == DeployZipInto || d.Kind == DeployCabInto || d.Kind == DeployLibraryInto
}

// IsFileSystem reports whether the action operates on local files
func (d DeployType) IsFileSystem() bool {
	return d.Kind == DeployMove || d.Kind == DeployCopy || d.Kind == DeployDelete
}

func (d DeployType) String() string {
	if d.ArchiveID != "" {
		return string(d.Kind) + ":" + d.ArchiveID
	}
	return string(d.Kind)
}

// DeployRule maps a path pattern at a given step to a transfer action.
// Rules are immutable once parsed; identity is (SourceFile, SourceLine).
type DeployRule struct {
	Pattern            string       `json:"pattern"`
	Step               PipelineStep `json:"step"`
	Action             DeployType   `json:"action"`
	TargetTemplate     string       `json:"targetTemplate"`
	ContinueEvaluating bool         `json:"continueEvaluating"`
	SourceFile         string       `json:"sourceFile"`
	SourceLine         int          `json:"sourceLine"`
}

// Location returns "file:line" for diagnostics
func (r DeployRule) Location() string {
	return fmt.Sprintf("%s:%d", r.SourceFile, r.SourceLine)
}

// FileToDeploy is one resolved transfer. Never mutated after creation.
type FileToDeploy struct {
	SourcePath             string     `json:"sourcePath"`
	RelativePath           string     `json:"relativePath"`
	TargetPath             string     `json:"targetPath"`
	DeployType             DeployType `json:"deployType"`
	OriginRule             string     `json:"originRule"`
	GeneratedFromCompileOf string     `json:"generatedFromCompileOf,omitempty"`
}

func (f FileToDeploy) String() string {
	return fmt.Sprintf("%s -> %s (%s)", f.SourcePath, f.TargetPath, f.DeployType)
}

// FileToCompile is one compile unit handed to a worker
type FileToCompile struct {
	SourcePath           string `json:"sourcePath"`
	RelativePath         string `json:"relativePath"`
	CompilationOutputDir string `json:"compilationOutputDir,omitempty"`
	IsClassFile          bool   `json:"isClassFile"`
}

// CompiledFile is one artifact produced by compiling a source
type CompiledFile struct {
	SourcePath   string `json:"sourcePath"`
	ArtifactPath string `json:"artifactPath"`
}

// ErrorLevel grades a compiler diagnostic
type ErrorLevel int

const (
	LevelWarning ErrorLevel = iota
	LevelStrongWarning
	LevelError
)

func (l ErrorLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelStrongWarning:
		return "strong-warning"
	default:
		return "error"
	}
}

// ParseErrorLevel maps the compiler protocol level keyword
func ParseErrorLevel(s string) (ErrorLevel, bool) {
	switch strings.ToUpper(s) {
	case "WARNING":
		return LevelWarning, true
	case "STRONGWARNING":
		return LevelStrongWarning, true
	case "ERROR":
		return LevelError, true
	}
	return LevelError, false
}

// FileError is one diagnostic, de-duplicated by (SourcePath, Line, ErrorNumber, Message)
type FileError struct {
	SourcePath       string     `json:"sourcePath"`
	CompiledFilePath string     `json:"compiledFilePath,omitempty"`
	Line             int        `json:"line"`
	ErrorNumber      int        `json:"errorNumber"`
	Message          string     `json:"message"`
	Level            ErrorLevel `json:"level"`
	Times            int        `json:"times"`
}

func (e FileError) String() string {
	s := fmt.Sprintf("%s:%d: %s (%d): %s", e.SourcePath, e.Line, e.Level, e.ErrorNumber, e.Message)
	if e.Times > 1 {
		s += fmt.Sprintf(" [x%d]", e.Times)
	}
	return s
}

// RunStatus is the terminal state of a pipeline run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusDone      RunStatus = "done"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// FingerprintPolicy selects how file state is compared between runs
type FingerprintPolicy string

const (
	FingerprintMTime   FingerprintPolicy = "mtime"
	FingerprintContent FingerprintPolicy = "content"
)

// ExecutionKind selects the compiler invocation variant
type ExecutionKind string

const (
	ExecCompile        ExecutionKind = "compile"
	ExecCompileXref    ExecutionKind = "compile-xref"
	ExecCompileListing ExecutionKind = "compile-listing"
	ExecSyntaxCheck    ExecutionKind = "syntax-check"
)

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// CompilerConfig configures the external compiler and worker fan-out
type CompilerConfig struct {
	Command          string            `json:"command" yaml:"command"`
	Args             []string          `json:"args,omitempty" yaml:"args,omitempty"`
	ExecutionKind    ExecutionKind     `json:"executionKind,omitempty" yaml:"executionKind,omitempty"`
	Extensions       []string          `json:"extensions" yaml:"extensions"`
	ClassExtensions  []string          `json:"classExtensions,omitempty" yaml:"classExtensions,omitempty"`
	ProcessesPerCore int               `json:"processesPerCore,omitempty" yaml:"processesPerCore,omitempty"`
	SingleProcess    bool              `json:"singleProcess,omitempty" yaml:"singleProcess,omitempty"`
	GracePeriod      int               `json:"gracePeriod,omitempty" yaml:"gracePeriod,omitempty"`
	Environment      map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// GetGracePeriod returns the grace period given to cancelled workers
func (c *CompilerConfig) GetGracePeriod() time.Duration {
	if c.GracePeriod > 0 {
		return time.Duration(c.GracePeriod) * time.Millisecond
	}
	return 5 * time.Second
}

// GetProcessesPerCore returns the number of workers started per CPU core
func (c *CompilerConfig) GetProcessesPerCore() int {
	if c.ProcessesPerCore > 0 {
		return c.ProcessesPerCore
	}
	return 1
}

// ArchiveFormat names the codec used for an archive id
type ArchiveFormat string

const (
	ArchiveFormatZip     ArchiveFormat = "zip"
	ArchiveFormatCommand ArchiveFormat = "command"
)

// ArchiveConfig describes one archive sink
type ArchiveConfig struct {
	Path    string        `json:"path" yaml:"path"`
	Format  ArchiveFormat `json:"format" yaml:"format"`
	Command string        `json:"command,omitempty" yaml:"command,omitempty"`
}

// TransferKind names the transfer client implementation
type TransferKind string

const (
	TransferLocal   TransferKind = "local"
	TransferCommand TransferKind = "command"
)

// TransferConfig describes the transfer client used for ftp actions
type TransferConfig struct {
	Kind        TransferKind `json:"kind" yaml:"kind"`
	RemoteRoot  string       `json:"remoteRoot" yaml:"remoteRoot"`
	Command     string       `json:"command,omitempty" yaml:"command,omitempty"`
	Parallelism int          `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
}

// PackagingConfig toggles the optional packaging steps
type PackagingConfig struct {
	CopyToDistant   bool   `json:"copyToDistant" yaml:"copyToDistant"`
	DistantDir      string `json:"distantDir,omitempty" yaml:"distantDir,omitempty"`
	DiffArchive     string `json:"diffArchive,omitempty" yaml:"diffArchive,omitempty"`
	CompleteArchive string `json:"completeArchive,omitempty" yaml:"completeArchive,omitempty"`
}

// NotificationConfig represents notification preferences
type NotificationConfig struct {
	Enabled      *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	SuccessSound string `json:"successSound,omitempty" yaml:"successSound,omitempty"`
	FailureSound string `json:"failureSound,omitempty" yaml:"failureSound,omitempty"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	File       string   `json:"file" yaml:"file"`
	Level      LogLevel `json:"level" yaml:"level"`
	MaxSizeMB  int      `json:"maxSizeMB,omitempty" yaml:"maxSizeMB,omitempty"`
	MaxBackups int      `json:"maxBackups,omitempty" yaml:"maxBackups,omitempty"`
	MaxAgeDays int      `json:"maxAgeDays,omitempty" yaml:"maxAgeDays,omitempty"`
}

// DeployConfig represents the main configuration. It is built once per run
// and passed down explicitly.
type DeployConfig struct {
	Version       string                   `json:"version" yaml:"version"`
	Environment   string                   `json:"environment" yaml:"environment"`
	SourceDir     string                   `json:"sourceDir" yaml:"sourceDir"`
	TargetDir     string                   `json:"targetDir" yaml:"targetDir"`
	ReferenceDir  string                   `json:"referenceDir,omitempty" yaml:"referenceDir,omitempty"`
	StateDir      string                   `json:"stateDir,omitempty" yaml:"stateDir,omitempty"`
	WorkDir       string                   `json:"workDir,omitempty" yaml:"workDir,omitempty"`
	RuleFiles     []string                 `json:"ruleFiles" yaml:"ruleFiles"`
	Recursive     *bool                    `json:"recursive,omitempty" yaml:"recursive,omitempty"`
	Incremental   bool                     `json:"incremental" yaml:"incremental"`
	ForceFull     bool                     `json:"forceFull,omitempty" yaml:"forceFull,omitempty"`
	Fingerprint   FingerprintPolicy        `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
	ExcludeDirs   []string                 `json:"excludeDirs,omitempty" yaml:"excludeDirs,omitempty"`
	Compiler      CompilerConfig           `json:"compiler" yaml:"compiler"`
	Archives      map[string]ArchiveConfig `json:"archives,omitempty" yaml:"archives,omitempty"`
	Transfer      *TransferConfig          `json:"transfer,omitempty" yaml:"transfer,omitempty"`
	Packaging     *PackagingConfig         `json:"packaging,omitempty" yaml:"packaging,omitempty"`
	Notifications *NotificationConfig      `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	Logging       *LoggingConfig           `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// IsRecursive reports whether the source tree is listed recursively
func (c *DeployConfig) IsRecursive() bool {
	return c.Recursive == nil || *c.Recursive
}

// GetFingerprintPolicy returns the configured policy, mtime by default
func (c *DeployConfig) GetFingerprintPolicy() FingerprintPolicy {
	if c.Fingerprint == "" {
		return FingerprintMTime
	}
	return c.Fingerprint
}

// GetEnvironment returns the target environment name
func (c *DeployConfig) GetEnvironment() string {
	if c.Environment == "" {
		return "default"
	}
	return c.Environment
}

// GetStateDir returns the directory holding manifests and logs
func (c *DeployConfig) GetStateDir() string {
	if c.StateDir == "" {
		return ".deployer"
	}
	return c.StateDir
}
