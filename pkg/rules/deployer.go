package rules

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/types"
)

var tokenPattern = regexp.MustCompile(`\$\{([a-zA-Z]+)\}`)

// Deployer resolves the transfer actions a file needs at a pipeline step
type Deployer struct {
	rules     *RuleSet
	sourceDir string
	targetDir string
	logger    logger.Logger
}

// NewDeployer creates a deployer over a rule set. sourceDir anchors the
// relative paths it is given; targetDir is substituted for ${target}.
func NewDeployer(rules *RuleSet, sourceDir, targetDir string, log logger.Logger) *Deployer {
	if log == nil {
		log = logger.Discard()
	}
	return &Deployer{
		rules:     rules,
		sourceDir: sourceDir,
		targetDir: targetDir,
		logger:    log,
	}
}

// Rules returns the underlying rule set
func (d *Deployer) Rules() *RuleSet {
	return d.rules
}

// Resolve returns the ordered transfers required by relPath at step.
// A file matched by no rule yields nothing.
func (d *Deployer) Resolve(relPath string, step types.PipelineStep) []types.FileToDeploy {
	relPath = NormalizePath(relPath)
	matched := d.rules.Match(relPath, step)
	return d.instantiate(matched, relPath, filepath.Join(d.sourceDir, filepath.FromSlash(relPath)), "")
}

// ArtifactsOf resolves where a compiled artifact must go. DeployRCode rules
// are matched against the synthetic artifact path (source directory plus
// artifact name) and against the originating source path; tokens are
// rendered from the synthetic artifact path.
func (d *Deployer) ArtifactsOf(cf types.CompiledFile) []types.FileToDeploy {
	source := NormalizePath(cf.SourcePath)
	synthetic := SyntheticArtifactPath(source, cf.ArtifactPath)

	matched := d.rules.match(types.StepDeployRCode, func(re *regexp.Regexp) bool {
		return re.MatchString(synthetic) || re.MatchString(source)
	})
	return d.instantiate(matched, synthetic, cf.ArtifactPath, source)
}

// Removals turns a path that disappeared from the source tree into Delete
// records for the file-system targets it was previously deployed to.
// Generated artifacts are resolved at DeployRCode, sources at DeployFile.
func (d *Deployer) Removals(relPath, generatedFrom string) []types.FileToDeploy {
	var resolved []types.FileToDeploy
	if generatedFrom != "" {
		resolved = d.ArtifactsOf(types.CompiledFile{SourcePath: generatedFrom, ArtifactPath: relPath})
	} else {
		resolved = d.Resolve(relPath, types.StepDeployFile)
	}

	var out []types.FileToDeploy
	for _, f := range resolved {
		switch f.DeployType.Kind {
		case types.DeployMove, types.DeployCopy:
			out = append(out, types.FileToDeploy{
				SourcePath:             f.SourcePath,
				RelativePath:           f.RelativePath,
				TargetPath:             f.TargetPath,
				DeployType:             types.DeployType{Kind: types.DeployDelete},
				OriginRule:             f.OriginRule,
				GeneratedFromCompileOf: f.GeneratedFromCompileOf,
			})
		case types.DeployDelete:
		default:
			d.logger.Debug("Removed file has no deletable target",
				logger.WithField("path", relPath),
				logger.WithField("action", f.DeployType.String()))
		}
	}
	return out
}

// SyntheticArtifactPath places an artifact next to its source's relative directory
func SyntheticArtifactPath(sourceRel, artifactPath string) string {
	dir := path.Dir(NormalizePath(sourceRel))
	base := filepath.Base(artifactPath)
	if dir == "." {
		return base
	}
	return dir + "/" + base
}

func (d *Deployer) instantiate(matched []types.DeployRule, relPath, sourcePath, generatedFrom string) []types.FileToDeploy {
	var out []types.FileToDeploy
	for _, rule := range matched {
		if rule.Action.Kind == types.DeploySkip {
			continue
		}

		target, err := d.render(rule, relPath)
		if err != nil {
			merr := &types.MatchError{Rule: rule, Path: relPath, Err: err}
			d.logger.Warn("Rule treated as no-match", logger.WithError(merr))
			continue
		}

		out = append(out, types.FileToDeploy{
			SourcePath:             sourcePath,
			RelativePath:           relPath,
			TargetPath:             target,
			DeployType:             rule.Action,
			OriginRule:             rule.Location(),
			GeneratedFromCompileOf: generatedFrom,
		})
	}
	return out
}

// render substitutes ${target}, ${srcdir}, ${relpath}, ${filename},
// ${basename} and ${ext} into the rule's target template
func (d *Deployer) render(rule types.DeployRule, relPath string) (string, error) {
	filename := path.Base(relPath)
	ext := path.Ext(filename)
	srcdir := path.Dir(relPath)
	if srcdir == "." {
		srcdir = ""
	}

	values := map[string]string{
		"target":   filepath.ToSlash(d.targetDir),
		"srcdir":   srcdir,
		"relpath":  relPath,
		"filename": filename,
		"basename": strings.TrimSuffix(filename, ext),
		"ext":      strings.TrimPrefix(ext, "."),
	}

	var unknown []string
	rendered := tokenPattern.ReplaceAllStringFunc(rule.TargetTemplate, func(tok string) string {
		name := strings.ToLower(tok[2 : len(tok)-1])
		v, ok := values[name]
		if !ok {
			unknown = append(unknown, tok)
			return tok
		}
		return v
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("unknown template token(s) %s", strings.Join(unknown, ", "))
	}
	if rendered == "" {
		return "", fmt.Errorf("empty target")
	}

	if rule.Action.IsFileSystem() {
		return filepath.Clean(filepath.FromSlash(rendered)), nil
	}
	return path.Clean(rendered), nil
}
