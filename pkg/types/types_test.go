package types_test

import (
	"testing"

	"github.com/poltergeist/deployer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStep(t *testing.T) {
	tests := []struct {
		input   string
		want    types.PipelineStep
		wantErr bool
	}{
		{"*", types.StepAny, false},
		{"any", types.StepAny, false},
		{"ANY", types.StepAny, false},
		{"deployrcode", types.StepDeployRCode, false},
		{"DeployFile", types.StepDeployFile, false},
		{"Compilation", types.StepCompilation, false},
		{"Done", "", true},
		{"bogus", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := types.ParseStep(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDeployType(t *testing.T) {
	tests := []struct {
		input   string
		want    types.DeployType
		wantErr bool
	}{
		{"move", types.DeployType{Kind: types.DeployMove}, false},
		{"COPY", types.DeployType{Kind: types.DeployCopy}, false},
		{"zip:webclient", types.DeployType{Kind: types.DeployZipInto, ArchiveID: "webclient"}, false},
		{"cab:full", types.DeployType{Kind: types.DeployCabInto, ArchiveID: "full"}, false},
		{"lib:core", types.DeployType{Kind: types.DeployLibraryInto, ArchiveID: "core"}, false},
		{"ftp", types.DeployType{Kind: types.DeployFtp}, false},
		{"skip", types.DeployType{Kind: types.DeploySkip}, false},
		{"zip", types.DeployType{}, true},
		{"zip:", types.DeployType{}, true},
		{"move:x", types.DeployType{}, true},
		{"rename", types.DeployType{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := types.ParseDeployType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeployTypeClassification(t *testing.T) {
	assert.True(t, types.DeployType{Kind: types.DeployZipInto, ArchiveID: "a"}.IsArchive())
	assert.True(t, types.DeployType{Kind: types.DeployLibraryInto, ArchiveID: "a"}.IsArchive())
	assert.False(t, types.DeployType{Kind: types.DeployFtp}.IsArchive())
	assert.True(t, types.DeployType{Kind: types.DeployDelete}.IsFileSystem())
	assert.Equal(t, "cab:full", types.DeployType{Kind: types.DeployCabInto, ArchiveID: "full"}.String())
}

func TestErrorSet_Deduplicates(t *testing.T) {
	set := types.NewErrorSet()
	e := types.FileError{
		SourcePath:  "src/a.p",
		Line:        12,
		ErrorNumber: 247,
		Message:     "unable to understand after",
		Level:       types.LevelError,
	}

	set.Add(e)
	set.Add(e)

	got := set.For("src/a.p")
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Times)
	assert.Equal(t, 1, set.Errors())
	assert.True(t, set.HasErrors("src/a.p"))
}

func TestErrorSet_DistinctDiagnostics(t *testing.T) {
	set := types.NewErrorSet()
	set.Add(types.FileError{SourcePath: "a.p", Line: 1, ErrorNumber: 1, Message: "m", Level: types.LevelWarning})
	set.Add(types.FileError{SourcePath: "a.p", Line: 2, ErrorNumber: 1, Message: "m", Level: types.LevelWarning})
	set.Add(types.FileError{SourcePath: "b.p", Line: 1, ErrorNumber: 1, Message: "m", Level: types.LevelStrongWarning})

	assert.Equal(t, 3, set.Len())
	assert.Equal(t, 3, set.Warnings())
	assert.Equal(t, 0, set.Errors())
	assert.False(t, set.HasErrors("a.p"))
	assert.Equal(t, []string{"a.p", "b.p"}, set.Sources())
}

func TestErrorSet_MergeKeepsCounts(t *testing.T) {
	left := types.NewErrorSet()
	right := types.NewErrorSet()
	e := types.FileError{SourcePath: "a.p", Line: 3, ErrorNumber: 9, Message: "x", Level: types.LevelError}
	left.Add(e)
	right.Add(e)
	right.Add(e)

	left.Merge(right)

	got := left.All()
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Times)
}

func TestConfigDefaults(t *testing.T) {
	cfg := &types.DeployConfig{}
	assert.True(t, cfg.IsRecursive())
	assert.Equal(t, types.FingerprintMTime, cfg.GetFingerprintPolicy())
	assert.Equal(t, "default", cfg.GetEnvironment())
	assert.Equal(t, ".deployer", cfg.GetStateDir())
	assert.Equal(t, 1, cfg.Compiler.GetProcessesPerCore())
}
