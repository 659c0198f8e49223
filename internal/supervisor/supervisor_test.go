package supervisor

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/mohofarm/renderfarm/pkg/farmtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRenderer writes a tiny shell script that behaves like the
// external tool: it prints per-frame lines, a Done! marker, then exits
// with the given code. stderr carries msg when exitCode != 0.
func fakeRenderer(t *testing.T, exitCode int, stderrMsg string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake renderer script is POSIX shell only")
	}
	path := filepath.Join(t.TempDir(), "fake-renderer.sh")
	script := "#!/bin/sh\n" +
		"echo 'Frame 1 (1/2) 0.5s'\n" +
		"echo 'Frame 2 (2/2) 0.5s'\n" +
		"echo 'Done!'\n"
	if stderrMsg != "" {
		script += "echo '" + stderrMsg + "' 1>&2\n"
	}
	script += "exit " + strconv.Itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestRenderSuccess(t *testing.T) {
	renderer := fakeRenderer(t, 0, "")
	sup := New(renderer, t.TempDir())

	job := &farmtypes.RenderJob{ID: "j1", ProjectFile: "/p.moho", Format: "MP4"}

	var progressSeen []float64
	sinks := Sinks{
		OnProgress: func(p float64) { progressSeen = append(progressSeen, p) },
	}

	result := sup.Render(job, sinks)

	assert.Equal(t, farmtypes.StatusCompleted, result.Status)
	assert.Equal(t, float64(100), result.Progress)
	assert.NotNil(t, result.EndTime)
	assert.Contains(t, progressSeen, float64(50))
	assert.Contains(t, progressSeen, float64(100))
}

func TestRenderFailure(t *testing.T) {
	renderer := fakeRenderer(t, 1, "bad project")
	sup := New(renderer, t.TempDir())

	job := &farmtypes.RenderJob{ID: "j2", ProjectFile: "/p.moho", Format: "MP4"}
	result := sup.Render(job, Sinks{})

	assert.Equal(t, farmtypes.StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "bad project")
	assert.NotEqual(t, float64(100), result.Progress)
}

func TestRenderMissingExecutable(t *testing.T) {
	sup := New(filepath.Join(t.TempDir(), "does-not-exist"), t.TempDir())
	job := &farmtypes.RenderJob{ID: "j3", ProjectFile: "/p.moho"}

	result := sup.Render(job, Sinks{})

	assert.Equal(t, farmtypes.StatusFailed, result.Status)
	assert.NotEmpty(t, result.ErrorMessage)
}

func TestCancelDuringRenderMarksCancelled(t *testing.T) {
	// A long-running script; Cancel() races the spawn so we call Cancel
	// as soon as Render starts via a goroutine, approximating the
	// "cancel observed before exit classified" tie-break from spec §4.1.
	if runtime.GOOS == "windows" {
		t.Skip("fake renderer script is POSIX shell only")
	}
	path := filepath.Join(t.TempDir(), "slow.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 2\n"), 0755))

	sup := New(path, t.TempDir())
	job := &farmtypes.RenderJob{ID: "j4", ProjectFile: "/p.moho"}

	go func() {
		time.Sleep(100 * time.Millisecond)
		sup.Cancel()
	}()

	result := sup.Render(job, Sinks{})
	assert.Equal(t, farmtypes.StatusCancelled, result.Status)
}

func TestEnsurePreconditionsCopiesImagesIntoProjectParent(t *testing.T) {
	projectDir := t.TempDir()
	imagesDir := filepath.Join(projectDir, "Images")
	require.NoError(t, os.MkdirAll(imagesDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(imagesDir, "bg.png"), []byte("fake"), 0644))

	sup := New(fakeRenderer(t, 0, ""), t.TempDir())
	job := &farmtypes.RenderJob{
		ID:          "j5",
		ProjectFile: filepath.Join(projectDir, "p.moho"),
		CopyImages:  true,
	}

	require.NoError(t, sup.ensurePreconditions(job))

	copied := filepath.Join(projectDir, "bg.png")
	data, err := os.ReadFile(copied)
	require.NoError(t, err, "Images/ contents must land in the project's parent directory")
	assert.Equal(t, "fake", string(data))
}

func TestBuildCommandOrder(t *testing.T) {
	aa := true
	quality := 3
	job := &farmtypes.RenderJob{
		ProjectFile: "/p.moho",
		Format:      "MP4",
		OutputPath:  "/out.mp4",
		AA:          &aa,
		Quality:     &quality,
	}
	args := buildCommand("/usr/bin/moho", job)
	assert.Equal(t, []string{
		"/usr/bin/moho", "-r", "/p.moho",
		"-f", "MP4",
		"-o", "/out.mp4",
		"-aa", "yes",
		"-quality", "3",
	}, args)
}
