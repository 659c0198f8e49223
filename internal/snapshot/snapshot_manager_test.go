package snapshot

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mohofarm/renderfarm/pkg/farmtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleJobs() []*farmtypes.RenderJob {
	return []*farmtypes.RenderJob{
		{ID: "job-001", ProjectFile: "/a.moho", Status: farmtypes.StatusPending},
		{ID: "job-002", ProjectFile: "/b.moho", Status: farmtypes.StatusRendering, Progress: 40},
		{ID: "job-003", ProjectFile: "/c.moho", Status: farmtypes.StatusCompleted, Progress: 100},
	}
}

func TestNewManager(t *testing.T) {
	manager := NewManager("test_queue.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_queue.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "queue.json")
	manager := NewManager(path)

	original := sampleJobs()
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	require.Len(t, loaded, len(original))

	for i, job := range original {
		assert.Equal(t, job.ID, loaded[i].ID)
		assert.Equal(t, job.ProjectFile, loaded[i].ProjectFile)
	}
}

func TestLoadResetsNonRenderingJobs(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "queue.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleJobs()))

	loaded, err := manager.Load()
	require.NoError(t, err)

	for _, job := range loaded {
		switch job.ID {
		case "job-002":
			assert.Equal(t, farmtypes.StatusRendering, job.Status, "rendering jobs survive load unchanged")
			assert.Equal(t, float64(40), job.Progress)
		default:
			assert.Equal(t, farmtypes.StatusPending, job.Status)
			assert.Equal(t, float64(0), job.Progress)
			assert.Empty(t, job.ErrorMessage)
			assert.Nil(t, job.StartTime)
			assert.Nil(t, job.EndTime)
		}
	}
}

func TestAtomicWrite(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "queue.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write([]*farmtypes.RenderJob{{ID: "old"}}))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write([]*farmtypes.RenderJob{{ID: "new"}}))
	}()

	var loaded []*farmtypes.RenderJob
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	require.Len(t, loaded, 1)
	assert.Contains(t, []string{"old", "new"}, loaded[0].ID)

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not survive a completed write")
}

func TestExists(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "queue.json")
	manager := NewManager(path)

	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(nil))
	assert.True(t, manager.Exists())
}

func TestFirstBoot(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "missing.json")
	manager := NewManager(path)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestVersionMismatch(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "queue.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"2.0","jobs":[]}`), 0644))

	manager := NewManager(path)
	_, err := manager.Load()
	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompatibleQueueFile)
}

func TestCorrupted(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "queue.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"1.0","jobs":[{"id":`), 0644))

	manager := NewManager(path)
	_, err := manager.Load()
	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedQueueFile)
}

func TestWriteFailure(t *testing.T) {
	tempDir := t.TempDir()
	readOnlyDir := filepath.Join(tempDir, "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0444))
	defer os.Chmod(readOnlyDir, 0755)

	manager := NewManager(filepath.Join(readOnlyDir, "queue.json"))
	err := manager.Write(sampleJobs())
	assert.Error(t, err)
}

func TestConcurrentWrites(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "queue.json")
	manager := NewManager(path)

	numGoroutines := 10
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(index int) {
			defer wg.Done()
			job := &farmtypes.RenderJob{ID: string(rune('a' + index)), Status: farmtypes.StatusPending}
			assert.NoError(t, manager.Write([]*farmtypes.RenderJob{job}))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
}

func TestConcurrentReads(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "queue.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleJobs()))

	numGoroutines := 20
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			loaded, err := manager.Load()
			assert.NoError(t, err)
			assert.Len(t, loaded, 3)
		}()
	}
	wg.Wait()
}

func BenchmarkWrite(b *testing.B) {
	tempDir := b.TempDir()
	manager := NewManager(filepath.Join(tempDir, "bench.json"))
	jobs := sampleJobs()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(jobs)
	}
}

func BenchmarkLoad(b *testing.B) {
	tempDir := b.TempDir()
	manager := NewManager(filepath.Join(tempDir, "bench.json"))
	_ = manager.Write(sampleJobs())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = manager.Load()
	}
}
