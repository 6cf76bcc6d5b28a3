package dirimport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/bulkimport/internal/config"
	"github.com/JonMunkholm/bulkimport/internal/core"
	_ "github.com/JonMunkholm/bulkimport/internal/core/schemas"
	"github.com/JonMunkholm/bulkimport/internal/dirimport"
	"github.com/JonMunkholm/bulkimport/internal/objectstore"
	"github.com/JonMunkholm/bulkimport/internal/web"
)

// startServer runs a full import server on the memory drivers.
func startServer(t *testing.T) (*dirimport.Client, *core.MemoryUpserter) {
	t.Helper()

	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	objects := objectstore.NewMemoryStore(ts.URL+"/api/imports/objects", 0)
	upserts := core.NewMemoryUpserter()
	svc, err := core.NewService(core.ServiceDeps{
		Store:    core.NewMemoryStore(),
		Objects:  objects,
		Upserter: upserts,
	}, core.ServiceConfig{
		Coordinator:   core.CoordinatorConfig{UploadURLExpiry: time.Minute},
		Runner:        core.RunnerConfig{BatchSize: 2, ProgressInterval: time.Millisecond},
		MaxConcurrent: 2,
		MaxWait:       time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })

	cfg := &config.Config{
		Server: config.ServerConfig{RequestTimeout: 5 * time.Second},
	}
	handler = web.NewServer(svc, cfg, web.Options{Objects: objects}).Router()

	client := dirimport.NewClient(ts.URL, ts.Client())
	client.PollInterval = 10 * time.Millisecond
	return client, upserts
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestProcessDir(t *testing.T) {
	client, upserts := startServer(t)
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "pricelist", "harga.csv"), "Kode Item,Harga\nA1,100\nA2,abc\nA3,300\n")
	writeFile(t, filepath.Join(root, "pricelist", "notes.md"), "not a spreadsheet")

	var snapshots int
	im := &dirimport.Importer{
		Client:     client,
		Root:       root,
		OnProgress: func(string, core.ProgressEvent) { snapshots++ },
	}

	results, err := im.ProcessDir(context.Background(), "pricelist", "")
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, core.PhaseCompleted, res.Status)
	assert.Equal(t, int64(2), res.RowsWritten)
	assert.Equal(t, int64(1), res.RowsFailed)
	assert.Positive(t, snapshots)
	assert.Equal(t, 2, upserts.Count("pricelist"))

	// Imported file is filed away, the unsupported one is left alone.
	assert.FileExists(t, filepath.Join(root, "pricelist", dirimport.UploadedDir, "harga.csv"))
	assert.NoFileExists(t, filepath.Join(root, "pricelist", "harga.csv"))
	assert.FileExists(t, filepath.Join(root, "pricelist", "notes.md"))

	require.Equal(t, filepath.Join(root, "harga - failed.csv"), res.FailedFile)
	failed, err := os.ReadFile(res.FailedFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(failed)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "2,3,"), lines[1])
}

func TestProcessDirFailedJobKeepsFile(t *testing.T) {
	client, _ := startServer(t)
	root := t.TempDir()

	// No price column at all: the job fails on the header.
	writeFile(t, filepath.Join(root, "prices", "broken.csv"), "Kode Item,Nama Item\nA1,Kopi\n")

	im := &dirimport.Importer{Client: client, Root: root}
	results, err := im.ProcessDir(context.Background(), "prices", "pricelist")
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, core.PhaseFailed, results[0].Status)
	assert.NotEmpty(t, results[0].Error)
	assert.FileExists(t, filepath.Join(root, "prices", "broken.csv"))
	assert.Empty(t, results[0].FailedFile)
}

func TestProcessDirUnknownSchema(t *testing.T) {
	client, _ := startServer(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "nosuch", "a.csv"), "a,b\n1,2\n")

	im := &dirimport.Importer{Client: client, Root: root}
	_, err := im.ProcessDir(context.Background(), "nosuch", "")
	require.Error(t, err)

	var apiErr *dirimport.APIError
	require.True(t, errors.As(err, &apiErr), err)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "IMP001", apiErr.Code)
}

func TestProcessAllSkipsFiles(t *testing.T) {
	client, _ := startServer(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "pricelist", "a.csv"), "Kode Item,Harga\nA1,100\n")
	writeFile(t, filepath.Join(root, "loose.csv"), "Kode Item,Harga\nA1,100\n")

	im := &dirimport.Importer{Client: client, Root: root}
	results, err := im.ProcessAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, core.PhaseCompleted, results[0].Status)
	assert.Empty(t, results[0].FailedFile)
	assert.FileExists(t, filepath.Join(root, "loose.csv"))
}

func TestClientSchemas(t *testing.T) {
	client, _ := startServer(t)
	schemas, err := client.Schemas(context.Background())
	require.NoError(t, err)

	var types []string
	for _, s := range schemas {
		types = append(types, s.Type)
	}
	assert.Contains(t, types, "pricelist")
}
