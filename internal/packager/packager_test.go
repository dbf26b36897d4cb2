package packager

import (
	"archive/zip"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedpack/internal/workspace"
)

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	m, err := workspace.NewManager(workspace.Options{
		BaseDir: t.TempDir(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	ws, err := m.Create("tester")
	require.NoError(t, err)
	return ws
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestBuildEmptyManifest(t *testing.T) {
	ws := newWorkspace(t)

	_, err := Build(ws, Options{IncludeMetadata: true, ArchiveName: "x"})
	assert.ErrorIs(t, err, ErrEmptyResult)
}

func TestBuildMetadataOnlyIsEmpty(t *testing.T) {
	ws := newWorkspace(t)
	_, err := ws.AddMetadata("post/metadata.txt", "caption")
	require.NoError(t, err)

	_, err = Build(ws, Options{IncludeMetadata: true, ArchiveName: "x"})
	assert.ErrorIs(t, err, ErrEmptyResult)
}

func TestBuildSingleFile(t *testing.T) {
	ws := newWorkspace(t)
	entry, err := ws.AddFile("tester_profile_pic.jpg", []byte("jpeg-bytes"))
	require.NoError(t, err)

	result, err := Build(ws, Options{ArchiveName: "tester"})
	require.NoError(t, err)

	assert.Equal(t, KindSingleFile, result.Kind)
	assert.Equal(t, entry.Path, result.Path)
	assert.Equal(t, "tester_profile_pic.jpg", result.Name)
	assert.Equal(t, "image/jpeg", result.MediaType)
	assert.Equal(t, int64(len("jpeg-bytes")), result.Size)
}

func TestBuildSingleFileIgnoresUnrequestedMetadata(t *testing.T) {
	ws := newWorkspace(t)
	entry, err := ws.AddFile("2024-01-01-Abc/Abc.mp4", []byte("video"))
	require.NoError(t, err)
	_, err = ws.AddMetadata("2024-01-01-Abc/metadata.txt", "caption")
	require.NoError(t, err)

	result, err := Build(ws, Options{IncludeMetadata: false, ArchiveName: "Abc"})
	require.NoError(t, err)

	assert.Equal(t, KindSingleFile, result.Kind)
	assert.Equal(t, entry.Path, result.Path)
	assert.Equal(t, "video/mp4", result.MediaType)
}

func TestBuildSingleFileWithMetadataBecomesArchive(t *testing.T) {
	ws := newWorkspace(t)
	_, err := ws.AddFile("2024-01-01-Abc/Abc.jpg", []byte("img"))
	require.NoError(t, err)
	_, err = ws.AddMetadata("2024-01-01-Abc/metadata.txt", "caption")
	require.NoError(t, err)

	result, err := Build(ws, Options{IncludeMetadata: true, ArchiveName: "Abc"})
	require.NoError(t, err)

	assert.Equal(t, KindArchive, result.Kind)
	assert.Equal(t, "Abc.zip", result.Name)
	assert.Equal(t, "application/zip", result.MediaType)
	assert.Equal(t, []string{"2024-01-01-Abc/Abc.jpg", "2024-01-01-Abc/metadata.txt"}, zipNames(t, result.Path))
}

func TestBuildTwoFilesArchive(t *testing.T) {
	ws := newWorkspace(t)
	_, err := ws.AddFile("2024-01-02-B/B.jpg", []byte("second"))
	require.NoError(t, err)
	_, err = ws.AddMetadata("2024-01-02-B/metadata.txt", "b")
	require.NoError(t, err)
	_, err = ws.AddFile("2024-01-01-A/A.jpg", []byte("first"))
	require.NoError(t, err)

	result, err := Build(ws, Options{IncludeMetadata: false, ArchiveName: "tester"})
	require.NoError(t, err)

	assert.Equal(t, KindArchive, result.Kind)
	assert.Equal(t, 2, result.EntryCount)
	assert.Equal(t, []string{"2024-01-02-B/B.jpg", "2024-01-01-A/A.jpg"}, zipNames(t, result.Path))
	assert.True(t, filepath.IsAbs(result.Path))
	rel, err := filepath.Rel(ws.Root(), result.Path)
	require.NoError(t, err)
	assert.NotContains(t, rel, "..")

	zr, err := zip.OpenReader(result.Path)
	require.NoError(t, err)
	defer zr.Close()
	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, "first", string(data))
}

func TestBuildIsDeterministic(t *testing.T) {
	ws := newWorkspace(t)
	_, err := ws.AddFile("p1/a.jpg", []byte("aaaa"))
	require.NoError(t, err)
	_, err = ws.AddFile("p1/b.mp4", []byte("bbbb"))
	require.NoError(t, err)
	_, err = ws.AddMetadata("p1/metadata.txt", "some caption text that deflates")
	require.NoError(t, err)

	first, err := Build(ws, Options{IncludeMetadata: true, ArchiveName: "tester"})
	require.NoError(t, err)
	second, err := Build(ws, Options{IncludeMetadata: true, ArchiveName: "tester"})
	require.NoError(t, err)

	a, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	b, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, first.Path, second.Path)
}

func TestBuildSanitisesArchiveName(t *testing.T) {
	ws := newWorkspace(t)
	_, err := ws.AddFile("a.jpg", []byte("a"))
	require.NoError(t, err)
	_, err = ws.AddFile("b.jpg", []byte("b"))
	require.NoError(t, err)

	result, err := Build(ws, Options{ArchiveName: "../../evil"})
	require.NoError(t, err)

	assert.Equal(t, ".._.._evil.zip", result.Name)
	assert.Equal(t, ws.Root(), filepath.Dir(filepath.Dir(result.Path)))
}

func TestMediaType(t *testing.T) {
	cases := map[string]string{
		"a.JPG":     "image/jpeg",
		"a.jpeg":    "image/jpeg",
		"a.png":     "image/png",
		"a.mp4":     "video/mp4",
		"a.txt":     "text/plain; charset=utf-8",
		"a.bin":     "application/octet-stream",
		"noext":     "application/octet-stream",
		"dir/a.gif": "image/gif",
	}
	for name, want := range cases {
		assert.Equal(t, want, MediaType(name), name)
	}
}
