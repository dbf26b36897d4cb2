// Package packager turns a populated workspace into the artefact returned to
// the client: the file itself when there is exactly one, otherwise a ZIP.
package packager

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"feedpack/internal/workspace"
)

// Kind distinguishes the two artefact shapes.
type Kind string

const (
	KindSingleFile Kind = "single_file"
	KindArchive    Kind = "archive"
)

var (
	// ErrEmptyResult means the workspace holds no media at all.
	ErrEmptyResult = errors.New("nothing to package")

	// epoch is stamped on every archive entry so equal manifests give equal bytes.
	epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// PackagingError wraps an I/O failure while building an artefact.
type PackagingError struct {
	Op  string
	Err error
}

func (e *PackagingError) Error() string {
	return fmt.Sprintf("packaging: %s: %v", e.Op, e.Err)
}

func (e *PackagingError) Unwrap() error { return e.Err }

// Source is the part of a workspace the packager reads.
type Source interface {
	Root() string
	Manifest() []workspace.Entry
}

// Options tunes a single build.
type Options struct {
	IncludeMetadata bool
	// ArchiveName is the archive's base name without extension.
	ArchiveName string
}

// Result describes a finished artefact. It is never modified after Build
// returns.
type Result struct {
	Kind       Kind
	Path       string
	Name       string
	MediaType  string
	EntryCount int
	Size       int64
}

// Build packages src according to opts.
func Build(src Source, opts Options) (Result, error) {
	manifest := src.Manifest()

	var media, meta []workspace.Entry
	for _, entry := range manifest {
		if entry.IsMetadata {
			meta = append(meta, entry)
		} else {
			media = append(media, entry)
		}
	}
	if len(media) == 0 {
		return Result{}, ErrEmptyResult
	}

	if len(media) == 1 && (!opts.IncludeMetadata || len(meta) == 0) {
		entry := media[0]
		return Result{
			Kind:       KindSingleFile,
			Path:       entry.Path,
			Name:       path.Base(entry.Name),
			MediaType:  MediaType(entry.Name),
			EntryCount: 1,
			Size:       entry.Size,
		}, nil
	}

	selected := make([]workspace.Entry, 0, len(manifest))
	for _, entry := range manifest {
		if entry.IsMetadata && !opts.IncludeMetadata {
			continue
		}
		selected = append(selected, entry)
	}
	return writeArchive(src.Root(), archiveFileName(opts.ArchiveName), selected)
}

func archiveFileName(base string) string {
	name := workspace.SanitizeSegment(strings.TrimSuffix(base, ".zip"))
	if name == "" {
		name = "download"
	}
	return name + ".zip"
}

func writeArchive(root, name string, entries []workspace.Entry) (Result, error) {
	dir, err := os.MkdirTemp(root, ".package-")
	if err != nil {
		return Result{}, &PackagingError{Op: "create output directory", Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return Result{}, &PackagingError{Op: "create archive", Err: err}
	}
	tmpName := tmp.Name()
	fail := func(op string, err error) (Result, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return Result{}, &PackagingError{Op: op, Err: err}
	}

	zw := zip.NewWriter(tmp)
	for _, entry := range entries {
		if err := addEntry(zw, entry); err != nil {
			return fail("add "+entry.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fail("finish archive", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return fail("stat archive", err)
	}
	if err := tmp.Close(); err != nil {
		return fail("close archive", err)
	}
	final := filepath.Join(dir, name)
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return Result{}, &PackagingError{Op: "rename archive", Err: err}
	}
	return Result{
		Kind:       KindArchive,
		Path:       final,
		Name:       name,
		MediaType:  "application/zip",
		EntryCount: len(entries),
		Size:       info.Size(),
	}, nil
}

func addEntry(zw *zip.Writer, entry workspace.Entry) error {
	header := &zip.FileHeader{
		Name:     entry.Name,
		Method:   methodFor(entry.Name),
		Modified: epoch,
	}
	header.SetMode(0o644)
	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	f, err := os.Open(entry.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// Already-compressed media is stored as is.
func methodFor(name string) uint16 {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif", ".mp4", ".mov", ".webm", ".heic", ".zip":
		return zip.Store
	default:
		return zip.Deflate
	}
}

var mediaTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
	".heic": "image/heic",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".txt":  "text/plain; charset=utf-8",
	".json": "application/json",
	".zip":  "application/zip",
}

// MediaType infers a content type from a file name's extension.
func MediaType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if mt, ok := mediaTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
