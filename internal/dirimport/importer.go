// Package dirimport feeds a directory tree of spreadsheet exports into a
// running import server. Each directory under the root holds files of one
// schema type. A file that finishes importing is moved to an Uploaded
// subdirectory, and rows the server rejected are saved next to the
// directory as "<name> - failed.csv".
package dirimport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// UploadedDir is where imported files are moved, relative to their directory.
const UploadedDir = "Uploaded"

// Importer uploads the files of a directory tree through a Client.
type Importer struct {
	Client *Client
	Root   string

	// OnProgress, when set, sees every progress snapshot of every job.
	OnProgress func(file string, ev core.ProgressEvent)
}

// Result describes what happened to one file.
type Result struct {
	File        string     `json:"file"`
	JobID       string     `json:"jobId"`
	Status      core.Phase `json:"status"`
	Replayed    bool       `json:"replayed,omitempty"`
	RowsWritten int64      `json:"rowsWritten"`
	RowsFailed  int64      `json:"rowsFailed"`
	FailedFile  string     `json:"failedFile,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ProcessDir imports every supported file in Root/dir as schemaType. An
// empty schemaType means the directory name is the schema type. Transport
// and filesystem errors stop the walk; a job that fails on the server is
// reported in its Result and the file stays where it is.
func (im *Importer) ProcessDir(ctx context.Context, dir, schemaType string) ([]Result, error) {
	if schemaType == "" {
		schemaType = dir
	}
	full := filepath.Join(im.Root, dir)

	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}

	var results []Result
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, err := core.ResolveContentType("", entry.Name()); err != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("operation cancelled: %w", err)
		}

		res, err := im.processFile(ctx, full, entry.Name(), schemaType)
		if err != nil {
			return results, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		results = append(results, res)
	}
	return results, nil
}

// ProcessAll runs ProcessDir for every directory directly under Root.
func (im *Importer) ProcessAll(ctx context.Context) ([]Result, error) {
	entries, err := os.ReadDir(im.Root)
	if err != nil {
		return nil, fmt.Errorf("reading root %s: %w", im.Root, err)
	}

	var all []Result
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == UploadedDir {
			continue
		}
		results, err := im.ProcessDir(ctx, entry.Name(), "")
		all = append(all, results...)
		if err != nil {
			return all, err
		}
	}
	return all, nil
}

func (im *Importer) processFile(ctx context.Context, dir, file, schemaType string) (Result, error) {
	path := filepath.Join(dir, file)
	res := Result{File: path}

	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	size, sum, err := fileDigest(f)
	if err != nil {
		return res, err
	}

	ticket, err := im.Client.Initiate(ctx, core.InitiateRequest{
		FileName:    file,
		ContentType: detectContentType(path),
		SchemaType:  schemaType,
	})
	if err != nil {
		return res, err
	}
	if ticket.MaxFileSize > 0 && size > ticket.MaxFileSize {
		return res, fmt.Errorf("%w: %d bytes, limit %d", core.ErrPayloadTooLarge, size, ticket.MaxFileSize)
	}

	if err := im.Client.Upload(ctx, ticket.Upload, f, size); err != nil {
		return res, err
	}

	done, err := im.Client.Complete(ctx, core.CompleteRequest{
		UploadID:       ticket.UploadID,
		FileKey:        ticket.FileKey,
		FileSize:       size,
		FileSHA256:     sum,
		IdempotencyKey: ticket.IdempotencyKey,
	})
	if err != nil {
		return res, err
	}
	res.JobID = done.JobID
	res.Replayed = done.Replayed

	var onProgress func(core.ProgressEvent)
	if im.OnProgress != nil {
		onProgress = func(ev core.ProgressEvent) { im.OnProgress(path, ev) }
	}
	final, err := im.Client.Wait(ctx, done.JobID, onProgress)
	if err != nil {
		return res, err
	}
	res.Status = final.Phase
	res.RowsWritten = final.RowsWritten
	res.RowsFailed = final.RowsFailed

	if final.Phase != core.PhaseCompleted {
		if final.Summary != nil {
			res.Error = final.Summary.Error
		}
		slog.Warn("import did not complete", "file", path, "job_id", done.JobID, "status", final.Phase, "error", res.Error)
		return res, nil
	}

	if final.RowsFailed > 0 {
		failedPath, err := im.writeFailed(ctx, dir, file, done.JobID)
		if err != nil {
			return res, err
		}
		res.FailedFile = failedPath
	}

	f.Close()
	if err := moveToUploaded(dir, file); err != nil {
		return res, err
	}

	slog.Info("file imported",
		"file", path,
		"job_id", done.JobID,
		"rows_written", final.RowsWritten,
		"rows_failed", final.RowsFailed,
	)
	return res, nil
}

// writeFailed saves the failed rows of a job next to dir.
func (im *Importer) writeFailed(ctx context.Context, dir, file, jobID string) (string, error) {
	safeFile := filepath.Base(file)
	if safeFile != file || strings.Contains(file, "..") {
		return "", fmt.Errorf("invalid filename: %q", file)
	}
	name := fmt.Sprintf("%s - failed.csv", strings.TrimSuffix(safeFile, filepath.Ext(safeFile)))
	path := filepath.Join(filepath.Dir(dir), name)

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed writing failure file: %w", err)
	}
	err = im.Client.FailedRecordsCSV(ctx, jobID, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed writing failure file: %w", err)
	}
	return path, nil
}

func moveToUploaded(dir, file string) error {
	uploaded := filepath.Join(dir, UploadedDir)
	if err := os.MkdirAll(uploaded, 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", UploadedDir, err)
	}
	if err := os.Rename(filepath.Join(dir, file), filepath.Join(uploaded, file)); err != nil {
		return fmt.Errorf("failed moving file %s: %w", file, err)
	}
	return nil
}

// fileDigest returns the size and hex SHA-256 of f and rewinds it.
func fileDigest(f *os.File) (int64, string, error) {
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// detectContentType sniffs the file. Generic results are left to the
// server, which falls back to the file extension.
func detectContentType(path string) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	if _, err := core.ResolveContentType(mt.String(), ""); errors.Is(err, core.ErrUnsupportedContentType) {
		return ""
	}
	return mt.String()
}
