package core

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"time"
)

// PreviewSummary contains the summary counts for upload preview.
type PreviewSummary struct {
	RowsScanned     int  `json:"rowsScanned"`
	ValidRows       int  `json:"validRows"`
	ErrorRows       int  `json:"errorRows"`
	DuplicateInFile int  `json:"duplicateInFile"`
	Truncated       bool `json:"truncated"`
}

// RowPreview represents a single row for preview display.
type RowPreview struct {
	Index  int               `json:"index"`
	Line   int               `json:"line"`
	RowKey string            `json:"rowKey"`
	Values map[string]string `json:"values"`
}

// DuplicatePreview represents keys that appear multiple times in the file.
type DuplicatePreview struct {
	RowKey  string `json:"rowKey"`
	Indexes []int  `json:"indexes"`
}

// PreviewResponse is the result of a read-only pass over an uploaded file.
type PreviewResponse struct {
	SchemaType       string             `json:"schemaType"`
	Columns          []ColumnMapping    `json:"columns"`
	Summary          PreviewSummary     `json:"summary"`
	ValidSamples     []RowPreview       `json:"validSamples"`
	ErrorSamples     []FailedRecord     `json:"errorSamples"`
	DuplicateSamples []DuplicatePreview `json:"duplicateSamples"`
	ProcessingTimeMs int64              `json:"processingTimeMs"`
}

// PreviewRequest identifies an uploaded but not yet completed file.
type PreviewRequest struct {
	UploadID       string `json:"uploadId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Sample limits
const (
	maxPreviewRows      = 1000
	maxValidSamples     = 10
	maxErrorSamples     = 20
	maxDuplicateSamples = 10
)

// Preview parses and validates the first rows of an uploaded file without
// writing anything, so a client can check the header mapping before
// completing the upload. File-level problems are returned as errors, exactly
// as the import would fail on them.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (*PreviewResponse, error) {
	startTime := time.Now()

	pending, err := s.store.GetUpload(ctx, req.UploadID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(req.IdempotencyKey), []byte(pending.IdempotencyKey)) != 1 {
		return nil, fmt.Errorf("%w: key was not issued for upload %s", ErrIdempotencyMismatch, req.UploadID)
	}
	def, err := s.registry.Lookup(pending.SchemaType)
	if err != nil {
		return nil, err
	}

	obj, err := s.objects.Open(ctx, pending.FileKey)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: nothing stored at %s", ErrUploadIncomplete, pending.FileKey)
	}
	if err != nil {
		return nil, storageError(fmt.Errorf("open upload: %w", err))
	}
	defer obj.Close()

	rows, err := OpenRowReader(obj, pending.ContentType, def, ParseOptions{MaxXLSXSize: s.cfg.Runner.MaxXLSXSize})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &PreviewResponse{
		SchemaType:       def.Type,
		Columns:          rows.Mapping().Columns(),
		ValidSamples:     []RowPreview{},
		ErrorSamples:     []FailedRecord{},
		DuplicateSamples: []DuplicatePreview{},
	}
	validator := NewValidator(def)
	seen := make(map[string][]int)
	var keyOrder []string

	for resp.Summary.RowsScanned < maxPreviewRows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		resp.Summary.RowsScanned++

		if row.Err != nil {
			resp.Summary.ErrorRows++
			if len(resp.ErrorSamples) < maxErrorSamples {
				resp.ErrorSamples = append(resp.ErrorSamples, FailedRecord{
					OriginalIndex: row.Index, Line: row.Line, RawRecord: row.Values, ErrorReason: row.Err.Error(),
				})
			}
			continue
		}
		rec, failed := validator.Validate(row.Index, row.Values)
		if failed != nil {
			failed.Line = row.Line
			resp.Summary.ErrorRows++
			if len(resp.ErrorSamples) < maxErrorSamples {
				resp.ErrorSamples = append(resp.ErrorSamples, *failed)
			}
			continue
		}

		resp.Summary.ValidRows++
		key := rec.NaturalKey()
		if _, dup := seen[key]; dup {
			resp.Summary.DuplicateInFile++
		} else {
			keyOrder = append(keyOrder, key)
		}
		seen[key] = append(seen[key], row.Index)
		if len(resp.ValidSamples) < maxValidSamples {
			resp.ValidSamples = append(resp.ValidSamples, RowPreview{
				Index: row.Index, Line: row.Line, RowKey: key, Values: row.Values,
			})
		}
	}
	if resp.Summary.RowsScanned == maxPreviewRows {
		if _, err := rows.Next(); err != io.EOF {
			resp.Summary.Truncated = true
		}
	}

	for _, key := range keyOrder {
		if len(resp.DuplicateSamples) >= maxDuplicateSamples {
			break
		}
		if idx := seen[key]; len(idx) > 1 {
			resp.DuplicateSamples = append(resp.DuplicateSamples, DuplicatePreview{RowKey: key, Indexes: idx})
		}
	}

	resp.ProcessingTimeMs = time.Since(startTime).Milliseconds()
	return resp, nil
}
