package core

// parser.go streams raw rows out of an uploaded file.
//
// CSV is read through encoding/csv on top of the streaming readers and never
// holds more than one row in memory; the row total becomes known at EOF.
// XLSX is opened with excelize, whose row iterator walks the first sheet, and
// the row total comes from the sheet dimension. excelize needs the whole zip
// container in memory, so workbooks are capped at MaxXLSXSize compressed
// bytes; worksheet XML above xlsxSheetMemLimit is unzipped to a temp file and
// streamed from there. The container format is sniffed from the leading bytes
// rather than trusted from the declaration.
//
// Cells that are not valid UTF-8 fail their row with "malformed encoding";
// the bytes are never rewritten into a valid-looking value.

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/xuri/excelize/v2"
)

// sniffLen is how many leading bytes are inspected to detect the format.
const sniffLen = 3072

const (
	// DefaultMaxXLSXSize caps the compressed size of a workbook.
	DefaultMaxXLSXSize int64 = 64 << 20

	xlsxSheetMemLimit int64 = 16 << 20
	xlsxUnzipLimit    int64 = 2 << 30
)

// RawRow is one data row as read from the file. Values are keyed by canonical
// field name; Err is set for row-level parse failures (bad quoting, wrong
// column count, malformed encoding), in which case Values holds whatever
// could be recovered.
type RawRow struct {
	Index  int // 1-based data row number, header excluded
	Line   int // physical line (CSV) or sheet row (XLSX)
	Values map[string]string
	Err    error
}

// RowReader is a lazy, finite, non-restartable sequence of raw rows.
type RowReader interface {
	// Next returns the next row, or io.EOF once the file is exhausted and the
	// checksum has been verified. Any other error is fatal for the file.
	Next() (RawRow, error)
	// Total reports the number of data rows when it is known.
	Total() (int64, bool)
	// Mapping is the resolved header row.
	Mapping() *HeaderMapping
	Close() error
}

// ParseOptions tune a RowReader.
type ParseOptions struct {
	// ExpectedSHA256 is verified once the whole stream has been read.
	ExpectedSHA256 string
	// MaxXLSXSize caps workbook containers. Zero means DefaultMaxXLSXSize.
	MaxXLSXSize int64
}

// OpenRowReader detects the container format, reads the header row and binds
// it to the schema. Fatal problems (unsupported or corrupt container, no
// header, missing required columns) are returned here.
func OpenRowReader(r io.Reader, declared ContentType, def SchemaDefinition, opts ParseOptions) (RowReader, error) {
	sum := newChecksumReader(r)
	br := bufio.NewReaderSize(sum, 64*1024)

	head, err := br.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, storageError(fmt.Errorf("read upload: %w", err))
	}
	if len(bytes.TrimSpace(head)) == 0 {
		return nil, ErrEmptyFile
	}

	format, err := detectFormat(head, declared)
	if err != nil {
		return nil, err
	}

	switch format {
	case ContentXLSX:
		return openXLSX(br, sum, def, opts)
	default:
		return openCSV(br, sum, def, opts)
	}
}

// detectFormat reconciles the sniffed container with the declared one.
// A declared .xls that is really an .xlsx or a CSV is parsed as what it is;
// legacy binary workbooks are rejected.
func detectFormat(head []byte, declared ContentType) (ContentType, error) {
	mt := mimetype.Detect(head)

	switch {
	case isMIME(mt, "application/zip"):
		return ContentXLSX, nil
	case isMIME(mt, "application/x-ole-storage"), isMIME(mt, "application/vnd.ms-excel"):
		return "", fmt.Errorf("%w: legacy binary .xls workbooks are not supported, save the file as .xlsx", ErrUnsupportedContentType)
	case isMIME(mt, "text/plain"):
		if declared == ContentXLSX {
			return "", fmt.Errorf("%w: declared xlsx but the file is plain text", ErrCorruptFile)
		}
		return ContentCSV, nil
	}

	if declared == ContentXLSX {
		return "", fmt.Errorf("%w: not a valid xlsx container (%s)", ErrCorruptFile, mt.String())
	}
	return "", fmt.Errorf("%w: detected %s", ErrUnsupportedContentType, mt.String())
}

// isMIME reports whether mt is the given type or descends from it.
func isMIME(mt *mimetype.MIME, want string) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is(want) {
			return true
		}
	}
	return false
}

// checkEncoding returns a row error for the first cell that is not valid
// UTF-8, and replaces invalid bytes in every cell so the failed record stays
// printable.
func checkEncoding(cells []string) error {
	var err error
	for i, c := range cells {
		if utf8.ValidString(c) {
			continue
		}
		if err == nil {
			err = fmt.Errorf("malformed encoding: column %d is not valid UTF-8", i+1)
		}
		cells[i] = strings.ToValidUTF8(c, "\uFFFD")
	}
	return err
}

func isBlankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// csvRowReader reads delimited text.
type csvRowReader struct {
	r       *csv.Reader
	sum     *checksumReader
	mapping *HeaderMapping
	opts    ParseOptions
	index   int
	done    bool
}

func openCSV(br *bufio.Reader, sum *checksumReader, def SchemaDefinition, opts ParseOptions) (RowReader, error) {
	if err := skipBOM(br); err != nil {
		return nil, storageError(fmt.Errorf("read upload: %w", err))
	}
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	var header []string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil, ErrEmptyFile
		}
		if err != nil {
			return nil, fmt.Errorf("%w: header row: %v", ErrCorruptFile, err)
		}
		if !isBlankRow(rec) {
			header = rec
			break
		}
	}
	if err := checkEncoding(header); err != nil {
		return nil, fmt.Errorf("%w: header row: %v", ErrCorruptFile, err)
	}

	mapping, err := def.MapHeader(header)
	if err != nil {
		return nil, err
	}
	return &csvRowReader{r: cr, sum: sum, mapping: mapping, opts: opts}, nil
}

func (c *csvRowReader) Next() (RawRow, error) {
	if c.done {
		return RawRow{}, io.EOF
	}
	for {
		rec, err := c.r.Read()
		if err == io.EOF {
			c.done = true
			if c.index == 0 {
				return RawRow{}, ErrEmptyFile
			}
			if err := c.sum.Verify(c.opts.ExpectedSHA256); err != nil {
				return RawRow{}, err
			}
			return RawRow{}, io.EOF
		}

		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return RawRow{}, storageError(fmt.Errorf("read upload: %w", err))
			}
			_ = checkEncoding(rec)
			c.index++
			return RawRow{
				Index:  c.index,
				Line:   pe.StartLine,
				Values: c.mapping.Apply(rec),
				Err:    fmt.Errorf("malformed row: %v", pe.Err),
			}, nil
		}
		if isBlankRow(rec) {
			continue
		}

		line, _ := c.r.FieldPos(0)
		encErr := checkEncoding(rec)
		c.index++
		row := RawRow{Index: c.index, Line: line, Values: c.mapping.Apply(rec), Err: encErr}
		if len(rec) != c.mapping.Width() {
			row.Err = fmt.Errorf("wrong column count: expected %d columns, got %d", c.mapping.Width(), len(rec))
		}
		return row, nil
	}
}

// Total is unknown for CSV until the stream is exhausted.
func (c *csvRowReader) Total() (int64, bool) {
	if c.done {
		return int64(c.index), true
	}
	return 0, false
}

func (c *csvRowReader) Mapping() *HeaderMapping { return c.mapping }

func (c *csvRowReader) Close() error { return nil }

// xlsxRowReader walks the first worksheet of a workbook.
type xlsxRowReader struct {
	file    *excelize.File
	rows    *excelize.Rows
	mapping *HeaderMapping
	index   int
	line    int
	total   int64
	known   bool
	done    bool
}

func openXLSX(br *bufio.Reader, sum *checksumReader, def SchemaDefinition, opts ParseOptions) (RowReader, error) {
	limit := opts.MaxXLSXSize
	if limit <= 0 {
		limit = DefaultMaxXLSXSize
	}

	// excelize needs random access to the zip directory, so the container is
	// read fully here; the checksum can be verified before any row is emitted.
	f, err := excelize.OpenReader(&cappedReader{r: br, left: limit}, excelize.Options{
		UnzipSizeLimit:    xlsxUnzipLimit,
		UnzipXMLSizeLimit: xlsxSheetMemLimit,
	})
	if errors.Is(err, ErrPayloadTooLarge) {
		return nil, fmt.Errorf("%w: workbook exceeds %d bytes, save it as CSV to import larger files", ErrPayloadTooLarge, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	if err := sum.Verify(opts.ExpectedSHA256); err != nil {
		f.Close()
		return nil, err
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrCorruptFile)
	}
	sheet := sheets[0]

	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	x := &xlsxRowReader{file: f, rows: rows}

	var header []string
	for header == nil {
		if !rows.Next() {
			x.Close()
			if err := rows.Error(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
			}
			return nil, ErrEmptyFile
		}
		x.line++
		cells, err := rows.Columns()
		if err != nil {
			x.Close()
			return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
		}
		if !isBlankRow(cells) {
			header = cells
		}
	}
	if err := checkEncoding(header); err != nil {
		x.Close()
		return nil, fmt.Errorf("%w: header row: %v", ErrCorruptFile, err)
	}

	x.mapping, err = def.MapHeader(header)
	if err != nil {
		x.Close()
		return nil, err
	}

	if lastRow, ok := sheetLastRow(f, sheet); ok && lastRow > x.line {
		x.total = int64(lastRow - x.line)
		x.known = true
	}
	return x, nil
}

// sheetLastRow reads the last row number from the sheet dimension ("A1:F200").
func sheetLastRow(f *excelize.File, sheet string) (int, bool) {
	dim, err := f.GetSheetDimension(sheet)
	if err != nil || dim == "" {
		return 0, false
	}
	ref := dim
	if i := strings.IndexByte(dim, ':'); i >= 0 {
		ref = dim[i+1:]
	}
	_, row, err := excelize.CellNameToCoordinates(ref)
	if err != nil {
		return 0, false
	}
	return row, true
}

func (x *xlsxRowReader) Next() (RawRow, error) {
	if x.done {
		return RawRow{}, io.EOF
	}
	for x.rows.Next() {
		x.line++
		cells, err := x.rows.Columns()
		if err != nil {
			return RawRow{}, fmt.Errorf("%w: row %d: %v", ErrCorruptFile, x.line, err)
		}
		if isBlankRow(cells) {
			continue
		}

		encErr := checkEncoding(cells)
		x.index++
		row := RawRow{Index: x.index, Line: x.line, Values: x.mapping.Apply(cells), Err: encErr}
		if len(cells) > x.mapping.Width() && !isBlankRow(cells[x.mapping.Width():]) {
			row.Err = fmt.Errorf("wrong column count: expected %d columns, got %d", x.mapping.Width(), len(cells))
		}
		return row, nil
	}
	if err := x.rows.Error(); err != nil {
		return RawRow{}, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}

	x.done = true
	if x.index == 0 {
		return RawRow{}, ErrEmptyFile
	}
	// Blank rows inside the dimension are skipped, so settle on the real count.
	x.total = int64(x.index)
	x.known = true
	return RawRow{}, io.EOF
}

func (x *xlsxRowReader) Total() (int64, bool) { return x.total, x.known }

func (x *xlsxRowReader) Mapping() *HeaderMapping { return x.mapping }

func (x *xlsxRowReader) Close() error {
	if x.rows != nil {
		x.rows.Close()
	}
	return x.file.Close()
}
