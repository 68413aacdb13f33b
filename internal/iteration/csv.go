package iteration

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Record is one CSV data row keyed by header name.
type Record = map[string]string

// CSVOptions are handed to the CSV reader unchanged.
type CSVOptions struct {
	// Comma is the field delimiter. Zero means ','.
	Comma rune
	// Comment starts a comment line when non-zero.
	Comment          rune
	LazyQuotes       bool
	TrimLeadingSpace bool
	// FieldsPerRecord follows encoding/csv: 0 pins the header width, negative
	// disables the check.
	FieldsPerRecord int
	// Encoding is a WHATWG encoding label such as "windows-1252". Empty means
	// UTF-8.
	Encoding string
}

// CSVCollection yields one Record per unit. The cursor is the zero-based
// index of the last processed data row.
type CSVCollection struct {
	Options CSVOptions
	// ApproximateCount estimates the total from newline characters instead
	// of parsing the whole file. The estimate is one too low when the file
	// lacks a trailing newline.
	ApproximateCount bool
}

func (CSVCollection) Kind() Kind { return KindCSV }
func (CSVCollection) sealed()    {}

func (a CSVCollection) Validate() error { return a.Options.validate() }

func (a CSVCollection) Source(_ context.Context, in Input, cursor *string) (Source, error) {
	last, err := parseIndexCursor(cursor)
	if err != nil {
		return nil, err
	}
	rd, err := newCSVReader(in.File, a.Options)
	if err != nil {
		return nil, err
	}
	return func(yield func(Unit, error) bool) {
		for i := 0; ; i++ {
			rec, err := rd.next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Unit{}, err)
				return
			}
			if i <= last {
				continue
			}
			if !yield(Unit{Item: rec, Cursor: strconv.Itoa(i)}, nil) {
				return
			}
		}
	}, nil
}

func (a CSVCollection) Count(_ context.Context, in Input) (Count, error) {
	if a.ApproximateCount {
		return Count(max(newlineRows(in.File), 0)), nil
	}
	rd, err := newCSVReader(in.File, a.Options)
	if err != nil {
		return Unknown, err
	}
	var n int64
	for {
		_, err := rd.next()
		if errors.Is(err, io.EOF) {
			return Count(n), nil
		}
		if err != nil {
			return Unknown, err
		}
		n++
	}
}

// CSVBatchCollection yields one []Record per unit. The cursor is the index of
// the last processed batch.
type CSVBatchCollection struct {
	BatchSize int
	Options   CSVOptions
}

func (CSVBatchCollection) Kind() Kind { return KindCSVBatches }
func (CSVBatchCollection) sealed()    {}

func (a CSVBatchCollection) Validate() error {
	if a.BatchSize <= 0 {
		return configErrorf("csv batch collection: batch size must be positive, got %d", a.BatchSize)
	}
	return a.Options.validate()
}

func (a CSVBatchCollection) Source(_ context.Context, in Input, cursor *string) (Source, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	last, err := parseIndexCursor(cursor)
	if err != nil {
		return nil, err
	}
	rd, err := newCSVReader(in.File, a.Options)
	if err != nil {
		return nil, err
	}
	skip := (last + 1) * a.BatchSize
	return func(yield func(Unit, error) bool) {
		for range skip {
			if _, err := rd.next(); err != nil {
				if !errors.Is(err, io.EOF) {
					yield(Unit{}, err)
				}
				return
			}
		}
		for batch := last + 1; ; batch++ {
			recs := make([]Record, 0, a.BatchSize)
			for len(recs) < a.BatchSize {
				rec, err := rd.next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					yield(Unit{}, err)
					return
				}
				recs = append(recs, rec)
			}
			if len(recs) == 0 {
				return
			}
			if !yield(Unit{Item: recs, Cursor: strconv.Itoa(batch)}, nil) {
				return
			}
			if len(recs) < a.BatchSize {
				return
			}
		}
	}, nil
}

// Count is always the newline approximation divided by the batch size,
// rounded up.
func (a CSVBatchCollection) Count(_ context.Context, in Input) (Count, error) {
	if a.BatchSize <= 0 {
		return Unknown, nil
	}
	return Count(ceilDiv(newlineRows(in.File), int64(a.BatchSize))), nil
}

// newlineRows approximates the number of data rows as newlines minus the
// header line.
func newlineRows(b []byte) int64 {
	return int64(bytes.Count(b, []byte{'\n'})) - 1
}

func (o CSVOptions) validate() error {
	if o.Encoding == "" {
		return nil
	}
	if _, err := htmlindex.Get(o.Encoding); err != nil {
		return configErrorf("csv: unknown encoding %q", o.Encoding)
	}
	return nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type csvReader struct {
	r      *csv.Reader
	header []string
}

func newCSVReader(b []byte, o CSVOptions) (*csvReader, error) {
	if b == nil {
		return nil, configErrorf("csv: no file attached")
	}
	var src io.Reader
	if o.Encoding == "" {
		// UTF-8 by default; a UTF-16 BOM switches decoding.
		src = transform.NewReader(bytes.NewReader(b), unicode.BOMOverride(transform.Nop))
	} else {
		enc, err := htmlindex.Get(o.Encoding)
		if err != nil {
			return nil, configErrorf("csv: unknown encoding %q", o.Encoding)
		}
		b = bytes.TrimPrefix(b, utf8BOM)
		src = transform.NewReader(bytes.NewReader(b), enc.NewDecoder())
	}

	r := csv.NewReader(src)
	if o.Comma != 0 {
		r.Comma = o.Comma
	}
	r.Comment = o.Comment
	r.LazyQuotes = o.LazyQuotes
	r.TrimLeadingSpace = o.TrimLeadingSpace
	r.FieldsPerRecord = o.FieldsPerRecord

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, configErrorf("csv: file has no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("iteration: read csv header: %w", err)
	}
	return &csvReader{r: r, header: header}, nil
}

func (c *csvReader) next() (Record, error) {
	fields, err := c.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("iteration: read csv row: %w", err)
	}
	rec := make(Record, len(c.header))
	for i, h := range c.header {
		if i < len(fields) {
			rec[h] = fields[i]
		} else {
			rec[h] = ""
		}
	}
	return rec, nil
}
