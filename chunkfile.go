package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

// nullMarker is how the delimited encoding spells SQL NULL. It is never quoted,
// so a quoted "\N" string value stays distinguishable.
const nullMarker = `\N`

// chunkWriter encodes rows of one chunk file.
type chunkWriter interface {
	WriteRow(vals []*string) error
	// Bytes is the encoded, uncompressed size written so far.
	Bytes() int64
	Close() error
}

func chunkFileExt(format string) string {
	if format == "columnar" {
		return ".parquet"
	}
	return ".csv.gz"
}

// chunkFileName returns the deterministic file name of a chunk.
func chunkFileName(schema, table string, index int, format string) string {
	return fmt.Sprintf("%s_chunk_%04d%s", chunkFilePrefix(schema, table), index, chunkFileExt(format))
}

// chunkFilePrefix is the part of a chunk file name that identifies its table.
// Distinct tables can share a prefix once names are sanitized; planning
// rejects that.
func chunkFilePrefix(schema, table string) string {
	return safeFileComponent(schema) + "_" + safeFileComponent(table)
}

func safeFileComponent(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

// newChunkWriter never returns a typed nil: callers test the interface
// against nil to decide whether a file is open.
func newChunkWriter(format, path string, columns []string) (chunkWriter, error) {
	if format == "columnar" {
		w, err := newParquetChunkWriter(path, columns)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	w, err := newDelimitedChunkWriter(path, columns)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// delimitedChunkWriter writes gzip-compressed CSV with a header row.
type delimitedChunkWriter struct {
	f     *os.File
	gz    *gzip.Writer
	bw    *bufio.Writer
	buf   []byte
	bytes int64
}

func newDelimitedChunkWriter(path string, columns []string) (*delimitedChunkWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create chunk file: %w", err)
	}
	gz := gzip.NewWriter(f)
	w := &delimitedChunkWriter{f: f, gz: gz, bw: bufio.NewWriterSize(gz, 256<<10)}

	header := make([]*string, len(columns))
	for i := range columns {
		header[i] = &columns[i]
	}
	if err := w.WriteRow(header); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *delimitedChunkWriter) WriteRow(vals []*string) error {
	w.buf = appendDelimitedRecord(w.buf[:0], vals)
	n, err := w.bw.Write(w.buf)
	w.bytes += int64(n)
	if err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

// appendDelimitedRecord quotes every value and writes NULL as an unquoted marker.
func appendDelimitedRecord(dst []byte, vals []*string) []byte {
	for i, v := range vals {
		if i > 0 {
			dst = append(dst, ',')
		}
		if v == nil {
			dst = append(dst, nullMarker...)
			continue
		}
		dst = append(dst, '"')
		for j := 0; j < len(*v); j++ {
			c := (*v)[j]
			if c == '"' {
				dst = append(dst, '"')
			}
			dst = append(dst, c)
		}
		dst = append(dst, '"')
	}
	return append(dst, '\n')
}

func (w *delimitedChunkWriter) Bytes() int64 { return w.bytes }

func (w *delimitedChunkWriter) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("flush chunk: %w", err)
	}
	if err := w.gz.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("close gzip: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("sync chunk: %w", err)
	}
	return w.f.Close()
}

// parquetChunkWriter writes snappy-compressed Parquet with optional UTF-8 columns.
type parquetChunkWriter struct {
	pf    source.ParquetFile
	pw    *writer.CSVWriter
	bytes int64
}

func newParquetChunkWriter(path string, columns []string) (*parquetChunkWriter, error) {
	pf, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, fmt.Errorf("create chunk file: %w", err)
	}
	md := make([]string, len(columns))
	for i, c := range columns {
		md[i] = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", c)
	}
	pw, err := writer.NewCSVWriter(md, pf, 1)
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	return &parquetChunkWriter{pf: pf, pw: pw}, nil
}

func (w *parquetChunkWriter) WriteRow(vals []*string) error {
	for _, v := range vals {
		if v != nil {
			w.bytes += int64(len(*v))
		}
		w.bytes++
	}
	if err := w.pw.WriteString(vals); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

func (w *parquetChunkWriter) Bytes() int64 { return w.bytes }

func (w *parquetChunkWriter) Close() error {
	if err := w.pw.WriteStop(); err != nil {
		w.pf.Close()
		return fmt.Errorf("finish parquet: %w", err)
	}
	return w.pf.Close()
}

// fileSHA256 returns the hex sha256 of a file's bytes.
func fileSHA256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
