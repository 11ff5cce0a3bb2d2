package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// extractor streams a table out of the source into chunk files.
type extractor struct {
	src        SourceDB
	manifest   *Manifest
	dir        string
	format     string
	chunkBytes int64
	chunkRows  int64
	log        *zap.Logger
}

func newExtractor(src SourceDB, manifest *Manifest, dir string, prefs Preferences, log *zap.Logger) *extractor {
	return &extractor{
		src:        src,
		manifest:   manifest,
		dir:        dir,
		format:     prefs.Format,
		chunkBytes: prefs.chunkSizeBytes(),
		chunkRows:  prefs.ChunkRows,
		log:        log,
	}
}

// ExtractStats summarizes one Extract call.
type ExtractStats struct {
	Rows   int64
	Bytes  int64
	Chunks int
}

// Extract reads tp after the chunks in done and flushes new chunks. Every
// flushed chunk is recorded as produced and then passed to emit. An error from
// emit stops extraction.
func (e *extractor) Extract(ctx context.Context, tp TablePlan, done []ChunkManifestEntry, emit func(ChunkManifestEntry) error) (ExtractStats, error) {
	var stats ExtractStats
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return stats, fmt.Errorf("create chunk dir: %w", err)
	}
	var offset int64
	for _, d := range done {
		offset += d.Rows
	}
	index := len(done) + 1

	req := ReadRequest{Table: tp.Table, Columns: tp.Columns, Offset: offset}
	if tp.Resumable {
		req.OrderBy = tp.OrderBy
	} else if offset > 0 {
		return stats, fmt.Errorf("table %s cannot resume at row %d without a stable order", tp.Key(), offset)
	}

	rs, err := e.src.ReadRows(ctx, req)
	if err != nil {
		return stats, fmt.Errorf("read %s: %w", tp.Key(), err)
	}
	defer rs.Close()

	headers := make([]string, len(tp.Columns))
	for i, c := range tp.Columns {
		headers[i] = c.TargetName
	}

	var (
		w       chunkWriter
		tmpPath string
		rows    int64
		started time.Time
		vals    = make([]*string, len(tp.Columns))
	)
	discard := func() {
		if w != nil {
			w.Close()
			os.Remove(tmpPath)
			w = nil
		}
	}
	defer discard()

	flush := func() error {
		name := chunkFileName(tp.SourceSchema, tp.SourceTable, index, e.format)
		finalPath := filepath.Join(e.dir, name)
		uncompressed := w.Bytes()
		if err := w.Close(); err != nil {
			w = nil
			os.Remove(tmpPath)
			return fmt.Errorf("close chunk %s: %w", name, err)
		}
		w = nil
		if err := os.Rename(tmpPath, finalPath); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("rename chunk %s: %w", name, err)
		}
		sum, size, err := fileSHA256(finalPath)
		if err != nil {
			return fmt.Errorf("checksum chunk %s: %w", name, err)
		}

		entry := ChunkManifestEntry{
			Schema:   tp.SourceSchema,
			Table:    tp.SourceTable,
			Index:    index,
			FileName: name,
			Path:     finalPath,
			Rows:     rows,
			Bytes:    size,
			Checksum: sum,
			Status:   ChunkProduced,
		}
		if err := e.manifest.RecordProduced(ctx, entry); err != nil {
			return err
		}
		e.log.Info(fmt.Sprintf("    chunk %s: %d rows, %d bytes", name, rows, size),
			zap.String("table", tp.Key()), zap.Int64("rows", rows),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()))

		stats.Rows += rows
		stats.Bytes += uncompressed
		stats.Chunks++
		chunksProduced.Inc()
		index++
		rows = 0
		return emit(entry)
	}

	for rs.Next() {
		if w == nil {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			tmpPath = filepath.Join(e.dir, chunkFileName(tp.SourceSchema, tp.SourceTable, index, e.format)+".tmp")
			cw, err := newChunkWriter(e.format, tmpPath, headers)
			if err != nil {
				return stats, err
			}
			w = cw
			started = time.Now()
		}

		raw, err := rs.Values()
		if err != nil {
			return stats, fmt.Errorf("scan %s: %w", tp.Key(), err)
		}
		for i, c := range tp.Columns {
			v, err := renderValue(raw[i], c.Source, c.TargetType)
			if err != nil {
				return stats, fmt.Errorf("render %s: %w", tp.Key(), err)
			}
			vals[i] = v
		}
		if err := w.WriteRow(vals); err != nil {
			return stats, err
		}
		rows++

		if w.Bytes() >= e.chunkBytes || (e.chunkRows > 0 && rows >= e.chunkRows) {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := rs.Err(); err != nil {
		return stats, fmt.Errorf("read %s: %w", tp.Key(), err)
	}
	if w != nil && rows > 0 {
		if err := flush(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}
