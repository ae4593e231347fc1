package engine

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"usb-media-scheduler/internal/models"
)

// copyLogEvery bounds log volume on large file sets.
const copyLogEvery = 10

// FilePair links a copied file to its destination.
type FilePair struct {
	Source string
	Dest   string
}

// CopyResult reports the outcome of the copy stage.
type CopyResult struct {
	FilesProcessed int
	BytesCopied    int64
	Copied         []FilePair
	Errors         []FileError
}

// CopyFiles copies files sequentially into destDir, creating directories as
// needed and size-checking every copy. A per-file failure is recorded and
// the remaining files still run. Progress is reported after every file.
func (e *Engine) CopyFiles(ctx context.Context, jobID int64, files []string, destDir string, progress ProgressFunc) CopyResult {
	var res CopyResult
	total := len(files)
	e.stageLog(ctx, jobID, models.LevelInfo, models.CategoryCopy,
		fmt.Sprintf("copying %d files to %s", total, destDir), nil)

	for i, src := range files {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, FileError{Path: src, Code: CodeUnknown, Message: "copy aborted: " + err.Error()})
			break
		}

		dst := filepath.Join(destDir, filepath.Base(src))
		n, err := copyFile(src, dst)
		if err != nil {
			ferr := classifyStatError(src, err)
			ferr.Message = err.Error()
			res.Errors = append(res.Errors, ferr)
			e.fileLog(ctx, jobID, models.LevelError, models.CategoryCopy,
				"copy failed: "+err.Error(), src, ferr.Code, nil)
		} else {
			res.FilesProcessed++
			res.BytesCopied += n
			res.Copied = append(res.Copied, FilePair{Source: src, Dest: dst})
			if res.FilesProcessed%copyLogEvery == 0 {
				e.stageLog(ctx, jobID, models.LevelInfo, models.CategoryCopy,
					fmt.Sprintf("copied %d of %d files", res.FilesProcessed, total), nil)
			}
		}

		pct := int(math.Round(float64(i+1) / float64(total) * 100))
		progress(ctx, "", pct)
	}

	e.stageLog(ctx, jobID, models.LevelInfo, models.CategoryCopy,
		fmt.Sprintf("copy finished: %d/%d files, %d bytes, %d errors",
			res.FilesProcessed, total, res.BytesCopied, len(res.Errors)),
		map[string]any{
			"files_processed": res.FilesProcessed,
			"bytes_copied":    res.BytesCopied,
			"errors":          len(res.Errors),
		})
	return res
}

// copyFile copies src to dst and confirms the written size matches the
// source before returning.
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create destination dir: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create destination: %w", err)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("copy data: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close destination: %w", err)
	}

	srcInfo, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}
	if n != srcInfo.Size() {
		return 0, fmt.Errorf("size mismatch after copy: wrote %d bytes, source is %d", n, srcInfo.Size())
	}
	return n, nil
}
