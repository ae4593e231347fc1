package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"usb-media-scheduler/internal/models"
)

// Per-file error classifications recorded in job logs and results.
const (
	CodeNotFound     = "NOT_FOUND"
	CodeNoPermission = "NO_PERMISSION"
	CodeNotFile      = "NOT_FILE"
	CodeEmptyFile    = "EMPTY_FILE"
	CodeSizeMismatch = "SIZE_MISMATCH"
	CodeUnknown      = "UNKNOWN"
)

// FileError is a classified per-file failure. These are collected, never
// fatal on their own.
type FileError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult reports the outcome of the validate stage.
type ValidationResult struct {
	TotalFiles int
	ValidFiles int
	TotalSize  int64
	ValidPaths []string
	Errors     []FileError
}

// Valid reports job-level validity; callers may still proceed with partial
// validity at their own discretion.
func (r ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Validate checks each candidate file for existence, readability, regular
// type, and non-zero size. Failures are collected per file.
func (e *Engine) Validate(ctx context.Context, jobID int64, files []string) ValidationResult {
	res := ValidationResult{TotalFiles: len(files)}
	e.stageLog(ctx, jobID, models.LevelInfo, models.CategoryValidation,
		fmt.Sprintf("validating %d files", len(files)), nil)

	for _, path := range files {
		size, ferr := classifyFile(path)
		if ferr != nil {
			res.Errors = append(res.Errors, *ferr)
			e.fileLog(ctx, jobID, models.LevelWarning, models.CategoryValidation,
				ferr.Message, path, ferr.Code, nil)
			continue
		}
		res.ValidFiles++
		res.TotalSize += size
		res.ValidPaths = append(res.ValidPaths, path)
	}

	e.stageLog(ctx, jobID, models.LevelInfo, models.CategoryValidation,
		fmt.Sprintf("validation finished: %d/%d valid, %d bytes total", res.ValidFiles, res.TotalFiles, res.TotalSize),
		map[string]any{
			"total_files": res.TotalFiles,
			"valid_files": res.ValidFiles,
			"total_size":  res.TotalSize,
			"errors":      len(res.Errors),
		})
	return res
}

func classifyFile(path string) (int64, *FileError) {
	info, err := os.Stat(path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return 0, &FileError{Path: path, Code: CodeNotFound, Message: "file does not exist"}
		case errors.Is(err, fs.ErrPermission):
			return 0, &FileError{Path: path, Code: CodeNoPermission, Message: "file is not accessible"}
		default:
			return 0, &FileError{Path: path, Code: CodeUnknown, Message: err.Error()}
		}
	}
	if !info.Mode().IsRegular() {
		return 0, &FileError{Path: path, Code: CodeNotFile, Message: "not a regular file"}
	}
	if info.Size() == 0 {
		return 0, &FileError{Path: path, Code: CodeEmptyFile, Message: "file is empty"}
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return 0, &FileError{Path: path, Code: CodeNoPermission, Message: "file is not readable"}
		}
		return 0, &FileError{Path: path, Code: CodeUnknown, Message: err.Error()}
	}
	_ = f.Close()

	return info.Size(), nil
}

func classifyStatError(path string, err error) FileError {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return FileError{Path: path, Code: CodeNotFound, Message: "file disappeared"}
	case errors.Is(err, fs.ErrPermission):
		return FileError{Path: path, Code: CodeNoPermission, Message: "file is not accessible"}
	default:
		return FileError{Path: path, Code: CodeUnknown, Message: err.Error()}
	}
}
