package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"

	"usb-media-scheduler/internal/models"
)

// Verification strategies.
const (
	StrategyFull     = "full"
	StrategySampling = "sampling"
)

// VerifyConfig selects the verification strategy. The sampling defaults are
// a deliberate throughput/confidence trade-off for large file sets.
type VerifyConfig struct {
	Strategy         string
	SamplePercentage int
	MinSampleSize    int
}

func (c VerifyConfig) withDefaults() VerifyConfig {
	if c.Strategy == "" {
		c.Strategy = StrategySampling
	}
	if c.SamplePercentage <= 0 {
		c.SamplePercentage = 20
	}
	if c.MinSampleSize <= 0 {
		c.MinSampleSize = 10
	}
	return c
}

// VerifyResult reports the outcome of the verify stage. Skipped files were
// not checked by the sampling strategy; they are not failures.
type VerifyResult struct {
	Verified int
	Failed   int
	Skipped  int
	Errors   []FileError
}

// VerifyFiles re-stats copied files and compares source/destination sizes.
// Under sampling, a uniformly random subset of size
// max(minSampleSize, ceil(total x pct/100)), capped at total, is checked.
func (e *Engine) VerifyFiles(ctx context.Context, jobID int64, copied []FilePair) VerifyResult {
	var res VerifyResult
	total := len(copied)

	chosen := make([]int, total)
	for i := range chosen {
		chosen[i] = i
	}
	if e.verify.Strategy == StrategySampling && total > 0 {
		n := sampleCount(total, e.verify.SamplePercentage, e.verify.MinSampleSize)
		chosen = rand.Perm(total)[:n]
	}

	e.stageLog(ctx, jobID, models.LevelInfo, models.CategoryVerify,
		fmt.Sprintf("verifying %d of %d files (%s)", len(chosen), total, e.verify.Strategy), nil)

	for _, i := range chosen {
		pair := copied[i]

		srcInfo, err := os.Stat(pair.Source)
		if err != nil {
			ferr := classifyStatError(pair.Source, err)
			res.Failed++
			res.Errors = append(res.Errors, ferr)
			e.fileLog(ctx, jobID, models.LevelError, models.CategoryVerify,
				"verify failed: "+ferr.Message, pair.Source, ferr.Code, nil)
			continue
		}
		dstInfo, err := os.Stat(pair.Dest)
		if err != nil {
			ferr := classifyStatError(pair.Dest, err)
			res.Failed++
			res.Errors = append(res.Errors, ferr)
			e.fileLog(ctx, jobID, models.LevelError, models.CategoryVerify,
				"verify failed: "+ferr.Message, pair.Dest, ferr.Code, nil)
			continue
		}

		if srcInfo.Size() != dstInfo.Size() {
			res.Failed++
			res.Errors = append(res.Errors, FileError{
				Path:    pair.Dest,
				Code:    CodeSizeMismatch,
				Message: fmt.Sprintf("size mismatch: source %d bytes, destination %d bytes", srcInfo.Size(), dstInfo.Size()),
			})
			size := dstInfo.Size()
			e.fileLog(ctx, jobID, models.LevelError, models.CategoryVerify,
				fmt.Sprintf("size mismatch: source %d bytes, destination %d bytes", srcInfo.Size(), dstInfo.Size()),
				pair.Dest, CodeSizeMismatch, &size)
			continue
		}
		res.Verified++
	}

	res.Skipped = total - len(chosen)
	e.stageLog(ctx, jobID, models.LevelInfo, models.CategoryVerify,
		fmt.Sprintf("verification finished: %d verified, %d failed, %d skipped", res.Verified, res.Failed, res.Skipped),
		map[string]any{
			"verified": res.Verified,
			"failed":   res.Failed,
			"skipped":  res.Skipped,
		})
	return res
}

// sampleCount sizes the random subset: max(min, ceil(total x pct/100)),
// capped at total.
func sampleCount(total, pct, min int) int {
	n := int(math.Ceil(float64(total) * float64(pct) / 100))
	if n < min {
		n = min
	}
	if n > total {
		n = total
	}
	return n
}
