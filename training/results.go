package training

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/evaluate"
)

// BatchHeader is the column header printed at the start of every epoch.
func BatchHeader() string {
	return fmt.Sprintf("%8s%12s"+strings.Repeat("%10s", 7),
		"Epoch", "Batch", "xy", "wh", "conf", "cls", "total", "nTargets", "time")
}

// FormatBatch formats the running mean losses after batch i of nb.
func FormatBatch(epoch, epochs, i, nb int, mloss [5]float64, nt int, seconds float64) string {
	s := fmt.Sprintf("%8s%12s", fmt.Sprintf("%d/%d", epoch, epochs-1), fmt.Sprintf("%d/%d", i, nb-1))
	for _, v := range mloss {
		s += fmt.Sprintf("%10.3g", v)
	}
	return s + fmt.Sprintf("%10.3g%10.3g", float64(nt), seconds)
}

// FormatResults appends the validation metrics and class summary to a
// batch line.
func FormatResults(batchLine string, r evaluate.Results) string {
	s := batchLine
	for _, v := range r.Values() {
		s += fmt.Sprintf("%11.3g", v)
	}
	return s + "  " + r.Summary
}

// AppendLine appends line and a newline to path.
func AppendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open for append")
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		f.Close()
		return errors.Wrapf(err, "append to %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}
