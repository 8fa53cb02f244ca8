package worktime

import (
	"fmt"
	"math"
)

// FormatDuration renders seconds as "{h}時間 {m}分 {s}秒". Fractions are
// truncated; negative, NaN and infinite input render as zero.
func FormatDuration(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		seconds = 0
	}
	total := int64(seconds)
	h := total / 3600
	m := total % 3600 / 60
	s := total % 60
	return fmt.Sprintf("%d時間 %d分 %d秒", h, m, s)
}
