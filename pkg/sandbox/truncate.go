package sandbox

import "fmt"

// TruncationMarker is appended to output cut at the byte cap.
const TruncationMarker = "... [truncated]"

// Truncate bounds s to cap bytes, appending a marker when anything was cut.
// The result never exceeds cap + len(TruncationMarker).
func Truncate(s string, cap int) string {
	if cap <= 0 || len(s) <= cap {
		return s
	}
	return fmt.Sprintf("%s%s", s[:cap], TruncationMarker)
}
