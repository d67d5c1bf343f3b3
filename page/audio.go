package page

import (
	"fmt"
	"strings"
	"time"
)

// GenerateAudioFileList returns one audio path per calendar day from start to end, both inclusive.
// Days are taken in the location of start.
func GenerateAudioFileList(root string, start, end time.Time) []string {
	root = strings.TrimSuffix(root, "/")
	loc := start.Location()
	day := midnight(start, loc)
	last := midnight(end, loc)
	files := make([]string, 0)
	for !day.After(last) {
		files = append(files, fmt.Sprintf("%s/%d_%s_%d.m4a", root, day.Day(), day.Month(), day.Year()))
		day = day.AddDate(0, 0, 1)
	}
	return files
}

func midnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// IsStale reports whether last falls on an earlier calendar day than now, in loc.
func IsStale(last, now time.Time, loc *time.Location) bool {
	return midnight(last, loc).Before(midnight(now, loc))
}
