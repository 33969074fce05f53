package models

import "time"

// SentAlert is the record of one alert accepted for delivery. It feeds the
// optional history writer.
type SentAlert struct {
	Subscriber int64
	Slug       string
	GapPercent float64
	Message    string
	Timestamp  time.Time
}

// Float64 returns a pointer to v. Partial collection objects are built from
// pointer fields, so construction sites need this constantly.
func Float64(v float64) *float64 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
