package models

import "time"

// AnalyticsRow is one grouped row returned by the Cloudflare analytics API:
// requests from one user agent to one path within one hour bucket.
type AnalyticsRow struct {
	Hour      time.Time `json:"hour"` // UTC, truncated to the hour
	UserAgent string    `json:"userAgent"`
	Path      string    `json:"path"`
	Count     int64     `json:"count"`
	Bytes     int64     `json:"bytes"`
}

// Date returns the calendar day (UTC) of the row's hour bucket as YYYY-MM-DD.
func (r AnalyticsRow) Date() string {
	return r.Hour.UTC().Format(time.DateOnly)
}

// RowIdentity is the grouping key of a row. The API returns each identity at most
// once per query, so a repeated identity across pages is a boundary re-fetch.
type RowIdentity struct {
	Hour      int64
	UserAgent string
	Path      string
}

// Identity returns the row's grouping key.
func (r AnalyticsRow) Identity() RowIdentity {
	return RowIdentity{Hour: r.Hour.Unix(), UserAgent: r.UserAgent, Path: r.Path}
}
