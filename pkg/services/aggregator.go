package services

import (
	"sort"

	"github.com/crawlscope/crawlscope/pkg/agents"
	"github.com/crawlscope/crawlscope/pkg/models"
)

// Aggregation holds the two rollups built from one sync's rows.
type Aggregation struct {
	// Snapshots is ordered by date, then bot name.
	Snapshots []models.AgentSnapshot
	// Paths holds at most topK entries per date, ordered by date,
	// then request count descending, then path, then bot name.
	Paths []models.PathSnapshot
	// Matched and Unmatched count input rows by classification outcome.
	Matched   int
	Unmatched int
}

type snapshotKey struct {
	date    string
	botName string
}

type pathKey struct {
	date    string
	path    string
	botName string
}

// Aggregate classifies rows and sums them into per-(date, agent) snapshots and
// per-(date, path, agent) path counts. Rows that match no known agent are
// skipped; rows with an empty path count toward snapshots only. topK <= 0
// keeps every path entry.
func Aggregate(rows []models.AnalyticsRow, topK int) *Aggregation {
	agg := &Aggregation{}
	snapshots := make(map[snapshotKey]*models.AgentSnapshot)
	paths := make(map[pathKey]int64)

	for _, row := range rows {
		c, ok := agents.Classify(row.UserAgent)
		if !ok {
			agg.Unmatched++
			continue
		}
		agg.Matched++

		date := row.Date()

		sk := snapshotKey{date: date, botName: c.BotName}
		s, exists := snapshots[sk]
		if !exists {
			s = &models.AgentSnapshot{
				Date:        date,
				BotName:     c.BotName,
				BotOrg:      c.Org,
				BotCategory: c.Category,
			}
			snapshots[sk] = s
		}
		s.RequestCount += row.Count
		s.BytesTransferred += row.Bytes

		if row.Path != "" {
			paths[pathKey{date: date, path: row.Path, botName: c.BotName}] += row.Count
		}
	}

	agg.Snapshots = make([]models.AgentSnapshot, 0, len(snapshots))
	for _, s := range snapshots {
		agg.Snapshots = append(agg.Snapshots, *s)
	}
	sort.Slice(agg.Snapshots, func(i, j int) bool {
		a, b := agg.Snapshots[i], agg.Snapshots[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.BotName < b.BotName
	})

	agg.Paths = topPathsPerDate(paths, topK)
	return agg
}

// topPathsPerDate ranks (path, agent) entries within each date and keeps the topK highest.
func topPathsPerDate(counts map[pathKey]int64, topK int) []models.PathSnapshot {
	byDate := make(map[string][]models.PathSnapshot)
	for k, n := range counts {
		byDate[k.date] = append(byDate[k.date], models.PathSnapshot{
			Date:         k.date,
			Path:         k.path,
			BotName:      k.botName,
			RequestCount: n,
		})
	}

	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	out := make([]models.PathSnapshot, 0, len(counts))
	for _, d := range dates {
		entries := byDate[d]
		sort.Slice(entries, func(i, j int) bool {
			a, b := entries[i], entries[j]
			if a.RequestCount != b.RequestCount {
				return a.RequestCount > b.RequestCount
			}
			if a.Path != b.Path {
				return a.Path < b.Path
			}
			return a.BotName < b.BotName
		})

		if topK > 0 && len(entries) > topK {
			entries = entries[:topK]
		}
		out = append(out, entries...)
	}
	return out
}
