package models

import (
	"github.com/crawlscope/crawlscope/pkg/agents"
)

// AgentSnapshot is one row of the daily per-agent rollup, keyed by (account, date, bot name).
type AgentSnapshot struct {
	Date             string          `json:"date"` // YYYY-MM-DD
	BotName          string          `json:"botName"`
	BotOrg           string          `json:"botOrg"`
	BotCategory      agents.Category `json:"botCategory"`
	RequestCount     int64           `json:"requestCount"`
	BytesTransferred int64           `json:"bytesTransferred"`
}

// PathSnapshot is one row of the daily per-path rollup, keyed by (account, date, path, bot name).
type PathSnapshot struct {
	Date         string `json:"date"` // YYYY-MM-DD
	Path         string `json:"path"`
	BotName      string `json:"botName"`
	RequestCount int64  `json:"requestCount"`
}

// PathTotal is a path's request count summed across dates and agents.
type PathTotal struct {
	Path          string `json:"path"`
	TotalRequests int64  `json:"totalRequests"`
	AgentCount    int    `json:"agentCount"`
}
