package cloudflare

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/agents"
	"github.com/crawlscope/crawlscope/pkg/models"
)

const trafficQuery = `query CrawlerTraffic($zoneTag: string, $filter: ZoneHttpRequestsAdaptiveGroupsFilter_InputObject) {
  viewer {
    zones(filter: { zoneTag: $zoneTag }) {
      httpRequestsAdaptiveGroups(filter: $filter, limit: %d, orderBy: [datetimeHour_ASC]) {
        count
        dimensions {
          datetimeHour
          userAgent
          clientRequestPath
        }
        sum {
          edgeResponseBytes
        }
      }
    }
  }
}`

const zoneAccessQuery = `query ZoneAccess($zoneTag: string, $filter: ZoneHttpRequestsAdaptiveGroupsFilter_InputObject) {
  viewer {
    zones(filter: { zoneTag: $zoneTag }) {
      httpRequestsAdaptiveGroups(filter: $filter, limit: 1) {
        count
      }
    }
  }
}`

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlResponse struct {
	Data struct {
		Viewer struct {
			Zones []struct {
				Groups []trafficGroup `json:"httpRequestsAdaptiveGroups"`
			} `json:"zones"`
		} `json:"viewer"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type trafficGroup struct {
	Count      int64 `json:"count"`
	Dimensions struct {
		DatetimeHour      string `json:"datetimeHour"`
		UserAgent         string `json:"userAgent"`
		ClientRequestPath string `json:"clientRequestPath"`
	} `json:"dimensions"`
	Sum struct {
		EdgeResponseBytes int64 `json:"edgeResponseBytes"`
	} `json:"sum"`
}

// agentFilter builds the OR list of user agent patterns for every known agent.
func agentFilter() []map[string]string {
	patterns := agents.FilterPatterns()
	or := make([]map[string]string, 0, len(patterns))
	for _, p := range patterns {
		or = append(or, map[string]string{"userAgent_like": p})
	}
	return or
}

// FetchPage runs one traffic query for the window [start, end], returning at most
// PageLimit rows ordered by hour bucket ascending. Only rows whose user agent
// matches a known agent pattern are requested.
func (c *Client) FetchPage(ctx context.Context, token, zoneID string, start, end time.Time) ([]models.AnalyticsRow, error) {
	req := graphqlRequest{
		Query: fmt.Sprintf(trafficQuery, c.pageLimit),
		Variables: map[string]any{
			"zoneTag": zoneID,
			"filter": map[string]any{
				"datetime_geq": start.UTC().Format(time.RFC3339),
				"datetime_leq": end.UTC().Format(time.RFC3339),
				"OR":           agentFilter(),
			},
		},
	}

	resp, err := c.query(ctx, "traffic", token, req)
	if err != nil {
		return nil, err
	}

	groups := resp.Data.Viewer.Zones[0].Groups
	rows := make([]models.AnalyticsRow, 0, len(groups))
	for _, g := range groups {
		hour, err := time.Parse(time.RFC3339, g.Dimensions.DatetimeHour)
		if err != nil {
			return nil, fmt.Errorf("invalid datetimeHour %q: %w", g.Dimensions.DatetimeHour, err)
		}
		rows = append(rows, models.AnalyticsRow{
			Hour:      hour.UTC(),
			UserAgent: g.Dimensions.UserAgent,
			Path:      g.Dimensions.ClientRequestPath,
			Count:     g.Count,
			Bytes:     g.Sum.EdgeResponseBytes,
		})
	}

	c.logger.Debug("Fetched traffic page",
		zap.String("zone_id", zoneID),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("rows", len(rows)))

	return rows, nil
}

// TestZoneAccess checks that the token can read analytics for the zone by
// running a one-row query over the last 24 hours.
func (c *Client) TestZoneAccess(ctx context.Context, token, zoneID string) error {
	req := graphqlRequest{
		Query: zoneAccessQuery,
		Variables: map[string]any{
			"zoneTag": zoneID,
			"filter": map[string]any{
				"datetime_gt": c.clock.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339),
			},
		},
	}
	_, err := c.query(ctx, "zone_access", token, req)
	return err
}

// query posts a GraphQL request and checks for API errors and a missing zone.
func (c *Client) query(ctx context.Context, operation, token string, req graphqlRequest) (*graphqlResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode graphql request: %w", err)
	}

	body, err := c.do(ctx, operation, http.MethodPost, c.graphqlURL, token, payload)
	if err != nil {
		return nil, err
	}

	var resp graphqlResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse graphql response: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, &GraphQLError{Message: resp.Errors[0].Message}
	}
	if len(resp.Data.Viewer.Zones) == 0 {
		return nil, ErrZoneNotFound
	}
	return &resp, nil
}
