// pkg/feed/api.go
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/health-gis/covid-sync/pkg/record"
	"github.com/health-gis/covid-sync/pkg/store"
)

// CaseAPI is a client for a third-party case-statistics aggregation API
// returning JSON lists of flat objects.
type CaseAPI struct {
	client  *resty.Client
	baseURL string
	logger  *zap.Logger
}

// NewCaseAPI creates a client rooted at baseURL.
func NewCaseAPI(baseURL string, timeout time.Duration, logger *zap.Logger) *CaseAPI {
	return &CaseAPI{
		client:  resty.New().SetTimeout(timeout).SetHeader("Accept", "application/json"),
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.Named("case-api"),
	}
}

// Records fetches path with params and returns the list of objects found
// under listKey (or the top-level array when listKey is empty) as flat
// records.
func (a *CaseAPI) Records(ctx context.Context, path string, params map[string]string, listKey string) ([]record.Record, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(a.baseURL + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, store.NewTransientError("api fetch", err)
	}
	if resp.IsError() {
		return nil, store.NewTransientError("api fetch", fmt.Errorf("status %s", resp.Status()))
	}

	var raw []map[string]interface{}
	if listKey == "" {
		if err := json.Unmarshal(resp.Body(), &raw); err != nil {
			return nil, fmt.Errorf("failed to decode API response: %w", err)
		}
	} else {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(resp.Body(), &wrapper); err != nil {
			return nil, fmt.Errorf("failed to decode API response: %w", err)
		}
		list, ok := wrapper[listKey]
		if !ok {
			return nil, fmt.Errorf("API response has no %q list", listKey)
		}
		if err := json.Unmarshal(list, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode API %q list: %w", listKey, err)
		}
	}

	out := make([]record.Record, 0, len(raw))
	for _, obj := range raw {
		out = append(out, record.Record(obj))
	}

	a.logger.Debug("Fetched API records",
		zap.String("path", path),
		zap.Int("records", len(out)))
	return out, nil
}
