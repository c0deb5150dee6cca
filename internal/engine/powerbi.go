package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"

	"github.com/kamilpajak/veritas/pkg/models"
	"golang.org/x/time/rate"
)

// PowerBIEngine executes DAX queries against a Power BI semantic model via
// the executeQueries REST endpoint. This is the trusted side of every
// comparison: whatever it computes is ground truth.
type PowerBIEngine struct {
	token      string
	datasetID  string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// PowerBIConfig configures the ground-truth DAX client.
type PowerBIConfig struct {
	Token             string
	DatasetID         string
	BaseURL           string
	RequestsPerSecond float64
}

// NewPowerBIEngine creates a DAX execution client. The token falls back to
// the POWERBI_API_TOKEN environment variable.
func NewPowerBIEngine(cfg PowerBIConfig) (*PowerBIEngine, error) {
	token := cfg.Token
	if token == "" {
		token = os.Getenv("POWERBI_API_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("Power BI API token required (set POWERBI_API_TOKEN)")
	}
	if cfg.DatasetID == "" {
		return nil, fmt.Errorf("Power BI dataset id required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.powerbi.com/v1.0/myorg"
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}

	return &PowerBIEngine{
		token:      token,
		datasetID:  cfg.DatasetID,
		baseURL:    baseURL,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

type daxRequest struct {
	Queries []daxQuery `json:"queries"`
}

type daxQuery struct {
	Query string `json:"query"`
}

type daxResponse struct {
	Results []struct {
		Tables []struct {
			Rows []map[string]any `json:"rows"`
		} `json:"tables"`
	} `json:"results"`
}

// Execute runs one DAX query and flattens the first result table.
func (e *PowerBIEngine) Execute(ctx context.Context, query string) (*models.QueryResult, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, &CallError{Engine: "ground-truth", Err: err}
	}

	jsonBody, err := json.Marshal(daxRequest{Queries: []daxQuery{{Query: query}}})
	if err != nil {
		return nil, &CallError{Engine: "ground-truth", Err: err}
	}

	url := fmt.Sprintf("%s/datasets/%s/executeQueries", e.baseURL, e.datasetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, &CallError{Engine: "ground-truth", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &CallError{Engine: "ground-truth", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CallError{Engine: "ground-truth", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &CallError{Engine: "ground-truth", Err: fmt.Errorf("executeQueries error: %s - %s", resp.Status, string(body))}
	}

	var result daxResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &CallError{Engine: "ground-truth", Err: fmt.Errorf("malformed executeQueries response: %w", err)}
	}
	if len(result.Results) == 0 || len(result.Results[0].Tables) == 0 {
		return nil, &CallError{Engine: "ground-truth", Err: fmt.Errorf("empty executeQueries response")}
	}

	return flattenRows(result.Results[0].Tables[0].Rows), nil
}

// flattenRows converts executeQueries row maps into a columnar result with
// a deterministic column order.
func flattenRows(rows []map[string]any) *models.QueryResult {
	colSet := make(map[string]bool)
	for _, row := range rows {
		for name := range row {
			colSet[name] = true
		}
	}
	cols := make([]string, 0, len(colSet))
	for name := range colSet {
		cols = append(cols, name)
	}
	sort.Strings(cols)

	out := &models.QueryResult{Columns: cols}
	for _, row := range rows {
		values := make([]any, len(cols))
		for i, name := range cols {
			values[i] = row[name]
		}
		out.Rows = append(out.Rows, values)
	}
	return out
}
