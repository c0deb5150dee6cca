package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/kamilpajak/veritas/pkg/models"
	"golang.org/x/time/rate"
)

// FabricAgent talks to a Fabric data agent over its REST surface. The agent
// generates SQL for a natural-language question, executes it, and returns
// both. Fabric throttles aggressively, so calls go through a client-side
// rate limiter.
type FabricAgent struct {
	token       string
	workspaceID string
	agentID     string
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
}

// FabricConfig configures the Fabric data agent client.
type FabricConfig struct {
	Token       string
	WorkspaceID string
	AgentID     string
	BaseURL     string
	// RequestsPerSecond bounds the client-side call rate; 0 means a
	// conservative default of 2 rps.
	RequestsPerSecond float64
}

// NewFabricAgent creates a Fabric data agent client. The token falls back
// to the FABRIC_API_TOKEN environment variable.
func NewFabricAgent(cfg FabricConfig) (*FabricAgent, error) {
	token := cfg.Token
	if token == "" {
		token = os.Getenv("FABRIC_API_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("fabric API token required (set FABRIC_API_TOKEN)")
	}
	if cfg.WorkspaceID == "" || cfg.AgentID == "" {
		return nil, fmt.Errorf("fabric workspace and agent ids required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.fabric.microsoft.com/v1"
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}

	return &FabricAgent{
		token:       token,
		workspaceID: cfg.WorkspaceID,
		agentID:     cfg.AgentID,
		baseURL:     baseURL,
		httpClient:  &http.Client{},
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

type fabricQueryRequest struct {
	Question     string          `json:"question"`
	Examples     []fabricExample `json:"examples,omitempty"`
	Instructions string          `json:"instructions,omitempty"`
}

type fabricExample struct {
	Question string `json:"question"`
	SQL      string `json:"sql"`
}

type fabricQueryResponse struct {
	SQL     string   `json:"sql"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Error   string   `json:"error,omitempty"`
}

// Ask submits the question together with the current knowledge state. The
// knowledge rides along on every call so the agent's reasoning always sees
// the latest accepted examples and instruction version.
func (a *FabricAgent) Ask(ctx context.Context, question string, knowledge Knowledge) (*AgentAnswer, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, &CallError{Engine: "agent", Err: err}
	}

	reqBody := fabricQueryRequest{Question: question}
	for _, ex := range knowledge.Examples {
		reqBody.Examples = append(reqBody.Examples, fabricExample{Question: ex.Question, SQL: ex.SQL})
	}
	if knowledge.Instruction != nil {
		reqBody.Instructions = knowledge.Instruction.Text
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &CallError{Engine: "agent", Err: err}
	}

	url := fmt.Sprintf("%s/workspaces/%s/aiskills/%s/query", a.baseURL, a.workspaceID, a.agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, &CallError{Engine: "agent", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &CallError{Engine: "agent", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CallError{Engine: "agent", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &CallError{Engine: "agent", Err: fmt.Errorf("agent API error: %s - %s", resp.Status, string(body))}
	}

	var result fabricQueryResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &CallError{Engine: "agent", Err: fmt.Errorf("malformed agent response: %w", err)}
	}
	if result.Error != "" {
		return nil, &CallError{Engine: "agent", Err: fmt.Errorf("agent error: %s", result.Error)}
	}

	return &AgentAnswer{
		SQL:    result.SQL,
		Result: &models.QueryResult{Columns: result.Columns, Rows: result.Rows},
	}, nil
}
