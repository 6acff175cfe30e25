package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/fentz26/warden/internal/audit"
	"github.com/fentz26/warden/internal/bridge"
	"github.com/fentz26/warden/internal/controlplane"
	"github.com/fentz26/warden/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the Warden API.
type Client struct {
	baseURL    string
	actor      string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	hostname, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = "operator"
	}
	return &Client{
		baseURL: baseURL,
		actor:   fmt.Sprintf("%s@%s", user, hostname),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// Actor is the name recorded on approval decisions.
func (c *Client) Actor() string {
	return c.actor
}

// ListApprovals fetches the pending approval queue.
func (c *Client) ListApprovals() ([]ApprovalItem, error) {
	var pending []*models.PendingApproval
	if err := c.get("/approvals", &pending); err != nil {
		return nil, err
	}
	items := make([]ApprovalItem, len(pending))
	for i, p := range pending {
		items[i] = approvalItemFrom(p)
	}
	return items, nil
}

type decision struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// Approve releases a pending intent.
func (c *Client) Approve(id string) (*bridge.IntentReport, error) {
	var report bridge.IntentReport
	if err := c.post("/approvals/"+url.PathEscape(id)+"/approve", decision{Actor: c.actor}, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Reject drops a pending intent.
func (c *Client) Reject(id, reason string) (*bridge.IntentReport, error) {
	var report bridge.IntentReport
	if err := c.post("/approvals/"+url.PathEscape(id)+"/reject", decision{Actor: c.actor, Reason: reason}, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Chat sends a message through the pipeline.
func (c *Client) Chat(message, sessionID string) (*bridge.Report, error) {
	var report bridge.Report
	req := bridge.Request{Message: message, SessionID: sessionID, UserID: c.actor}
	if err := c.post("/chat", req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// AuditStats fetches the audit summary for the last days days.
func (c *Client) AuditStats(days int) (*audit.Stats, error) {
	var stats audit.Stats
	if err := c.get("/audit/stats?days="+strconv.Itoa(days), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetWorkers fetches router and engine load.
func (c *Client) GetWorkers() (*controlplane.Workers, error) {
	var w controlplane.Workers
	if err := c.get("/workers", &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Health fetches daemon health. A degraded daemon still returns its report.
func (c *Client) Health() (*bridge.Health, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var h bridge.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("API error (%d): %w", resp.StatusCode, err)
	}
	return &h, nil
}

func (c *Client) get(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) post(path string, data, out any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	return json.Unmarshal(body, out)
}
