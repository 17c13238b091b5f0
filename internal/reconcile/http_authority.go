package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

func parseMicro(s string) (money.MicroUSD, error) {
	return money.ParseMicroUSD(s)
}

// HTTPAuthorityClient fetches budget snapshots from the authority's
// GET /api/v1/budget/{tenant_id} endpoint, spec.md §6, bounding each
// request with the teacher's context-timeout idiom; the http.Client is
// given the same timeout as well.
type HTTPAuthorityClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPAuthorityClient constructs a client against baseURL (e.g.
// "https://budget-authority.internal"). timeout bounds every request
// regardless of the caller's own context deadline.
func NewHTTPAuthorityClient(baseURL string, timeout time.Duration) *HTTPAuthorityClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPAuthorityClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

type budgetResponse struct {
	CommittedMicro string `json:"committed_micro"`
	ReservedMicro  string `json:"reserved_micro"`
	LimitMicro     string `json:"limit_micro"`
	WindowStart    int64  `json:"window_start"`
	WindowEnd      int64  `json:"window_end"`
}

// FetchBudget implements AuthorityClient.
func (c *HTTPAuthorityClient) FetchBudget(ctx context.Context, tenantID string) (BudgetSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/v1/budget/%s", c.baseURL, tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return BudgetSnapshot{}, fmt.Errorf("reconcile: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return BudgetSnapshot{}, fmt.Errorf("reconcile: fetch budget for %s: %w", tenantID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return BudgetSnapshot{}, fmt.Errorf("reconcile: authority returned status %d for %s", resp.StatusCode, tenantID)
	}

	var body budgetResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return BudgetSnapshot{}, fmt.Errorf("reconcile: decode budget response for %s: %w", tenantID, err)
	}

	committed, err := parseMicro(body.CommittedMicro)
	if err != nil {
		return BudgetSnapshot{}, fmt.Errorf("reconcile: committed_micro: %w", err)
	}
	reserved, err := parseMicro(body.ReservedMicro)
	if err != nil {
		return BudgetSnapshot{}, fmt.Errorf("reconcile: reserved_micro: %w", err)
	}
	limit, err := parseMicro(body.LimitMicro)
	if err != nil {
		return BudgetSnapshot{}, fmt.Errorf("reconcile: limit_micro: %w", err)
	}

	return BudgetSnapshot{
		CommittedMicro: committed,
		ReservedMicro:  reserved,
		LimitMicro:     limit,
		WindowStart:    time.UnixMilli(body.WindowStart).UTC(),
		WindowEnd:      time.UnixMilli(body.WindowEnd).UTC(),
	}, nil
}
