package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go-modelwatch/internal/models"
)

// openAIAdapter speaks the plain OpenAI-compatible dialect.
type openAIAdapter struct {
	c     caller
	owner string
}

func (a *openAIAdapter) FetchModels(ctx context.Context, site *models.Site, creds Credentials) (*ModelList, error) {
	return fetchModelList(ctx, a.c, joinURL(site.BaseURL, "/v1/models"), map[string]string{
		"Authorization": bearer(creds.APIKey),
	}, a.owner)
}

// FetchBilling reads the hard limit from the subscription endpoint and the
// last 100 days of usage (reported in cents).
func (a *openAIAdapter) FetchBilling(ctx context.Context, site *models.Site, creds Credentials) (*Billing, error) {
	headers := map[string]string{"Authorization": bearer(creds.APIKey)}

	subURL := joinURL(site.BaseURL, "/v1/dashboard/billing/subscription")
	sub, err := a.c.do(ctx, http.MethodGet, subURL, headers, BillingTimeout)
	if err != nil {
		return nil, err
	}
	var subscription struct {
		HardLimitUSD float64 `json:"hard_limit_usd"`
	}
	if err := json.Unmarshal(sub.Body, &subscription); err != nil {
		return nil, malformed(subURL, sub, err)
	}

	now := time.Now().UTC()
	usageURL := joinURL(site.BaseURL, "/v1/dashboard/billing/usage") +
		"?start_date=" + now.AddDate(0, 0, -99).Format("2006-01-02") +
		"&end_date=" + now.AddDate(0, 0, 1).Format("2006-01-02")
	use, err := a.c.do(ctx, http.MethodGet, usageURL, headers, BillingTimeout)
	if err != nil {
		return nil, err
	}
	var usage struct {
		TotalUsage float64 `json:"total_usage"`
	}
	if err := json.Unmarshal(use.Body, &usage); err != nil {
		return nil, malformed(usageURL, use, err)
	}
	return &Billing{Limit: subscription.HardLimitUSD, Usage: usage.TotalUsage / 100}, nil
}

func fetchModelList(ctx context.Context, c caller, url string, headers map[string]string, owner string) (*ModelList, error) {
	resp, err := c.do(ctx, http.MethodGet, url, headers, ModelsTimeout)
	if err != nil {
		return nil, err
	}
	list, err := parseModels(resp.Body, owner)
	if err != nil {
		return nil, malformed(url, resp, err)
	}
	return &ModelList{Models: list, Raw: string(resp.Body), Status: resp.Status, Elapsed: resp.Elapsed}, nil
}
