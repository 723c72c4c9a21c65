package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go-modelwatch/internal/models"
)

var (
	limitFields   = []string{"total_quota", "total_limit", "limit", "hard_limit_usd", "total_granted"}
	balanceFields = []string{"quota", "balance", "remain_quota", "total_available"}
	usageFields   = []string{"used_quota", "usage", "used", "total_usage", "total_used"}
)

// customAdapter serves the "other" variant: OpenAI-style model listing plus
// an operator supplied billing endpoint.
type customAdapter struct {
	c        caller
	fallback *openAIAdapter
}

func (a *customAdapter) FetchModels(ctx context.Context, site *models.Site, creds Credentials) (*ModelList, error) {
	return a.fallback.FetchModels(ctx, site, creds)
}

func (a *customAdapter) FetchBilling(ctx context.Context, site *models.Site, creds Credentials) (*Billing, error) {
	if site.BillingURL == "" {
		return a.fallback.FetchBilling(ctx, site, creds)
	}

	headers := map[string]string{}
	switch site.BillingAuthType {
	case models.BillingAuthCookie:
		headers["Cookie"] = creds.BillingAuth
	case models.BillingAuthToken:
		headers["Authorization"] = bearer(creds.BillingAuth)
	}

	resp, err := a.c.do(ctx, http.MethodGet, site.BillingURL, headers, BillingTimeout)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, malformed(site.BillingURL, resp, err)
	}
	b, err := extractBilling(obj, site.BillingMapping)
	if err != nil {
		return nil, malformed(site.BillingURL, resp, err)
	}
	return b, nil
}

func extractBilling(obj map[string]any, mapping *models.BillingMapping) (*Billing, error) {
	ratio := float64(quotaPerUnit)
	if mapping != nil && mapping.Ratio > 0 {
		ratio = mapping.Ratio
	}

	var (
		limit, balance, usage          float64
		hasLimit, hasBalance, hasUsage bool
	)
	if mapping != nil && (mapping.LimitField != "" || mapping.UsageField != "" || mapping.BalanceField != "") {
		if mapping.LimitField != "" {
			limit, hasLimit = lookup(obj, mapping.LimitField)
		}
		if mapping.BalanceField != "" {
			balance, hasBalance = lookup(obj, mapping.BalanceField)
		}
		if mapping.UsageField != "" {
			usage, hasUsage = lookup(obj, mapping.UsageField)
		}
	} else {
		limit, hasLimit = firstOf(obj, limitFields)
		balance, hasBalance = firstOf(obj, balanceFields)
		usage, hasUsage = firstOf(obj, usageFields)
	}

	if !hasLimit && hasBalance {
		limit, hasLimit = balance+usage, true
	}
	if !hasLimit && !hasUsage {
		return nil, errors.New("no billing fields found")
	}
	return &Billing{Limit: limit / ratio, Usage: usage / ratio}, nil
}

// firstOf tries each name at the top level, then under "data".
func firstOf(obj map[string]any, names []string) (float64, bool) {
	for _, n := range names {
		if v, ok := lookup(obj, n); ok {
			return v, true
		}
	}
	for _, n := range names {
		if v, ok := lookup(obj, "data."+n); ok {
			return v, true
		}
	}
	return 0, false
}
