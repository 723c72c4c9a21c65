package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go-modelwatch/internal/models"
)

// gatewayAdapter covers the New API family. Billing comes from
// /api/user/self in quota units; quota is the remaining balance.
type gatewayAdapter struct {
	c          caller
	owner      string
	modelsPath string
	userHeader string
}

func (a *gatewayAdapter) headers(site *models.Site, creds Credentials) (map[string]string, error) {
	h := map[string]string{"Authorization": bearer(creds.APIKey)}
	if a.userHeader != "" {
		if strings.TrimSpace(site.UserID) == "" {
			return nil, &ConfigError{Variant: a.owner, Field: "userId"}
		}
		h[a.userHeader] = site.UserID
	}
	return h, nil
}

func (a *gatewayAdapter) FetchModels(ctx context.Context, site *models.Site, creds Credentials) (*ModelList, error) {
	h, err := a.headers(site, creds)
	if err != nil {
		return nil, err
	}
	return fetchModelList(ctx, a.c, joinURL(site.BaseURL, a.modelsPath), h, a.owner)
}

type gatewayEnvelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (a *gatewayAdapter) FetchBilling(ctx context.Context, site *models.Site, creds Credentials) (*Billing, error) {
	h, err := a.headers(site, creds)
	if err != nil {
		return nil, err
	}
	url := joinURL(site.BaseURL, "/api/user/self")
	resp, err := a.c.do(ctx, http.MethodGet, url, h, BillingTimeout)
	if err != nil {
		return nil, err
	}
	var env gatewayEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, malformed(url, resp, err)
	}
	if env.Success != nil && !*env.Success {
		return nil, malformed(url, resp, errors.New(env.Message))
	}
	var self struct {
		Quota     json.RawMessage `json:"quota"`
		UsedQuota json.RawMessage `json:"used_quota"`
	}
	if err := json.Unmarshal(env.Data, &self); err != nil {
		return nil, malformed(url, resp, err)
	}
	remaining, ok := number(self.Quota)
	if !ok {
		return nil, malformed(url, resp, errors.New(`missing "quota"`))
	}
	used, _ := number(self.UsedQuota)
	return &Billing{
		Limit: (remaining + used) / quotaPerUnit,
		Usage: used / quotaPerUnit,
	}, nil
}

type checkInGateway struct {
	gatewayAdapter
	checkInPath string
}

func (a *checkInGateway) FetchCheckIn(ctx context.Context, site *models.Site, creds Credentials) (*models.CheckInResult, error) {
	h, err := a.headers(site, creds)
	if err != nil {
		return nil, err
	}
	url := joinURL(site.BaseURL, a.checkInPath)
	resp, err := a.c.do(ctx, http.MethodPost, url, h, CheckInTimeout)
	if err != nil {
		var fe *FetchError
		// Non-2xx replies still carry a JSON verdict worth recording.
		if !errors.As(err, &fe) || fe.Kind != KindUpstreamHTTP || resp == nil {
			return nil, err
		}
	}
	return parseCheckIn(url, resp)
}

func parseCheckIn(url string, resp *response) (*models.CheckInResult, error) {
	var env struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
		Quota   json.RawMessage `json:"quota"`
	}
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		fe := malformed(url, resp, err)
		fe.Body = truncate(fe.Body, 200)
		return nil, fe
	}
	r := &models.CheckInResult{Success: env.Success, Message: env.Message}
	quota, ok := number(env.Quota)
	if !ok && len(env.Data) > 0 {
		var data struct {
			Quota json.RawMessage `json:"quota"`
		}
		if json.Unmarshal(env.Data, &data) == nil {
			quota, ok = number(data.Quota)
		}
	}
	if ok {
		q := quota / quotaPerUnit
		r.Quota = &q
	}
	if !r.Success {
		r.Error = env.Message
		if r.Error == "" {
			r.Error = "check-in rejected"
		}
	}
	return r, nil
}
