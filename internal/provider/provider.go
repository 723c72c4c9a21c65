// Package provider talks to API-aggregation gateways and normalizes their
// model listings, billing figures and check-in replies.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go-modelwatch/internal/models"
)

// quotaPerUnit is how many gateway quota units make one currency unit.
const quotaPerUnit = 500000

// Credentials are the decrypted secrets of a site, valid for one check.
type Credentials struct {
	APIKey      string
	BillingAuth string
}

type ModelList struct {
	Models  []models.Model
	Raw     string
	Status  int
	Elapsed time.Duration
}

type Billing struct {
	Limit float64
	Usage float64
}

type Adapter interface {
	FetchModels(ctx context.Context, site *models.Site, creds Credentials) (*ModelList, error)
	FetchBilling(ctx context.Context, site *models.Site, creds Credentials) (*Billing, error)
}

// CheckInAdapter is implemented by variants with a daily check-in endpoint.
type CheckInAdapter interface {
	FetchCheckIn(ctx context.Context, site *models.Site, creds Credentials) (*models.CheckInResult, error)
}

type Registry struct {
	adapters map[models.APIType]Adapter
}

func NewRegistry(hc *http.Client) *Registry {
	if hc == nil {
		hc = NewHTTPClient()
	}
	c := caller{hc: hc}
	openai := &openAIAdapter{c: c, owner: "openai"}
	return &Registry{adapters: map[models.APIType]Adapter{
		models.APITypeOpenAI: openai,
		models.APITypeNewAPI: &gatewayAdapter{c: c, owner: "newapi",
			modelsPath: "/api/user/models", userHeader: "New-Api-User"},
		models.APITypeVeloera: &checkInGateway{gatewayAdapter{c: c, owner: "veloera",
			modelsPath: "/api/user/models", userHeader: "Veloera-User"}, "/api/user/check_in"},
		models.APITypeDoneHub: &gatewayAdapter{c: c, owner: "donehub", modelsPath: "/v1/models"},
		models.APITypeVoAPI:   &gatewayAdapter{c: c, owner: "voapi", modelsPath: "/v1/models"},
		models.APITypeOther:   &customAdapter{c: c, fallback: &openAIAdapter{c: c, owner: "unknown"}},
	}}
}

func (r *Registry) For(t models.APIType) (Adapter, error) {
	a, ok := r.adapters[t]
	if !ok {
		return nil, fmt.Errorf("unknown api type %q", t)
	}
	return a, nil
}

// SupportsCheckIn reports whether the variant has a check-in endpoint.
func (r *Registry) SupportsCheckIn(t models.APIType) bool {
	_, ok := r.adapters[t].(CheckInAdapter)
	return ok
}
