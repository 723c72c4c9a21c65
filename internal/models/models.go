package models

import (
	"encoding/json"
	"strings"
	"time"
)

type APIType string

const (
	APITypeOpenAI  APIType = "openai"
	APITypeNewAPI  APIType = "newapi"
	APITypeVeloera APIType = "veloera"
	APITypeDoneHub APIType = "donehub"
	APITypeVoAPI   APIType = "voapi"
	APITypeOther   APIType = "other"
)

var APITypes = []APIType{APITypeOpenAI, APITypeNewAPI, APITypeVeloera, APITypeDoneHub, APITypeVoAPI, APITypeOther}

func (t APIType) Valid() bool {
	for _, v := range APITypes {
		if v == t {
			return true
		}
	}
	return false
}

type CheckInMode string

const (
	CheckInModeModelOnly   CheckInMode = "model-only"
	CheckInModeCheckInOnly CheckInMode = "checkin-only"
	CheckInModeBoth        CheckInMode = "both"
)

func (m CheckInMode) Valid() bool {
	return m == CheckInModeModelOnly || m == CheckInModeCheckInOnly || m == CheckInModeBoth
}

const (
	BillingAuthToken  = "token"
	BillingAuthCookie = "cookie"
)

// Site is a monitored gateway. APIKey and BillingAuthValue hold encrypted envelopes.
type Site struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	BaseURL        string  `json:"baseUrl"`
	APIType        APIType `json:"apiType"`
	APIKey         string  `json:"apiKey,omitempty"`
	UserID         string  `json:"userId,omitempty"`
	UnlimitedQuota bool    `json:"unlimitedQuota"`

	BillingURL       string          `json:"billingUrl,omitempty"`
	BillingAuthType  string          `json:"billingAuthType,omitempty"`
	BillingAuthValue string          `json:"billingAuthValue,omitempty"`
	BillingMapping   *BillingMapping `json:"billingMapping,omitempty"`

	CheckInEnabled bool        `json:"checkInEnabled"`
	CheckInMode    CheckInMode `json:"checkInMode"`

	ScheduleCron     string `json:"scheduleCron,omitempty"`
	ScheduleTimezone string `json:"scheduleTimezone,omitempty"`

	LastCheckedAt *time.Time `json:"lastCheckedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (s *Site) HasIndividualSchedule() bool {
	return strings.TrimSpace(s.ScheduleCron) != ""
}

// BillingMapping points at the limit/usage values of a custom billing response.
// Paths are dot separated with at most one level of nesting, e.g. "data.used".
type BillingMapping struct {
	LimitField   string  `json:"limitField,omitempty"`
	UsageField   string  `json:"usageField,omitempty"`
	BalanceField string  `json:"balanceField,omitempty"`
	Ratio        float64 `json:"ratio,omitempty"`
}

func (m *BillingMapping) IsZero() bool {
	return m == nil || (m.LimitField == "" && m.UsageField == "" && m.BalanceField == "" && m.Ratio == 0)
}

// Model is one entry of a canonical model list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Created int64  `json:"created"`
}

func ModelIDs(list []Model) []string {
	ids := make([]string, len(list))
	for i, m := range list {
		ids[i] = m.ID
	}
	return ids
}

type ScheduleConfig struct {
	Enabled            bool       `json:"enabled"`
	Hour               int        `json:"hour"`
	Minute             int        `json:"minute"`
	Timezone           string     `json:"timezone"`
	IntervalSeconds    int        `json:"intervalSeconds"`
	OverrideIndividual bool       `json:"overrideIndividual"`
	LastRunAt          *time.Time `json:"lastRunAt,omitempty"`
}

func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{Hour: 9, Minute: 0, Timezone: "UTC", IntervalSeconds: 5}
}

type EmailConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"apiKey,omitempty"`
	Recipients string `json:"recipients"`
}

// RecipientList accepts a JSON array or a comma/semicolon separated string.
func (e *EmailConfig) RecipientList() []string {
	raw := strings.TrimSpace(e.Recipients)
	if raw == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		list = strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' })
	}
	out := make([]string, 0, len(list))
	for _, r := range list {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

type Backup struct {
	Sites    []Site          `json:"sites"`
	Schedule *ScheduleConfig `json:"schedule,omitempty"`
	Email    *EmailConfig    `json:"email,omitempty"`
}
