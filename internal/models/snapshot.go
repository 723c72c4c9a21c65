package models

import "time"

// ModelSnapshot is one check attempt. ErrorMessage == nil marks a successful
// observation; ModelsFetched is false for checkin-only runs.
type ModelSnapshot struct {
	ID            int64     `json:"id"`
	SiteID        int64     `json:"siteId"`
	Models        []Model   `json:"models"`
	Hash          string    `json:"hash"`
	ModelsFetched bool      `json:"modelsFetched"`
	FetchedAt     time.Time `json:"fetchedAt"`
	RawResponse   string    `json:"rawResponse,omitempty"`
	ErrorMessage  *string   `json:"errorMessage,omitempty"`
	HTTPStatus    *int      `json:"httpStatus,omitempty"`
	LatencyMS     *int64    `json:"latencyMs,omitempty"`

	BillingLimit *float64 `json:"billingLimit,omitempty"`
	BillingUsage *float64 `json:"billingUsage,omitempty"`
	BillingError *string  `json:"billingError,omitempty"`

	CheckInSuccess *bool    `json:"checkInSuccess,omitempty"`
	CheckInMessage *string  `json:"checkInMessage,omitempty"`
	CheckInQuota   *float64 `json:"checkInQuota,omitempty"`
	CheckInError   *string  `json:"checkInError,omitempty"`
}

func (s *ModelSnapshot) Succeeded() bool { return s.ErrorMessage == nil }

// CheckInResult returns the recorded check-in outcome, or nil when the
// snapshot carries none.
func (s *ModelSnapshot) CheckInResult() *CheckInResult {
	if s.CheckInSuccess == nil {
		return nil
	}
	r := &CheckInResult{Success: *s.CheckInSuccess, Quota: s.CheckInQuota}
	if s.CheckInMessage != nil {
		r.Message = *s.CheckInMessage
	}
	if s.CheckInError != nil {
		r.Error = *s.CheckInError
	}
	return r
}

func (s *ModelSnapshot) SetCheckIn(r *CheckInResult) {
	if r == nil {
		return
	}
	s.CheckInSuccess = &r.Success
	if r.Message != "" {
		s.CheckInMessage = &r.Message
	}
	s.CheckInQuota = r.Quota
	if r.Error != "" {
		s.CheckInError = &r.Error
	}
}

type ModelDiff struct {
	ID             int64     `json:"id"`
	SiteID         int64     `json:"siteId"`
	Added          []Model   `json:"added"`
	Removed        []Model   `json:"removed"`
	Changed        []Model   `json:"changed"`
	FromSnapshotID int64     `json:"fromSnapshotId"`
	ToSnapshotID   int64     `json:"toSnapshotId"`
	DiffedAt       time.Time `json:"diffedAt"`
}

type DiffResult struct {
	Added   []Model `json:"added"`
	Removed []Model `json:"removed"`
	Changed []Model `json:"changed"`
}

func (d DiffResult) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0
}

type CheckInResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Quota   *float64 `json:"quota,omitempty"`
	Error   string   `json:"error,omitempty"`
}
