// Package diff hashes canonical model lists and computes presence changes
// between two observations.
package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"go-modelwatch/internal/models"
)

// Canonical returns a copy sorted ascending by ID.
func Canonical(list []models.Model) []models.Model {
	out := make([]models.Model, len(list))
	copy(out, list)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ComputeHash is the hex SHA-256 of the canonical JSON encoding.
func ComputeHash(list []models.Model) string {
	canon := Canonical(list)
	if canon == nil {
		canon = []models.Model{}
	}
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ComputeDiff treats both lists as sets keyed by ID. Changed is always empty:
// only presence is tracked.
func ComputeDiff(prev, next []models.Model) models.DiffResult {
	before := make(map[string]struct{}, len(prev))
	for _, m := range prev {
		before[m.ID] = struct{}{}
	}
	after := make(map[string]struct{}, len(next))
	for _, m := range next {
		after[m.ID] = struct{}{}
	}

	res := models.DiffResult{Added: []models.Model{}, Removed: []models.Model{}, Changed: []models.Model{}}
	for _, m := range Canonical(next) {
		if _, ok := before[m.ID]; !ok {
			res.Added = append(res.Added, m)
		}
	}
	for _, m := range Canonical(prev) {
		if _, ok := after[m.ID]; !ok {
			res.Removed = append(res.Removed, m)
		}
	}
	return res
}

// CheckInTransition reports whether the current check-in outcome differs from
// the last recorded one.
func CheckInTransition(prev, cur *models.CheckInResult) bool {
	if cur == nil {
		return false
	}
	if prev == nil {
		return true
	}
	if prev.Success != cur.Success {
		return true
	}
	return !cur.Success && failureText(cur) != failureText(prev)
}

func failureText(r *models.CheckInResult) string {
	if r.Error != "" {
		return r.Error
	}
	return r.Message
}
