package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go-modelwatch/internal/diff"
	"go-modelwatch/internal/models"
)

// parseModels accepts {"data": [...]} or a bare array, whose elements are
// either model IDs or model objects.
func parseModels(body []byte, owner string) ([]models.Model, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		var wrapped struct {
			Data    json.RawMessage `json:"data"`
			Success *bool           `json:"success"`
			Message string          `json:"message"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, err
		}
		if wrapped.Success != nil && !*wrapped.Success {
			return nil, fmt.Errorf("gateway refused request: %s", wrapped.Message)
		}
		if len(wrapped.Data) == 0 {
			return nil, errors.New(`missing "data" array`)
		}
		if err := json.Unmarshal(wrapped.Data, &items); err != nil {
			return nil, fmt.Errorf(`"data" is not an array: %w`, err)
		}
	}

	out := make([]models.Model, 0, len(items))
	for _, raw := range items {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil {
			if id != "" {
				out = append(out, models.Model{ID: id, Object: "model", OwnedBy: owner})
			}
			continue
		}
		var obj struct {
			ID      string          `json:"id"`
			OwnedBy string          `json:"owned_by"`
			Created json.RawMessage `json:"created"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("unexpected model entry %s", truncate(string(raw), 80))
		}
		if obj.ID == "" {
			continue
		}
		m := models.Model{ID: obj.ID, Object: "model", OwnedBy: obj.OwnedBy}
		if m.OwnedBy == "" {
			m.OwnedBy = owner
		}
		if n, ok := number(obj.Created); ok {
			m.Created = int64(n)
		}
		out = append(out, m)
	}
	return diff.Canonical(out), nil
}

// number reads a JSON number or a numeric string.
func number(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// lookup resolves "a" or "a.b" in a decoded JSON object.
func lookup(obj map[string]any, path string) (float64, bool) {
	head, tail, nested := strings.Cut(path, ".")
	v, ok := obj[head]
	if !ok {
		return 0, false
	}
	if nested {
		inner, ok := v.(map[string]any)
		if !ok {
			return 0, false
		}
		v, ok = inner[tail]
		if !ok {
			return 0, false
		}
	}
	return toNumber(v)
}
