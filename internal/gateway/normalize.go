package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jask/clinicbook/internal/database/repository"
)

// collectionKeys lists the payload keys that may hold a store's items, most specific first.
var collectionKeys = map[repository.StoreName][]string{
	repository.StoreClinics:     {"clinics", "clinicList", "clinic"},
	repository.StoreExpenses:    {"expenses", "expenseList", "expense"},
	repository.StorePayments:    {"payments", "paymentList", "payment"},
	repository.StoreClinicNames: {"clinicNameList", "clinicIdNameList", "clinics"},
}

// Entity returns the singular payload key used for a store's records.
func Entity(store repository.StoreName) string {
	switch store {
	case repository.StoreClinics:
		return "clinic"
	case repository.StoreExpenses:
		return "expense"
	case repository.StorePayments:
		return "payment"
	case repository.StoreClinicNames:
		return "clinicName"
	}
	return string(store)
}

// Normalize extracts the items for store from a response body. It accepts flat arrays,
// {"data": ...} envelopes, doubly nested collections such as {"clinics": {"clinics": [...]}}
// and single objects under a singular key. A body naming no collection yields no items.
func Normalize(store repository.StoreName, body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	return normalize(store, body, 0)
}

func normalize(store repository.StoreName, raw json.RawMessage, depth int) ([]json.RawMessage, error) {
	if depth > 4 {
		return nil, nil
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("normalize %s: %w", store, err)
		}
		return items, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("normalize %s: %w", store, err)
		}
		for _, key := range collectionKeys[store] {
			if v, ok := obj[key]; ok && !isNull(v) {
				if isEntity(v) {
					return []json.RawMessage{v}, nil
				}
				return normalize(store, v, depth+1)
			}
		}
		if v, ok := obj["data"]; ok && !isNull(v) {
			if isEntity(v) {
				return []json.RawMessage{v}, nil
			}
			return normalize(store, v, depth+1)
		}
		if isEntity(raw) {
			return []json.RawMessage{raw}, nil
		}
		return nil, nil
	}
	return nil, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// isEntity reports whether v is an object carrying an id.
func isEntity(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || v[0] != '{' {
		return false
	}
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(v, &probe); err != nil {
		return false
	}
	return len(probe.ID) > 0 && !isNull(probe.ID)
}
