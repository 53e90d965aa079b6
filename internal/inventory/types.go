package inventory

import (
	"encoding/json"
	"fmt"
)

// TagIDField is the extra-field key on spool resources that carries the
// device tag id. The bridge reads back exactly what it declares here; a
// drift between the declared key and the read key silently loses data.
const TagIDField = "tag_id"

// Vendor is an inventory vendor resource.
type Vendor struct {
	ID               int      `json:"id"`
	Name             string   `json:"name"`
	EmptySpoolWeight *float64 `json:"empty_spool_weight,omitempty"`
}

// Filament is an inventory filament catalog entry, shared by many spools.
type Filament struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Vendor      *Vendor  `json:"vendor,omitempty"`
	Material    string   `json:"material"`
	ColorHex    string   `json:"color_hex,omitempty"`
	Density     float64  `json:"density"`
	Diameter    float64  `json:"diameter"`
	Weight      *float64 `json:"weight,omitempty"`
	SpoolWeight *float64 `json:"spool_weight,omitempty"`
}

// Spool is one physical spool in the inventory.
type Spool struct {
	ID              int               `json:"id"`
	Filament        Filament          `json:"filament"`
	InitialWeight   float64           `json:"initial_weight"`
	UsedWeight      float64           `json:"used_weight"`
	RemainingWeight float64           `json:"remaining_weight"`
	Comment         string            `json:"comment,omitempty"`
	Archived        bool              `json:"archived"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// TagID returns the decoded device tag id stored on the spool, or "" when
// the spool carries none.
func (s Spool) TagID() string {
	return DecodeExtraValue(s.Extra[TagIDField])
}

// NewSpool is the payload for creating a spool.
type NewSpool struct {
	FilamentID    int               `json:"filament_id"`
	InitialWeight *float64          `json:"initial_weight,omitempty"`
	SpoolWeight   *float64          `json:"spool_weight,omitempty"`
	UsedWeight    *float64          `json:"used_weight,omitempty"`
	Comment       string            `json:"comment,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// SpoolPatch is a partial update for a spool. Nil fields are left alone.
type SpoolPatch struct {
	FilamentID *int              `json:"filament_id,omitempty"`
	UsedWeight *float64          `json:"used_weight,omitempty"`
	Comment    *string           `json:"comment,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// FilamentSpec describes the filament to find or create.
type FilamentSpec struct {
	VendorID    int
	Name        string
	Material    string
	ColorHex    string
	Weight      *float64
	SpoolWeight *float64
	Density     float64
	Diameter    float64
}

// ExtraField is an extra-field schema declaration on an entity type.
type ExtraField struct {
	Key       string `json:"key,omitempty"`
	Name      string `json:"name"`
	FieldType string `json:"field_type"`
	Order     int    `json:"order,omitempty"`
}

// APIError is a non-2xx response from the inventory.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inventory: HTTP %d: %s", e.Status, e.Body)
}

// IsClientError reports a 4xx status: the request is wrong and retrying
// it unchanged will not help.
func (e *APIError) IsClientError() bool { return e.Status >= 400 && e.Status < 500 }

// IsServerError reports a 5xx status, worth a bounded retry.
func (e *APIError) IsServerError() bool { return e.Status >= 500 }

// IsConflict reports a creation race lost to a concurrent writer.
func (e *APIError) IsConflict() bool { return e.Status == 409 }

// EncodeExtra JSON-encodes extra-field values. The inventory validates
// each value with a JSON parse, so "A1" must travel as "\"A1\"".
func EncodeExtra(extra map[string]string) map[string]string {
	if extra == nil {
		return nil
	}
	encoded := make(map[string]string, len(extra))
	for k, v := range extra {
		b, _ := json.Marshal(v)
		encoded[k] = string(b)
	}
	return encoded
}

// DecodeExtraValue reverses EncodeExtra for one value, tolerating plain
// unencoded strings.
func DecodeExtraValue(value string) string {
	if value == "" {
		return ""
	}
	var s string
	if err := json.Unmarshal([]byte(value), &s); err == nil {
		return s
	}
	return value
}
