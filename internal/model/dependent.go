package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// DependentKind names a kind of record that hangs off a registration.
type DependentKind string

const (
	KindDeviceVariant   DependentKind = "device_variant"
	KindInsuranceCode   DependentKind = "insurance_code"
	KindProcurementItem DependentKind = "procurement_item"
)

// Valid reports whether k is a known kind.
func (k DependentKind) Valid() bool {
	switch k {
	case KindDeviceVariant, KindInsuranceCode, KindProcurementItem:
		return true
	}
	return false
}

// Dependent is a record whose identity is its own natural key and which always
// references exactly one registration.
type Dependent struct {
	ID             int64             `json:"id"`
	Kind           DependentKind     `json:"kind"`
	NaturalKey     string            `json:"natural_key"`
	RegistrationID int64             `json:"registration_id"`
	RegistrationNo string            `json:"registration_no"` // cache, see audit
	Attrs          map[string]string `json:"attrs,omitempty"`
	Provenance     FieldProvenance   `json:"provenance,omitempty"`
	CreatedDay     string            `json:"created_day,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// DependentRef identifies a dependent by natural key.
type DependentRef struct {
	Kind       DependentKind `json:"kind"`
	NaturalKey string        `json:"natural_key"`
}

// DependentField encodes a dependent attribute as a conflict field name on the
// owning registration.
func DependentField(kind DependentKind, naturalKey, attr string) string {
	return fmt.Sprintf("dependent:%s:%s:%s", kind, naturalKey, attr)
}

// ParseDependentField is the inverse of DependentField.
func ParseDependentField(field string) (DependentRef, string, bool) {
	rest, ok := strings.CutPrefix(field, "dependent:")
	if !ok {
		return DependentRef{}, "", false
	}
	kind, rest, ok := strings.Cut(rest, ":")
	if !ok {
		return DependentRef{}, "", false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return DependentRef{}, "", false
	}
	return DependentRef{Kind: DependentKind(kind), NaturalKey: rest[:i]}, rest[i+1:], true
}

// MarshalAttrs encodes attrs for storage.
func MarshalAttrs(attrs map[string]string) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, eris.Wrap(err, "model: marshal attrs")
	}
	return b, nil
}

// UnmarshalAttrs decodes stored attrs.
func UnmarshalAttrs(b []byte) (map[string]string, error) {
	attrs := map[string]string{}
	if len(b) == 0 {
		return attrs, nil
	}
	if err := json.Unmarshal(b, &attrs); err != nil {
		return nil, eris.Wrap(err, "model: unmarshal attrs")
	}
	return attrs, nil
}
