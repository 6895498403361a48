// Package model defines the entities the deduplication pipeline operates on.
package model

import "github.com/rotisserie/eris"

// EntityKind identifies one of the four geographic reference tables the
// pipeline deduplicates.
type EntityKind string

const (
	KindCity         EntityKind = "city"
	KindNeighborhood EntityKind = "neighborhood"
	KindStreet       EntityKind = "street"
	KindCondo        EntityKind = "condo"
)

// AllKinds returns the entity kinds in detection order. Parents run before
// children so canonical names exist before child enrichment.
func AllKinds() []EntityKind {
	return []EntityKind{KindCity, KindNeighborhood, KindStreet, KindCondo}
}

// ParseKind converts a string like "city" or "condo" into an EntityKind.
func ParseKind(s string) (EntityKind, error) {
	switch s {
	case "city", "cidade":
		return KindCity, nil
	case "neighborhood", "bairro":
		return KindNeighborhood, nil
	case "street", "rua":
		return KindStreet, nil
	case "condo", "condominio":
		return KindCondo, nil
	default:
		return "", eris.Errorf("unknown entity kind: %q (valid: city, neighborhood, street, condo)", s)
	}
}

// Table returns the host-database table for the kind.
func (k EntityKind) Table() string {
	switch k {
	case KindCity:
		return "cities"
	case KindNeighborhood:
		return "neighborhoods"
	case KindStreet:
		return "streets"
	case KindCondo:
		return "condos"
	default:
		return ""
	}
}

// HasExcludedFlag reports whether the kind's host table carries the
// soft-delete boolean. Cities are authoritative rows and are never excluded.
func (k EntityKind) HasExcludedFlag() bool {
	return k != KindCity
}

// String implements fmt.Stringer.
func (k EntityKind) String() string {
	return string(k)
}
