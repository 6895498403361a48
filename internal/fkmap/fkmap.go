// Package fkmap is the declarative registry of inbound foreign-key edges per
// entity kind. The merge and revert engines are driven entirely by this table:
// supporting a new referencing table means adding an entry here, never a code
// branch.
package fkmap

import "github.com/imobcrm/geodedup/internal/model"

// IDKind is the SQL type of the referenced id, used to cast bind parameters.
type IDKind string

const (
	IDInt  IDKind = "int"
	IDUUID IDKind = "uuid"
)

// ForeignKey describes one inbound FK edge: rows of Table whose Column equals
// an absorbed member id get redirected to the canonical member.
type ForeignKey struct {
	Table    string
	Column   string
	IDKind   IDKind
	PKColumn string // primary key of the referencing table; "" means "id"
}

// PK returns the referencing table's primary-key column.
func (fk ForeignKey) PK() string {
	if fk.PKColumn == "" {
		return "id"
	}
	return fk.PKColumn
}

// Cast returns the SQL cast suffix for bind parameters against this edge.
func (fk ForeignKey) Cast() string {
	if fk.IDKind == IDUUID {
		return "::uuid"
	}
	return "::int"
}

// inbound maps each entity kind to every CRM table that references it.
// customer_addresses keys rows by customer, not by a surrogate id, hence the
// PKColumn override.
var inbound = map[model.EntityKind][]ForeignKey{
	model.KindCity: {
		{Table: "neighborhoods", Column: "city_id", IDKind: IDInt},
		{Table: "customers", Column: "city_id", IDKind: IDInt},
		{Table: "properties", Column: "city_id", IDKind: IDInt},
		{Table: "leads", Column: "city_id", IDKind: IDInt},
	},
	model.KindNeighborhood: {
		{Table: "streets", Column: "neighborhood_id", IDKind: IDInt},
		{Table: "customers", Column: "neighborhood_id", IDKind: IDInt},
		{Table: "properties", Column: "neighborhood_id", IDKind: IDInt},
	},
	model.KindStreet: {
		{Table: "condos", Column: "street_id", IDKind: IDInt},
		{Table: "properties", Column: "street_id", IDKind: IDInt},
		{Table: "customer_addresses", Column: "street_id", IDKind: IDInt, PKColumn: "customer_id"},
	},
	model.KindCondo: {
		{Table: "properties", Column: "condo_id", IDKind: IDUUID},
		{Table: "leads", Column: "condo_id", IDKind: IDUUID},
	},
}

// For returns the inbound FK edges for a kind. The returned slice is shared
// and must not be mutated.
func For(kind model.EntityKind) []ForeignKey {
	return inbound[kind]
}

// Edge looks up the declared edge for a referencing table/column pair. The
// revert engine needs it to recover the pk column and cast from logged table
// names.
func Edge(table, column string) (ForeignKey, bool) {
	for _, edges := range inbound {
		for _, fk := range edges {
			if fk.Table == table && fk.Column == column {
				return fk, true
			}
		}
	}
	return ForeignKey{}, false
}
