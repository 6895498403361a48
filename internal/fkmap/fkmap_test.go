package fkmap

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/imobcrm/geodedup/internal/model"
)

func TestFor_EveryKindHasEdges(t *testing.T) {
	for _, kind := range model.AllKinds() {
		assert.NotEmpty(t, For(kind), "kind %s should have inbound FK edges", kind)
	}
}

func TestPK_DefaultsToID(t *testing.T) {
	fk := ForeignKey{Table: "properties", Column: "city_id", IDKind: IDInt}
	assert.Equal(t, "id", fk.PK())
}

func TestPK_Override(t *testing.T) {
	var addr *ForeignKey
	for _, fk := range For(model.KindStreet) {
		if fk.Table == "customer_addresses" {
			addr = &fk
			break
		}
	}
	if assert.NotNil(t, addr, "customer_addresses edge should exist") {
		assert.Equal(t, "customer_id", addr.PK())
	}
}

func TestCast(t *testing.T) {
	assert.Equal(t, "::int", ForeignKey{IDKind: IDInt}.Cast())
	assert.Equal(t, "::uuid", ForeignKey{IDKind: IDUUID}.Cast())
}

func TestCondoEdgesAreUUID(t *testing.T) {
	for _, fk := range For(model.KindCondo) {
		assert.Equal(t, IDUUID, fk.IDKind, "condo edge %s.%s", fk.Table, fk.Column)
	}
}
