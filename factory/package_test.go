package factory_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/factory"
	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/studio/store"
)

const catalog = `[
	{"id": "ten-group", "name": "10 Group Classes", "category": "group", "classes_included": 10, "validity_months": 1, "price": "120.50"},
	{"id": "unlimited", "name": "Unlimited", "category": "group", "classes_included": 0, "validity_months": 1, "unlimited": "1", "price": 199},
	{"id": "pt-5", "name": "5 Private Sessions", "category": "private", "classes_included": 5, "validity_months": 3, "price": 300}
]`

func TestParseCatalog(t *testing.T) {
	templates, err := factory.ParseCatalog([]byte(catalog))
	require.NoError(t, err)
	require.Len(t, templates, 3)

	assert.Equal(t, studio.TemplateID("ten-group"), templates[0].ID)
	assert.True(t, templates[0].Price.Equal(decimal.RequireFromString("120.5")))
	assert.True(t, templates[1].Unlimited)
	assert.Equal(t, studio.CategoryPrivate, templates[2].Category)
	assert.Equal(t, 3, templates[2].ValidityMonths)
}

func TestParseCatalog_DuplicateID(t *testing.T) {
	_, err := factory.ParseCatalog([]byte(`[{"id":"a"},{"id":"a"}]`))
	assert.ErrorContains(t, err, "duplicate")
}

func TestLoadCatalog(t *testing.T) {
	ctx := context.Background()
	engine := studio.New(store.NewMemory())

	n, err := factory.LoadCatalog(ctx, engine, []byte(catalog))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tmpl, err := engine.GetTemplate(ctx, "pt-5")
	require.NoError(t, err)
	assert.Equal(t, 5, tmpl.ClassesIncluded)
}

func TestLoadCatalog_StopsOnInvalid(t *testing.T) {
	ctx := context.Background()
	engine := studio.New(store.NewMemory())

	n, err := factory.LoadCatalog(ctx, engine, []byte(`[
		{"id": "ok", "name": "OK", "category": "group", "classes_included": 1, "validity_months": 1},
		{"id": "bad", "name": "Bad", "category": "group", "classes_included": 1, "validity_months": 0}
	]`))
	assert.Equal(t, 1, n)
	assert.True(t, studio.IsValidation(err))
}
