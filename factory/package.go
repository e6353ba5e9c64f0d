package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/studio-engine/studio"
)

// TemplateJSON is one catalog entry. Price may be a JSON number or a
// string ("120.50"); decimal keeps the cents exact either way.
type TemplateJSON struct {
	ID              string          `json:"id" validate:"required"`
	Name            string          `json:"name" validate:"required"`
	Category        string          `json:"category" validate:"required,oneof=group private"`
	ClassesIncluded int             `json:"classes_included" validate:"gte=0"`
	ValidityMonths  int             `json:"validity_months" validate:"gte=1,lte=999"`
	Unlimited       FlexBool        `json:"unlimited,omitempty"`
	Price           decimal.Decimal `json:"price"`
}

func (tj TemplateJSON) Template() studio.PackageTemplate {
	return studio.PackageTemplate{
		ID:              studio.TemplateID(tj.ID),
		Name:            tj.Name,
		Category:        studio.Category(tj.Category),
		ClassesIncluded: tj.ClassesIncluded,
		ValidityMonths:  tj.ValidityMonths,
		Unlimited:       bool(tj.Unlimited),
		Price:           tj.Price,
	}
}

// ParseCatalog reads a JSON array of templates.
func ParseCatalog(data []byte) ([]studio.PackageTemplate, error) {
	var entries []TemplateJSON
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	out := make([]studio.PackageTemplate, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		if seen[e.ID] {
			return nil, fmt.Errorf("catalog entry %d: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = true
		out = append(out, e.Template())
	}
	return out, nil
}

// TemplateSaver is the engine surface LoadCatalog needs.
type TemplateSaver interface {
	SaveTemplate(ctx context.Context, t studio.PackageTemplate) (*studio.PackageTemplate, error)
}

// LoadCatalog parses data and saves every template. It stops at the
// first template the engine rejects.
func LoadCatalog(ctx context.Context, engine TemplateSaver, data []byte) (int, error) {
	templates, err := ParseCatalog(data)
	if err != nil {
		return 0, err
	}
	for i, t := range templates {
		if _, err := engine.SaveTemplate(ctx, t); err != nil {
			return i, fmt.Errorf("template %s: %w", t.ID, err)
		}
	}
	return len(templates), nil
}
