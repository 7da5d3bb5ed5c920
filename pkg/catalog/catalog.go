// Package catalog holds the static inspection checklist: ordered categories
// of ordered items. The catalog is read-only once loaded.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"bmsreport/pkg/domain"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type Item struct {
	ID         string `yaml:"id" json:"id"`
	Name       string `yaml:"name" json:"name"`
	CategoryID string `yaml:"-" json:"categoryId"`
}

type Category struct {
	ID         string `yaml:"id" json:"id"`
	Title      string `yaml:"title" json:"title"`
	Preventive bool   `yaml:"preventive" json:"preventive"`
	Items      []Item `yaml:"items" json:"items"`
}

// AllowedConditions lists the answers an item of this category accepts.
func (c Category) AllowedConditions() []domain.Condition {
	if c.Preventive {
		return []domain.Condition{domain.ConditionOK, domain.ConditionNotOK}
	}
	return []domain.Condition{domain.ConditionGood, domain.ConditionDamaged, domain.ConditionAbsent}
}

// Allows reports whether cond is a valid answer for this category.
func (c Category) Allows(cond domain.Condition) bool {
	for _, allowed := range c.AllowedConditions() {
		if allowed == cond {
			return true
		}
	}
	return false
}

func (c Category) clone() Category {
	out := c
	out.Items = append([]Item(nil), c.Items...)
	return out
}

type Catalog struct {
	categories []Category
	byCategory map[string]int
	byItem     map[string]Item
}

type document struct {
	Categories []Category `yaml:"categories"`
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
)

// Default returns the built-in catalog. It is parsed once per process.
func Default() *Catalog {
	defaultOnce.Do(func() {
		cat, err := Load(defaultCatalog)
		if err != nil {
			panic(fmt.Sprintf("catalog: embedded catalog is invalid: %v", err))
		}
		defaultCat = cat
	})
	return defaultCat
}

// Load parses and validates a YAML catalog document.
func Load(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(doc.Categories) == 0 {
		return nil, errors.New("catalog has no categories")
	}
	cat := &Catalog{
		byCategory: make(map[string]int, len(doc.Categories)),
		byItem:     make(map[string]Item),
	}
	for i, c := range doc.Categories {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			return nil, fmt.Errorf("category %d has no id", i)
		}
		if _, dup := cat.byCategory[c.ID]; dup {
			return nil, fmt.Errorf("duplicate category %q", c.ID)
		}
		if len(c.Items) == 0 {
			return nil, fmt.Errorf("category %q has no items", c.ID)
		}
		for j := range c.Items {
			item := &c.Items[j]
			item.ID = strings.TrimSpace(item.ID)
			if !strings.HasPrefix(item.ID, c.ID) || len(item.ID) == len(c.ID) {
				return nil, fmt.Errorf("item %q must be prefixed by category %q", item.ID, c.ID)
			}
			if _, dup := cat.byItem[item.ID]; dup {
				return nil, fmt.Errorf("duplicate item %q", item.ID)
			}
			item.CategoryID = c.ID
			cat.byItem[item.ID] = *item
		}
		cat.byCategory[c.ID] = len(cat.categories)
		cat.categories = append(cat.categories, c)
	}
	return cat, nil
}

// Categories returns all categories in display order.
func (c *Catalog) Categories() []Category {
	out := make([]Category, len(c.categories))
	for i, cat := range c.categories {
		out[i] = cat.clone()
	}
	return out
}

func (c *Catalog) Category(id string) (Category, bool) {
	idx, ok := c.byCategory[id]
	if !ok {
		return Category{}, false
	}
	return c.categories[idx].clone(), true
}

func (c *Catalog) Item(id string) (Item, bool) {
	item, ok := c.byItem[id]
	return item, ok
}

// CategoryOf returns the category owning itemID.
func (c *Catalog) CategoryOf(itemID string) (Category, bool) {
	item, ok := c.byItem[itemID]
	if !ok {
		return Category{}, false
	}
	return c.Category(item.CategoryID)
}

// PreventiveIDs lists the ids of categories subject to the cooldown window.
func (c *Catalog) PreventiveIDs() []string {
	var ids []string
	for _, cat := range c.categories {
		if cat.Preventive {
			ids = append(ids, cat.ID)
		}
	}
	return ids
}

// Order returns the position of itemID in checklist order, or -1.
func (c *Catalog) Order(itemID string) int {
	item, ok := c.byItem[itemID]
	if !ok {
		return -1
	}
	pos := 0
	for _, cat := range c.categories {
		for _, it := range cat.Items {
			if it.ID == item.ID {
				return pos
			}
			pos++
		}
	}
	return -1
}
