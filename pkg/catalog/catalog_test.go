package catalog

import (
	"strings"
	"testing"

	"bmsreport/pkg/domain"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	cat := Default()
	if cat != Default() {
		t.Fatalf("expected the default catalog to be loaded once")
	}
	cats := cat.Categories()
	if len(cats) == 0 {
		t.Fatalf("expected categories")
	}
	for _, c := range cats {
		for _, item := range c.Items {
			if !strings.HasPrefix(item.ID, c.ID) {
				t.Fatalf("item %s not prefixed by %s", item.ID, c.ID)
			}
			got, ok := cat.CategoryOf(item.ID)
			if !ok || got.ID != c.ID {
				t.Fatalf("CategoryOf(%s) = %s", item.ID, got.ID)
			}
		}
	}
	if len(cat.PreventiveIDs()) == 0 {
		t.Fatalf("expected at least one preventive category")
	}
}

func TestCategoriesReturnsCopies(t *testing.T) {
	cat := Default()
	cats := cat.Categories()
	cats[0].Items[0].Name = "changed"
	again, _ := cat.Category(cats[0].ID)
	if again.Items[0].Name == "changed" {
		t.Fatalf("catalog must not be mutable through returned slices")
	}
}

func TestAllowedConditions(t *testing.T) {
	cat, err := Load([]byte(`
categories:
  - id: A
    title: Building
    items: [{id: A1, name: Wall}]
  - id: P
    title: AC
    preventive: true
    items: [{id: P1, name: Filter}]
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a, _ := cat.Category("A")
	p, _ := cat.Category("P")
	if !a.Allows(domain.ConditionAbsent) || a.Allows(domain.ConditionOK) {
		t.Fatalf("standard category must accept GOOD/DAMAGED/ABSENT only")
	}
	if p.Allows(domain.ConditionAbsent) || !p.Allows(domain.ConditionNotOK) {
		t.Fatalf("preventive category must accept OK/NOT_OK only")
	}
	if cat.Order("P1") != 1 || cat.Order("Z9") != -1 {
		t.Fatalf("unexpected item order")
	}
}

func TestLoadRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"unprefixed": "categories:\n  - id: A\n    items: [{id: B1, name: x}]\n",
		"duplicate":  "categories:\n  - id: A\n    items: [{id: A1, name: x}, {id: A1, name: y}]\n",
		"empty":      "categories: []\n",
		"no items":   "categories:\n  - id: A\n",
	}
	for name, doc := range cases {
		if _, err := Load([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
