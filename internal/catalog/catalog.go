// Package catalog holds the fixed option lists shown by the forms: brands,
// models with their model years, damageable parts and registration provinces.
package catalog

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

type Model struct {
	Name  string `yaml:"name"`
	Image string `yaml:"image"`
	Years []int  `yaml:"years"`
}

type Part struct {
	Value string `yaml:"value"`
	Label string `yaml:"label"`
}

type Province struct {
	Value  string `yaml:"value"`
	NameTH string `yaml:"name_th"`
}

type Catalog struct {
	Brands    []string   `yaml:"brands"`
	Models    []Model    `yaml:"models"`
	Parts     []Part     `yaml:"parts"`
	Provinces []Province `yaml:"provinces"`
}

// Parse decodes a catalog document and checks it is usable.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	if len(c.Parts) == 0 {
		return nil, fmt.Errorf("catalog has no parts")
	}
	for _, m := range c.Models {
		if len(m.Years) == 0 {
			return nil, fmt.Errorf("catalog model %q has no years", m.Name)
		}
	}
	return &c, nil
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
)

// Default returns the embedded catalog. It panics if the embedded document is
// invalid, which the package tests guard against.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(catalogYAML)
		if err != nil {
			panic(err)
		}
		defaultCat = c
	})
	return defaultCat
}

func (c *Catalog) model(name string) *Model {
	for i := range c.Models {
		if c.Models[i].Name == name {
			return &c.Models[i]
		}
	}
	return nil
}

func (c *Catalog) HasBrand(name string) bool {
	for _, b := range c.Brands {
		if b == name {
			return true
		}
	}
	return false
}

func (c *Catalog) HasModel(name string) bool {
	return c.model(name) != nil
}

// Years lists the model years offered for model, newest first.
func (c *Catalog) Years(model string) []int {
	if m := c.model(model); m != nil {
		return m.Years
	}
	return nil
}

// DefaultYear is the year preselected when model is chosen.
func (c *Catalog) DefaultYear(model string) (int, bool) {
	years := c.Years(model)
	if len(years) == 0 {
		return 0, false
	}
	return years[0], true
}

// HasYear reports whether year is offered for model.
func (c *Catalog) HasYear(model string, year int) bool {
	for _, y := range c.Years(model) {
		if y == year {
			return true
		}
	}
	return false
}

// ModelImage returns the image file name for model, or "" when none exists.
func (c *Catalog) ModelImage(model string) string {
	if m := c.model(model); m != nil {
		return m.Image
	}
	return ""
}

func (c *Catalog) HasPart(value string) bool {
	_, ok := c.PartLabel(value)
	return ok
}

func (c *Catalog) PartLabel(value string) (string, bool) {
	for _, p := range c.Parts {
		if p.Value == value {
			return p.Label, true
		}
	}
	return "", false
}

// AvailableParts returns the parts not present in used, in catalog order.
func (c *Catalog) AvailableParts(used map[string]bool) []Part {
	var out []Part
	for _, p := range c.Parts {
		if !used[p.Value] {
			out = append(out, p)
		}
	}
	return out
}

func (c *Catalog) HasProvince(value string) bool {
	for _, p := range c.Provinces {
		if p.Value == value {
			return true
		}
	}
	return false
}
