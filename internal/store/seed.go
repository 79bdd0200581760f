package store

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CatalogSeed is the on-disk format used to bulk load owners and products.
//
//	owners:
//	  - company_name: Acme
//	    domain: acme.io
//	    description: Software for small sales teams
//	    products:
//	      - title: Acme CRM
//	        description: Pipeline and contact management for small sales teams
//	        categories: [crm, sales]
//	        metadata: {pricing: per-seat}
type CatalogSeed struct {
	Owners []SeedOwner `yaml:"owners"`
}

type SeedOwner struct {
	ID          string         `yaml:"id"`
	CompanyName string         `yaml:"company_name"`
	Domain      string         `yaml:"domain"`
	Description string         `yaml:"description"`
	Metadata    map[string]any `yaml:"metadata"`
	Products    []SeedProduct  `yaml:"products"`
}

type SeedProduct struct {
	Title       string         `yaml:"title"`
	Description string         `yaml:"description"`
	Categories  []string       `yaml:"categories"`
	Metadata    map[string]any `yaml:"metadata"`
}

// LoadCatalogSeed reads and checks a seed file.
func LoadCatalogSeed(path string) (*CatalogSeed, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}

	var seed CatalogSeed
	if err := yaml.Unmarshal(content, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	for i, o := range seed.Owners {
		if strings.TrimSpace(o.CompanyName) == "" {
			return nil, fmt.Errorf("seed owner %d: company_name is required", i)
		}
		for j, p := range o.Products {
			if strings.TrimSpace(p.Title) == "" {
				return nil, fmt.Errorf("seed owner %q product %d: title is required", o.CompanyName, j)
			}
		}
	}
	return &seed, nil
}

// ProductCount is the total number of products across owners.
func (s *CatalogSeed) ProductCount() int {
	n := 0
	for _, o := range s.Owners {
		n += len(o.Products)
	}
	return n
}
