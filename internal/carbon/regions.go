// Package carbon normalizes raw carbon metrics into models.CarbonMeta.
package carbon

import "strings"

// Region is a compute region and its share of carbon-free energy.
type Region struct {
	ID         string  `yaml:"id" json:"id"`
	Name       string  `yaml:"name" json:"name"`
	CFEPercent float64 `yaml:"cfe_percent" json:"cfe_percent"`
}

// DefaultCFEPercent is used for regions missing from the table.
const DefaultCFEPercent = 50.0

// Regions is the region table used for CFE lookups and simulated routing.
var Regions = []Region{
	{ID: "europe-north1", Name: "Finland", CFEPercent: 97},
	{ID: "europe-west9", Name: "Paris", CFEPercent: 94},
	{ID: "us-west1", Name: "Oregon", CFEPercent: 89},
	{ID: "northamerica-northeast1", Name: "Montréal", CFEPercent: 99},
	{ID: "us-central1", Name: "Iowa", CFEPercent: 94},
	{ID: "europe-west4", Name: "Netherlands", CFEPercent: 69},
	{ID: "us-east4", Name: "N. Virginia", CFEPercent: 60},
	{ID: "asia-northeast1", Name: "Tokyo", CFEPercent: 17},
}

// CFEForRegion returns the clean-energy percentage for a region id.
func CFEForRegion(id string) float64 {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, r := range Regions {
		if r.ID == id {
			return r.CFEPercent
		}
	}
	return DefaultCFEPercent
}

// KnownRegion reports whether id is in the region table.
func KnownRegion(id string) bool {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, r := range Regions {
		if r.ID == id {
			return true
		}
	}
	return false
}
