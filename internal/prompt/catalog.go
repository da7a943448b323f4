package prompt

import "github.com/roomstudio/roomstudio/internal/models"

// Catalog lists the options offered for each request field. Free values are accepted as well.
type Catalog struct {
	Styles           []string                 `json:"styles"`
	RoomTypes        []string                 `json:"roomTypes"`
	SpaceTypes       []string                 `json:"spaceTypes"`
	Lighting         []string                 `json:"lighting"`
	Furniture        []string                 `json:"furniture"`
	Materials        []string                 `json:"materials"`
	CreativityLevels []models.CreativityLevel `json:"creativityLevels"`
}

var defaultCatalog = Catalog{
	Styles:     []string{"Modern", "Minimalist", "Industrial", "Bohemian", "Scandinavian", "Coastal", "Art Deco"},
	RoomTypes:  []string{"Living Room", "Bedroom", "Kitchen", "Bathroom", "Office", "Dining Room", "Hallway"},
	SpaceTypes: []string{"Apartment", "House", "Loft", "Studio", "Villa", "Office Building"},
	Lighting:   []string{"Natural Daylight", "Cinematic Lighting", "Bright & Airy", "Moody & Dramatic"},
	Furniture:  []string{"Sleek & Minimal", "Comfortable & Plush", "Vintage & Eclectic", "Ornate & Traditional"},
	Materials:  []string{"Wood & Natural Tones", "Metal & Glass", "Rich Fabrics & Textures", "Marble & Stone"},
	CreativityLevels: []models.CreativityLevel{
		models.CreativitySubtle,
		models.CreativityBalanced,
		models.CreativityCreative,
	},
}

// DefaultCatalog returns a copy of the built-in option lists.
func DefaultCatalog() Catalog {
	c := defaultCatalog
	c.Styles = append([]string(nil), c.Styles...)
	c.RoomTypes = append([]string(nil), c.RoomTypes...)
	c.SpaceTypes = append([]string(nil), c.SpaceTypes...)
	c.Lighting = append([]string(nil), c.Lighting...)
	c.Furniture = append([]string(nil), c.Furniture...)
	c.Materials = append([]string(nil), c.Materials...)
	c.CreativityLevels = append([]models.CreativityLevel(nil), c.CreativityLevels...)
	return c
}
