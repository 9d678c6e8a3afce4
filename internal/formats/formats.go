// Package formats is the single source of truth for which file formats each
// platform is asked for and how each format is labelled when republished.
package formats

import (
	"strings"

	"stokbro/internal/models"
)

// CatalogVersion is bumped whenever the default format lists or the MIME
// table change, so stored records can be traced to the catalog that issued them.
const CatalogVersion = 2

// DefaultContentType is used for formats missing from the MIME table
const DefaultContentType = "application/octet-stream"

var defaultFormats = map[models.Platform][]models.Format{
	models.Freepik:  {"eps", "jpg", "png", "svg", "psd"},
	models.Flaticon: {"png", "svg", "eps", "gif"},
}

var contentTypes = map[string]string{
	"eps":  "application/postscript",
	"ai":   "application/postscript",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"svg":  "image/svg+xml",
	"gif":  "image/gif",
}

// Catalog holds the ordered format list per platform
type Catalog struct {
	formats map[models.Platform][]models.Format
}

// NewCatalog builds a catalog from the defaults, replacing a platform's list
// with the matching override when one is non-empty.
func NewCatalog(overrides map[models.Platform][]string) *Catalog {
	c := &Catalog{formats: make(map[models.Platform][]models.Format, len(defaultFormats))}
	for p, list := range defaultFormats {
		c.formats[p] = append([]models.Format(nil), list...)
	}

	for p, raw := range overrides {
		list := make([]models.Format, 0, len(raw))
		seen := make(map[models.Format]bool, len(raw))
		for _, s := range raw {
			f := models.Format(strings.ToLower(strings.TrimSpace(s)))
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			list = append(list, f)
		}
		if len(list) > 0 {
			c.formats[p] = list
		}
	}

	return c
}

// For returns the ordered format list for a platform. The slice is a copy.
func (c *Catalog) For(p models.Platform) []models.Format {
	return append([]models.Format(nil), c.formats[p]...)
}

// Max returns the largest number of formats any single batch for p can request
func (c *Catalog) Max(p models.Platform) int {
	return len(c.formats[p])
}

// Default returns the first declared format for a platform
func (c *Catalog) Default(p models.Platform) models.Format {
	list := c.formats[p]
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

// ContentType maps a format token to its MIME type
func ContentType(f models.Format) string {
	if ct, ok := contentTypes[strings.ToLower(string(f))]; ok {
		return ct
	}
	return DefaultContentType
}
