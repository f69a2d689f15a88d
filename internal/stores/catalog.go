// Package stores holds the retail store catalog and serves the store
// locator endpoints. The catalog is parsed from YAML, validated, and swapped
// in whole so readers never see a partial update.
package stores

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/zecode-web/internal/xerrors"
)

type Store struct {
	ID               int      `yaml:"id" json:"id"`
	Name             string   `yaml:"name" json:"name"`
	Slug             string   `yaml:"slug" json:"slug"`
	Address          string   `yaml:"address" json:"address"`
	City             string   `yaml:"city" json:"city"`
	State            string   `yaml:"state" json:"state"`
	Pincode          string   `yaml:"pincode" json:"pincode"`
	Phone            string   `yaml:"phone" json:"phone"`
	Email            string   `yaml:"email" json:"email"`
	Lat              float64  `yaml:"lat" json:"lat"`
	Lng              float64  `yaml:"lng" json:"lng"`
	Tags             []string `yaml:"tags" json:"tags"`
	WorkingHours     string   `yaml:"workingHours,omitempty" json:"workingHours,omitempty"`
	OpenedDate       string   `yaml:"openedDate,omitempty" json:"openedDate,omitempty"`
	PlaceID          string   `yaml:"placeId,omitempty" json:"placeId,omitempty"`
	Photos           []string `yaml:"photos,omitempty" json:"photos,omitempty"`
	Description      string   `yaml:"description,omitempty" json:"description,omitempty"`
	FeaturedProducts []int    `yaml:"featuredProducts,omitempty" json:"featuredProducts,omitempty"`
}

type catalogFile struct {
	Stores []Store `yaml:"stores"`
}

// Catalog is an immutable, indexed set of stores.
type Catalog struct {
	stores []Store
	byID   map[int]int
	bySlug map[string]int
}

// maxCatalogBytes bounds what ParseCatalog will read.
const maxCatalogBytes = 4 << 20

// ParseCatalog decodes a YAML catalog ({stores: [...]}) and validates it.
// Unknown fields are rejected so a typo does not silently drop data.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxCatalogBytes+1))
	if err != nil {
		return nil, xerrors.Wrap(err, "read catalog")
	}
	if len(b) > maxCatalogBytes {
		return nil, xerrors.Newf("catalog exceeds %d bytes", maxCatalogBytes)
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var f catalogFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, xerrors.New("catalog is empty")
		}
		return nil, xerrors.Wrap(err, "decode catalog yaml")
	}
	return NewCatalog(f.Stores)
}

// NewCatalog validates stores and indexes them by id and slug.
func NewCatalog(stores []Store) (*Catalog, error) {
	if len(stores) == 0 {
		return nil, xerrors.New("catalog has no stores")
	}

	c := &Catalog{
		stores: make([]Store, len(stores)),
		byID:   make(map[int]int, len(stores)),
		bySlug: make(map[string]int, len(stores)),
	}
	copy(c.stores, stores)

	var errs []error
	for i, s := range c.stores {
		where := fmt.Sprintf("stores[%d] (id %d)", i, s.ID)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", where))
		}
		if s.Slug == "" {
			errs = append(errs, fmt.Errorf("%s: slug is required", where))
		}
		if s.Lat < -90 || s.Lat > 90 {
			errs = append(errs, fmt.Errorf("%s: lat %v out of range", where, s.Lat))
		}
		if s.Lng < -180 || s.Lng > 180 {
			errs = append(errs, fmt.Errorf("%s: lng %v out of range", where, s.Lng))
		}
		if j, dup := c.byID[s.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate id, first used by stores[%d]", where, j))
		} else {
			c.byID[s.ID] = i
		}
		if s.Slug != "" {
			if j, dup := c.bySlug[s.Slug]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate slug %q, first used by stores[%d]", where, s.Slug, j))
			} else {
				c.bySlug[s.Slug] = i
			}
		}
		if c.stores[i].Tags == nil {
			c.stores[i].Tags = []string{}
		}
	}
	if len(errs) > 0 {
		return nil, xerrors.WithStack(errors.Join(errs...))
	}
	return c, nil
}

// All returns a copy of the stores in catalog order.
func (c *Catalog) All() []Store {
	out := make([]Store, len(c.stores))
	copy(out, c.stores)
	return out
}

func (c *Catalog) Len() int { return len(c.stores) }

func (c *Catalog) ByID(id int) (Store, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Store{}, false
	}
	return c.stores[i], true
}

func (c *Catalog) BySlug(slug string) (Store, bool) {
	i, ok := c.bySlug[slug]
	if !ok {
		return Store{}, false
	}
	return c.stores[i], true
}
