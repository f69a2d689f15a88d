package stores

import (
	"math"
	"net"
	"sort"
	"time"

	"github.com/oschwald/geoip2-golang"

	"github.com/keithlinneman/zecode-web/internal/ttlcache"
	"github.com/keithlinneman/zecode-web/internal/xerrors"
)

// GeoCacheTTL bounds how long an IP's location is remembered.
const GeoCacheTTL = time.Hour

const earthRadiusKM = 6371.0088

type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	City    string  `json:"city,omitempty"`
	Country string  `json:"country,omitempty"`
}

// Locator maps a client IP to an approximate location.
type Locator interface {
	Locate(ip net.IP) (Location, bool, error)
}

// CityReader is the lookup half of *geoip2.Reader.
type CityReader interface {
	City(ip net.IP) (*geoip2.City, error)
}

type geoEntry struct {
	loc Location
	ok  bool
}

// GeoIP resolves locations from a MaxMind City database. Results, including
// misses, are cached per IP.
type GeoIP struct {
	db        CityReader
	cache     *ttlcache.Cache[geoEntry]
	cacheOpts []ttlcache.Option
	onLookup  func(hit bool)
}

type GeoIPOption func(*GeoIP)

// WithGeoCacheOptions configures the per-IP cache. They apply after the
// GeoCacheTTL default, so a WithTTL here overrides it.
func WithGeoCacheOptions(opts ...ttlcache.Option) GeoIPOption {
	return func(g *GeoIP) { g.cacheOpts = append(g.cacheOpts, opts...) }
}

// WithGeoCacheLookup observes cache hits and misses, used for metrics
func WithGeoCacheLookup(fn func(hit bool)) GeoIPOption {
	return func(g *GeoIP) { g.onLookup = fn }
}

func NewGeoIP(db CityReader, opts ...GeoIPOption) *GeoIP {
	g := &GeoIP{db: db}
	for _, o := range opts {
		o(g)
	}
	g.cache = ttlcache.New[geoEntry](append([]ttlcache.Option{ttlcache.WithTTL(GeoCacheTTL)}, g.cacheOpts...)...)
	return g
}

// OpenGeoIP opens the database at path. The caller closes the returned reader.
func OpenGeoIP(path string, opts ...GeoIPOption) (*GeoIP, *geoip2.Reader, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "open geoip database %s", path)
	}
	return NewGeoIP(db, opts...), db, nil
}

func (g *GeoIP) Locate(ip net.IP) (Location, bool, error) {
	key := ip.String()
	if e, ok := g.cache.Get(key); ok {
		g.observe(true)
		return e.loc, e.ok, nil
	}
	g.observe(false)

	rec, err := g.db.City(ip)
	if err != nil {
		return Location{}, false, xerrors.Wrapf(err, "geoip lookup %s", key)
	}
	e := geoEntry{}
	// 0,0 is what the database returns when it has no coordinates
	if rec.Location.Latitude != 0 || rec.Location.Longitude != 0 {
		e = geoEntry{ok: true, loc: Location{
			Lat:     rec.Location.Latitude,
			Lng:     rec.Location.Longitude,
			City:    rec.City.Names["en"],
			Country: rec.Country.IsoCode,
		}}
	}
	g.cache.Put(key, e)
	return e.loc, e.ok, nil
}

func (g *GeoIP) observe(hit bool) {
	if g.onLookup != nil {
		g.onLookup(hit)
	}
}

// DistanceKM is the great-circle distance between two points.
func DistanceKM(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(a)))
}

type NearbyStore struct {
	Store
	DistanceKM float64 `json:"distance_km"`
}

// Nearest returns up to limit stores ordered by distance from origin.
// Ties keep catalog order.
func (c *Catalog) Nearest(origin Location, limit int) []NearbyStore {
	out := make([]NearbyStore, 0, len(c.stores))
	for _, s := range c.stores {
		d := DistanceKM(origin.Lat, origin.Lng, s.Lat, s.Lng)
		out = append(out, NearbyStore{Store: s, DistanceKM: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKM < out[j].DistanceKM })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	for i := range out {
		out[i].DistanceKM = math.Round(out[i].DistanceKM*10) / 10
	}
	return out
}
