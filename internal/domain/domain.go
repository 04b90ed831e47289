// Package domain holds the entities shared by the resolution and clustering
// stages: records, evidence tags, refinery assets, attribution results and
// cached geospatial locations.
package domain

import (
	"time"

	"github.com/paulmach/orb"
)

// TagKind classifies a piece of evidence attached to a record.
type TagKind string

const (
	TagRefName   TagKind = "refname"
	TagCityName  TagKind = "cityname"
	TagGPE       TagKind = "GPE"
	TagOwnerName TagKind = "ownername"
)

// SourceKind distinguishes the two record origins.
type SourceKind string

const (
	SourceTweet    SourceKind = "tweet"
	SourceHeadline SourceKind = "headline"
)

// Tag is a single piece of evidence produced by the upstream tag provider.
// AssetID is set for refname/cityname/ownername tags and nil for GPE tags,
// which carry only free text.
type Tag struct {
	AssetID *int64  `json:"id"`
	Initial string  `json:"initial"`
	Match   string  `json:"match"`
	Kind    TagKind `json:"type"`
}

// RefMatch is one candidate asset attribution for a record. Confidence is
// 1.0 for a unique attribution and 1/n (rounded to 2 decimals) when the
// record remains ambiguous between n assets.
type RefMatch struct {
	AssetID    int64   `json:"asset_id"`
	AssetName  string  `json:"asset_name"`
	Confidence float64 `json:"confidence"`
}

// CountryMatch is one entry of the per-record country distribution.
type CountryMatch struct {
	Country string  `json:"country"`
	P       float64 `json:"p"`
}

// Record is a tweet or headline flowing through the pipeline. The tag
// provider fills the tag fields; the resolver sets RefMatch and
// CountryMatch; the clustering engine sets ClusterID and RefMatchCl.
type Record struct {
	ID           string
	SourceKind   SourceKind
	Text         string
	CreatedAt    time.Time
	GeoTags      []Tag
	OwnerTags    []Tag
	EventsTags   []string
	RefMatch     []RefMatch
	RefMatchCl   []RefMatch
	CountryMatch []CountryMatch
	ClusterID    *string
}

// HasGeoEvidence reports whether the record carries any location tags.
func (r *Record) HasGeoEvidence() bool {
	return len(r.GeoTags) > 0
}

// GeoTagsOfKind returns the record's geo tags of the given kind, in stored
// order.
func (r *Record) GeoTagsOfKind(kind TagKind) []Tag {
	var out []Tag

	for _, t := range r.GeoTags {
		if t.Kind == kind {
			out = append(out, t)
		}
	}

	return out
}

// TopCountry returns the country with the highest attribution probability,
// or "" when the record has no country attribution.
func (r *Record) TopCountry() (string, float64) {
	if len(r.CountryMatch) == 0 {
		return "", 0
	}

	top := r.CountryMatch[0]
	for _, cm := range r.CountryMatch[1:] {
		if cm.P > top.P {
			top = cm
		}
	}

	return top.Country, top.P
}

// Asset is a refinery site with a fixed location and an operating-date
// validity window. Open-ended windows use far past/future sentinel dates
// set by the registry loader.
type Asset struct {
	ID       int64
	Name     string
	City     string
	Country  string
	Point    orb.Point
	FromDate time.Time
	ToDate   time.Time
}

// ActiveAt reports whether the asset's validity window contains t.
func (a *Asset) ActiveAt(t time.Time) bool {
	return !a.FromDate.After(t) && !a.ToDate.Before(t)
}

// GpeLocation is a cached geocoding result: the set of free-text name
// variants known to resolve to it, an area-bearing boundary geometry, a
// point centroid and the geocoder's importance rank.
type GpeLocation struct {
	ID         string
	GeomHash   string
	Names      []string
	Boundary   orb.Geometry
	Point      orb.Point
	Importance float64
}
