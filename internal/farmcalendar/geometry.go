package farmcalendar

import (
	"errors"
	"fmt"
	"strings"

	"github.com/twpayne/go-geom/encoding/wkt"
)

// ErrNoCoordinates is returned for parcels with neither a location nor a geometry.
var ErrNoCoordinates = errors.New("parcel has no coordinates")

// Coordinates returns the parcel's representative coordinate: its explicit
// location when set, otherwise the centre of its WKT geometry bounding box.
func (p Parcel) Coordinates() (lat, lon float64, err error) {
	if p.Location != nil && p.Location.Lat != nil && p.Location.Long != nil {
		return *p.Location.Lat, *p.Location.Long, nil
	}
	if strings.TrimSpace(p.Geometry.AsWKT) == "" {
		return 0, 0, fmt.Errorf("%w: %s", ErrNoCoordinates, p.ID)
	}
	return wktCentre(p.Geometry.AsWKT)
}

// wktCentre parses a WKT (or EWKT) geometry and returns the centre of its
// bounds. WKT axis order is lon lat.
func wktCentre(s string) (lat, lon float64, err error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToUpper(s), "SRID=") {
		if i := strings.Index(s, ";"); i >= 0 {
			s = s[i+1:]
		}
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return 0, 0, fmt.Errorf("parse parcel geometry: %w", err)
	}
	b := g.Bounds()
	if b.IsEmpty() {
		return 0, 0, fmt.Errorf("%w: empty geometry", ErrNoCoordinates)
	}
	lon = (b.Min(0) + b.Max(0)) / 2
	lat = (b.Min(1) + b.Max(1)) / 2
	return lat, lon, nil
}
