package query

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// DecodeGeometry turns the WKT text of a geometry column into a GeoJSON
// geometry. It has the shape of a store.Decoder.
func DecodeGeometry(v any) (any, error) {
	var text string
	switch t := v.(type) {
	case string:
		text = t
	case []byte:
		text = string(t)
	default:
		return nil, fmt.Errorf("geometry: unexpected %T", v)
	}
	g, err := wkt.Unmarshal(text)
	if err != nil {
		return nil, fmt.Errorf("geometry: %w", err)
	}
	return geojson.NewGeometry(g), nil
}

// EncodeGeometry accepts a GeoJSON geometry (object or JSON text) or WKT and
// returns WKT.
func EncodeGeometry(value any) (string, error) {
	var raw []byte
	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		if !strings.HasPrefix(s, "{") {
			g, err := wkt.Unmarshal(s)
			if err != nil {
				return "", err
			}
			return wkt.MarshalString(g), nil
		}
		raw = []byte(s)
	case *geojson.Geometry:
		return wkt.MarshalString(v.Geometry()), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		raw = b
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return "", err
	}
	return wkt.MarshalString(g.Geometry()), nil
}
