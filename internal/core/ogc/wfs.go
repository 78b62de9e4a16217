// Package ogc builds the request parameters for OGC web services, currently
// just WFS GetFeature queries against the EFFIS burnt-area layers.
package ogc

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/wildfire-labs/riskd/internal/core/model"
)

func OWSEndpoint(base string) string {
	return strings.TrimRight(base, "/") + "/ows"
}

// BurntAreaLayer names the seasonal burnt-area feature type.
func BurntAreaLayer(year int) string {
	return fmt.Sprintf("ba:burnt_area_%d", year)
}

func BuildGetFeatureParams(layer string, bbox model.BBox, filters string) url.Values {
	return BuildGetFeatureParamsFormat(layer, bbox, filters, "application/json")
}

func BuildGetFeatureParamsFormat(layer string, bbox model.BBox, filters, outputFormat string) url.Values {
	params := url.Values{}
	params.Set("service", "WFS")
	params.Set("version", "2.0.0")
	params.Set("request", "GetFeature")
	params.Set("typeNames", layer)
	params.Set("srsName", "EPSG:4326")
	// bbox and cql_filter are mutually exclusive in GeoServer; fold the
	// envelope into the filter when both are needed.
	if filters != "" {
		cql := fmt.Sprintf("(%s) AND (BBOX(geom, %.6f, %.6f, %.6f, %.6f))",
			filters, bbox.X1, bbox.Y1, bbox.X2, bbox.Y2)
		params.Set("cql_filter", cql)
	} else {
		params.Set("bbox", bbox.String())
	}
	if strings.TrimSpace(outputFormat) == "" {
		outputFormat = "application/json"
	}
	params.Set("outputFormat", outputFormat)
	return params
}
