package main

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/claimguardian/ingest-cli/internal/model"
	"github.com/claimguardian/ingest-cli/internal/search"
)

var (
	searchKinds   []string
	searchSources []string
	searchTags    []string
	searchPrefer  string
	searchLimit   int
	searchCursor  string
	searchBBox    string
	searchNear    string
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search current records",
	Long:  "Ranks current records by blended vector similarity, recency, and kind preference. Spatial filters: --bbox minLon,minLat,maxLon,maxLat or --near lon,lat,meters.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		req := search.Request{
			Kinds:      searchKinds,
			SourceIDs:  searchSources,
			Tags:       searchTags,
			PreferKind: model.RecordKind(searchPrefer),
			Limit:      searchLimit,
			Cursor:     searchCursor,
		}
		if len(args) == 1 {
			req.Query = args[0]
		}

		spatial, err := parseSpatialFlags(searchBBox, searchNear)
		if err != nil {
			return err
		}
		req.Spatial = spatial

		resp, err := env.search.Search(ctx, req)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	},
}

// parseSpatialFlags turns the --bbox / --near flag strings into a filter.
func parseSpatialFlags(bbox, near string) (*search.SpatialFilter, error) {
	switch {
	case bbox != "" && near != "":
		return nil, eris.New("use either --bbox or --near, not both")
	case bbox != "":
		vals, err := parseFloats(bbox, 4)
		if err != nil {
			return nil, eris.Wrap(err, "parse --bbox")
		}
		return &search.SpatialFilter{BBox: &search.BBox{
			MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3],
		}}, nil
	case near != "":
		vals, err := parseFloats(near, 3)
		if err != nil {
			return nil, eris.Wrap(err, "parse --near")
		}
		return &search.SpatialFilter{Radius: &search.Radius{
			Lon: vals[0], Lat: vals[1], Meters: vals[2],
		}}, nil
	default:
		return nil, nil
	}
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, eris.Errorf("expected %d comma-separated values, got %d", n, len(parts))
	}
	vals := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "value %d", i+1)
		}
		vals[i] = f
	}
	return vals, nil
}

func init() {
	searchCmd.Flags().StringSliceVar(&searchKinds, "kind", nil, "filter by record kind (parcel, bulletin, filing)")
	searchCmd.Flags().StringSliceVar(&searchSources, "source", nil, "filter by source ID")
	searchCmd.Flags().StringSliceVar(&searchTags, "tag", nil, "require all of these tags")
	searchCmd.Flags().StringVar(&searchPrefer, "prefer", "", "boost this record kind in ranking")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "max results (default from config)")
	searchCmd.Flags().StringVar(&searchCursor, "cursor", "", "pagination cursor from a previous page")
	searchCmd.Flags().StringVar(&searchBBox, "bbox", "", "bounding box: minLon,minLat,maxLon,maxLat")
	searchCmd.Flags().StringVar(&searchNear, "near", "", "point radius: lon,lat,meters")
	rootCmd.AddCommand(searchCmd)
}
