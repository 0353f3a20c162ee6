// Command chloris-submit submits a site to the Chloris platform from the
// command line. Credentials come from the CHLORIS_* environment variables.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	chloris "github.com/chloris-earth/chloris-sdk-go"
)

func main() {
	var (
		label       = flag.String("label", "", "label for the site (required)")
		boundary    = flag.String("boundary", "", "boundary file path or https GeoJSON url (required)")
		control     = flag.String("control", "", "control boundary file path or https GeoJSON url")
		description = flag.String("description", "", "site description")
		tags        = flag.String("tags", "", "comma-separated tags")
		startYear   = flag.Int("start-year", 0, "period change start year")
		endYear     = flag.Int("end-year", 0, "period change end year (inclusive)")
		resolution  = flag.Int("resolution", 0, "output resolution in meters (30 or 10)")
		noNotify    = flag.Bool("no-notify", false, "suppress email notification when the site is ready")
		verbose     = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	if *label == "" || *boundary == "" {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client, err := chloris.New(chloris.Options{Logger: logger})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	params := chloris.SubmitSiteParams{
		Label:               *label,
		BoundaryPath:        *boundary,
		ControlBoundaryPath: *control,
		Description:         *description,
	}
	if *tags != "" {
		params.Tags = strings.Split(*tags, ",")
	}
	if *startYear != 0 {
		params.PeriodChangeStartYear = startYear
	}
	if *endYear != 0 {
		params.PeriodChangeEndYear = endYear
	}
	if *resolution != 0 {
		params.Resolution = resolution
	}
	if *noNotify {
		notify := false
		params.Notify = &notify
	}

	entry, err := client.SubmitSite(context.Background(), params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(entry, "", "  ")
	fmt.Println(string(out))
}
