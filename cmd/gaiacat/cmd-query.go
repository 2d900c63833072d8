package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/manvalan/gaialib/catalog"
	"github.com/manvalan/gaialib/gaiav2"
	"github.com/manvalan/gaialib/healpix"
)

func newCmd_Query() *cli.Command {
	var (
		ra, dec, radius  float64
		magMin, magMax   float64
		maxResults, topN int
		noParallel       bool
	)
	coneFlags := []cli.Flag{
		&cli.Float64Flag{Name: "ra", Usage: "center RA in degrees", Required: true, Destination: &ra},
		&cli.Float64Flag{Name: "dec", Usage: "center Dec in degrees", Required: true, Destination: &dec},
		&cli.Float64Flag{Name: "radius", Usage: "search radius in degrees", Required: true, Destination: &radius},
	}
	openCatalog := func(c *cli.Context) (*catalog.Reader, error) {
		if c.Args().Len() < 1 {
			return nil, fmt.Errorf("expected <catalog>")
		}
		reader, err := catalog.Open(c.Args().Get(0))
		if err != nil {
			return nil, err
		}
		if noParallel {
			reader.SetParallelProcessing(false, 0)
		}
		return reader, nil
	}
	return &cli.Command{
		Name:  "query",
		Usage: "Query a catalog",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "no-parallel",
				Usage:       "disable the parallel cone fan-out",
				Destination: &noParallel,
			},
		},
		Subcommands: []*cli.Command{
			{
				Name:      "cone",
				Usage:     "All stars within a cone",
				ArgsUsage: "<catalog>",
				Flags: append(coneFlags,
					&cli.Float64Flag{Name: "mag-min", Usage: "minimum G magnitude", Value: -10, Destination: &magMin},
					&cli.Float64Flag{Name: "mag-max", Usage: "maximum G magnitude", Value: 99, Destination: &magMax},
					&cli.IntFlag{Name: "max-results", Usage: "result cap, 0 = unlimited", Destination: &maxResults},
				),
				Action: func(c *cli.Context) error {
					reader, err := openCatalog(c)
					if err != nil {
						return err
					}
					defer reader.Close()
					var records []gaiav2.Record
					if c.IsSet("mag-min") || c.IsSet("mag-max") {
						records, err = reader.QueryConeWithMagnitude(ra, dec, radius, magMin, magMax, maxResults)
					} else {
						records, err = reader.QueryCone(ra, dec, radius, maxResults)
					}
					if err != nil {
						return err
					}
					printRecords(records, ra, dec)
					return nil
				},
			},
			{
				Name:      "brightest",
				Usage:     "The N brightest stars within a cone",
				ArgsUsage: "<catalog>",
				Flags: append(coneFlags,
					&cli.IntFlag{Name: "n", Usage: "number of stars", Value: 10, Destination: &topN},
				),
				Action: func(c *cli.Context) error {
					reader, err := openCatalog(c)
					if err != nil {
						return err
					}
					defer reader.Close()
					records, err := reader.QueryBrightest(ra, dec, radius, topN)
					if err != nil {
						return err
					}
					printRecords(records, ra, dec)
					return nil
				},
			},
			{
				Name:      "count",
				Usage:     "Count stars within a cone",
				ArgsUsage: "<catalog>",
				Flags:     coneFlags,
				Action: func(c *cli.Context) error {
					reader, err := openCatalog(c)
					if err != nil {
						return err
					}
					defer reader.Close()
					count, err := reader.CountInCone(ra, dec, radius)
					if err != nil {
						return err
					}
					fmt.Println(count)
					return nil
				},
			},
			{
				Name:      "id",
				Usage:     "Look up a star by Gaia source_id",
				ArgsUsage: "<catalog> <source-id>",
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 2 {
						return fmt.Errorf("expected <catalog> <source-id>")
					}
					var sourceID uint64
					if _, err := fmt.Sscanf(c.Args().Get(1), "%d", &sourceID); err != nil {
						return fmt.Errorf("invalid source_id %q", c.Args().Get(1))
					}
					reader, err := catalog.Open(c.Args().Get(0))
					if err != nil {
						return err
					}
					defer reader.Close()
					rec, found, err := reader.QueryBySourceID(sourceID)
					if err != nil {
						return err
					}
					if !found {
						fmt.Println("not found")
						return nil
					}
					fmt.Printf("%s  RA=%.6f Dec=%.6f G=%.3f BP=%.3f RP=%.3f plx=%.3f pm=(%.2f, %.2f) ruwe=%.2f\n",
						rec.Designation(), rec.RA, rec.Dec,
						rec.GMag, rec.BPMag, rec.RPMag,
						rec.Parallax, rec.PMRA, rec.PMDec, rec.RUWE)
					return nil
				},
			},
		},
	}
}

func printRecords(records []gaiav2.Record, ra, dec float64) {
	for i := range records {
		rec := &records[i]
		fmt.Printf("%-28s RA=%10.6f Dec=%10.6f G=%6.3f dist=%.4f\n",
			rec.Designation(), rec.RA, rec.Dec, rec.GMag,
			healpix.AngularDistance(ra, dec, rec.RA, rec.Dec))
	}
	fmt.Printf("%d stars\n", len(records))
}
