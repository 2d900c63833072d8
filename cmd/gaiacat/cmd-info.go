package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/manvalan/gaialib/catalog"
)

func newCmd_Info() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "Print catalog metadata",
		ArgsUsage: "<catalog>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("expected <catalog>")
			}
			reader, err := catalog.Open(c.Args().Get(0))
			if err != nil {
				return err
			}
			defer reader.Close()

			layout := "monolithic"
			if reader.IsMultiFile() {
				layout = "multi-file"
			}
			raMin, raMax, decMin, decMax := reader.SkyBounds()
			fmt.Printf("layout:         %s\n", layout)
			fmt.Printf("source:         %s\n", reader.SourceCatalog())
			fmt.Printf("created:        %s\n", reader.CreationDate())
			fmt.Printf("stars:          %s (G <= %.1f)\n",
				humanize.Comma(int64(reader.TotalStars())), reader.MagLimit())
			fmt.Printf("healpix:        NSIDE=%d, %s populated pixels\n",
				reader.Nside(), humanize.Comma(int64(reader.NumPixels())))
			fmt.Printf("chunks:         %s\n", humanize.Comma(int64(reader.NumChunks())))
			fmt.Printf("sky bounds:     RA [%.3f, %.3f], Dec [%.3f, %.3f]\n",
				raMin, raMax, decMin, decMax)
			return nil
		},
	}
}
