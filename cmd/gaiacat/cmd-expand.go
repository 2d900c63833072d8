package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/manvalan/gaialib/builder"
)

func newCmd_Expand() *cli.Command {
	return &cli.Command{
		Name:        "expand",
		Usage:       "Expand a monolithic catalog into the multi-file layout",
		ArgsUsage:   "<catalog> <output-dir>",
		Description: "Writes metadata.dat plus one decompressed payload file per chunk. Queries over the expanded layout skip decompression at the cost of roughly twice the disk.",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("expected <catalog> <output-dir>")
			}
			stats, err := builder.ExpandToMultiFile(c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return err
			}
			fmt.Printf("expanded %s chunks, %s written\n",
				humanize.Comma(int64(stats.Chunks)), humanize.Bytes(stats.BytesWritten))
			return nil
		},
	}
}
