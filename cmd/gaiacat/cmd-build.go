package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/manvalan/gaialib/builder"
)

func newCmd_Build() *cli.Command {
	var (
		magLimit      float64
		starsPerChunk uint64
		level         int
		sourceName    string
		keepTemp      bool
		quiet         bool
	)
	return &cli.Command{
		Name:        "build",
		Usage:       "Compile an upstream record file into a V2 catalog",
		ArgsUsage:   "<upstream-record-file> <output-catalog>",
		Description: "The upstream is a flat file of raw star records. The filter phase writes a temp file next to the output; rerunning after an interruption resumes from it.",
		Flags: []cli.Flag{
			&cli.Float64Flag{
				Name:        "mag-limit",
				Usage:       "inclusive G magnitude cut",
				Value:       18.0,
				Destination: &magLimit,
			},
			&cli.Uint64Flag{
				Name:        "stars-per-chunk",
				Usage:       "logical chunk size",
				Value:       1_000_000,
				Destination: &starsPerChunk,
			},
			&cli.IntFlag{
				Name:        "compression-level",
				Usage:       "zlib level, 1 (fastest) to 9 (best)",
				Value:       9,
				Destination: &level,
			},
			&cli.StringFlag{
				Name:        "source-name",
				Usage:       "source catalog name stored in the header",
				Destination: &sourceName,
			},
			&cli.BoolFlag{
				Name:        "keep-temp",
				Usage:       "keep the filter-phase temp file after a successful build",
				Destination: &keepTemp,
			},
			&cli.BoolFlag{
				Name:        "quiet",
				Usage:       "suppress progress bars",
				Destination: &quiet,
			},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("expected <upstream-record-file> <output-catalog>")
			}
			upstreamPath := c.Args().Get(0)
			outputPath := c.Args().Get(1)

			opts := builder.Options{
				MagLimit:         magLimit,
				StarsPerChunk:    uint32(starsPerChunk),
				CompressionLevel: level,
				SourceCatalog:    sourceName,
				KeepTemp:         keepTemp,
			}

			var progress *mpb.Progress
			if !quiet {
				progress = mpb.New(mpb.WithWidth(64))
				opts.Progress = newPhaseBars(progress)
			}

			stats, err := builder.Build(
				&builder.RecordFile{Path: upstreamPath, CatalogName: sourceName},
				outputPath,
				opts,
			)
			if progress != nil {
				progress.Wait()
			}
			if err != nil {
				return err
			}

			fmt.Printf("catalog: %s\n", outputPath)
			fmt.Printf("  stars:       %s (%s duplicates removed, %s malformed skipped)\n",
				humanize.Comma(int64(stats.TotalStars)),
				humanize.Comma(int64(stats.DuplicatesRemoved)),
				humanize.Comma(int64(stats.SkippedRecords)))
			fmt.Printf("  pixels:      %s\n", humanize.Comma(int64(stats.NumPixels)))
			fmt.Printf("  chunks:      %s\n", humanize.Comma(int64(stats.NumChunks)))
			fmt.Printf("  data:        %s compressed from %s (%.1f%%)\n",
				humanize.Bytes(stats.CompressedBytes),
				humanize.Bytes(stats.UncompressedBytes),
				100*float64(stats.CompressedBytes)/float64(stats.UncompressedBytes))
			fmt.Printf("  elapsed:     %s\n", stats.Elapsed.Round(time.Millisecond))
			return nil
		},
	}
}

// newPhaseBars returns a builder progress callback that renders one bar
// per pipeline phase.
func newPhaseBars(progress *mpb.Progress) func(phase string, current, total uint64) {
	var mu sync.Mutex
	bars := make(map[string]*mpb.Bar)
	return func(phase string, current, total uint64) {
		mu.Lock()
		bar, ok := bars[phase]
		if !ok {
			bar = progress.AddBar(int64(total),
				mpb.PrependDecorators(
					decor.Name(phase, decor.WCSyncSpaceR),
					decor.CountersNoUnit("%d / %d"),
				),
				mpb.AppendDecorators(decor.Percentage()),
			)
			bars[phase] = bar
		}
		mu.Unlock()
		bar.SetTotal(int64(total), false)
		bar.SetCurrent(int64(current))
		if current >= total {
			bar.SetTotal(int64(total), true)
		}
	}
}
