package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/manvalan/gaialib/catalog"
)

func newCmd_Bench() *cli.Command {
	var (
		queries int
		radius  float64
		seed    int64
		cache   int
	)
	return &cli.Command{
		Name:        "bench",
		Usage:       "Time random cone queries against a catalog",
		ArgsUsage:   "<catalog>",
		Description: "Runs random cone queries and reports latency and cache behavior. Use --seed for a reproducible query set.",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "queries",
				Usage:       "number of cone queries",
				Value:       100,
				Destination: &queries,
			},
			&cli.Float64Flag{
				Name:        "radius",
				Usage:       "cone radius in degrees",
				Value:       0.5,
				Destination: &radius,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "random seed for query centers",
				Value:       1,
				Destination: &seed,
			},
			&cli.IntFlag{
				Name:        "cache-chunks",
				Usage:       "chunk cache capacity, 0 = layout default",
				Destination: &cache,
			},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("expected <catalog>")
			}
			reader, err := catalog.OpenWithOptions(c.Args().Get(0), catalog.Options{
				CacheCapacity: cache,
			})
			if err != nil {
				return err
			}
			defer reader.Close()

			rng := rand.New(rand.NewSource(seed))
			var totalStars uint64
			var worst time.Duration
			started := time.Now()
			for i := 0; i < queries; i++ {
				ra := rng.Float64() * 360
				dec := rng.Float64()*180 - 90
				qStart := time.Now()
				records, err := reader.QueryCone(ra, dec, radius, 0)
				if err != nil {
					return err
				}
				if d := time.Since(qStart); d > worst {
					worst = d
				}
				totalStars += uint64(len(records))
			}
			elapsed := time.Since(started)

			stats := reader.Stats()
			lookups := stats.Cache.Hits + stats.Cache.Misses
			hitRate := 0.0
			if lookups > 0 {
				hitRate = 100 * float64(stats.Cache.Hits) / float64(lookups)
			}
			fmt.Printf("queries:     %d cones of %.2f deg\n", queries, radius)
			fmt.Printf("stars:       %s returned\n", humanize.Comma(int64(totalStars)))
			fmt.Printf("latency:     %s avg, %s worst\n",
				(elapsed / time.Duration(queries)).Round(time.Microsecond),
				worst.Round(time.Microsecond))
			fmt.Printf("cache:       %.1f%% hit rate (%d hits, %d misses, %d evictions)\n",
				hitRate, stats.Cache.Hits, stats.Cache.Misses, stats.Cache.Evictions)
			fmt.Printf("resident:    %d chunks, %s\n",
				stats.Cache.ResidentChunks, humanize.Bytes(uint64(stats.Cache.ResidentBytes)))
			if err := reader.LastChunkError(); err != nil {
				fmt.Printf("degraded:    %v\n", err)
			}
			return nil
		},
	}
}
