package main

import (
	"os"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func main() {
	app := &cli.App{
		Name:  "gaiacat",
		Usage: "Build and query Gaia V2 local catalogs",
		Description: "The catalog engine behind the local Gaia archive: " +
			"a one-shot builder producing the V2 spatially-indexed format, " +
			"and fast cone / source_id queries over it.",
		Commands: []*cli.Command{
			newCmd_Build(),
			newCmd_Expand(),
			newCmd_Info(),
			newCmd_Query(),
			newCmd_Bench(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		klog.Exit(err)
	}
}
