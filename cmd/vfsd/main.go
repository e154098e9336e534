// Command vfsd mounts the configured storages and serves their files
// over the HTTP gateway.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"digital.vasic.vfs/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "configuration file (YAML or JSON)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vfsd: %v\n", err)
		os.Exit(1)
	}

	fx.New(options(cfg)).Run()
}
