package main

import (
	"context"
	"fmt"
	"os"

	"github.com/g960059/cttmux/internal/cli"
	"github.com/g960059/cttmux/internal/config"
)

func main() {
	cfg, err := config.Load(os.Getenv("CTT_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	r := cli.NewRunner(cfg.SocketPath, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
