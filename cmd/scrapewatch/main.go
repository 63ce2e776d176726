package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/JakeFAU/scrapewatch/internal/app"
	"github.com/JakeFAU/scrapewatch/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	envPath := flag.String("env", "", "Path to a .env file (default .env, optional)")
	flag.Parse()

	if err := run(context.Background(), *cfgPath, *envPath); err != nil {
		fmt.Fprintf(os.Stderr, "scrapewatch: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, envPath string) error {
	if err := config.LoadDotEnv(envPath, envPath != ""); err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	a, err := app.Build(ctx, &cfg)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	return a.Run(ctx)
}
