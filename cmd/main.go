package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/databendcloud/sync-dispatch/config"
	"github.com/databendcloud/sync-dispatch/pkg"
)

func main() {
	configFile := flag.String("f", "", "path to the JSON config file")
	once := flag.Bool("once", false, "run a single tick and change log prune, then exit")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, syscall.SIGQUIT, syscall.SIGTERM, os.Interrupt)
		<-sigch
		cancel()
	}()

	cfg := parseConfigWithFile(*configFile)
	config.InitLogging(cfg)

	if err := run(ctx, cfg, *once); err != nil {
		logrus.Errorf("sync-dispatch: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, once bool) error {
	app, err := pkg.NewApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if once {
		report, err := app.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("due: %d, synced: %d, skipped: %d, failed: %d, jobs: %d\n",
			report.Due, report.Synced, report.Skipped, report.Failed, len(report.Jobs))
		return nil
	}
	return app.Run(ctx)
}

func parseConfigWithFile(configFile string) *config.Config {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		panic(err)
	}
	return cfg
}
