package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"calfeed/internal/config"
	"calfeed/internal/feed"
	"calfeed/internal/feedcache"
	"calfeed/internal/fetch"
	appLog "calfeed/internal/log"
	"calfeed/internal/refresh"
	"calfeed/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	dotenv     string
	listen     string
	print      string
}

func main() {
	flags := parseFlags()
	if err := run(flags); err != nil {
		appLog.Error("calfeed failed", err)
		os.Exit(1)
	}
}

func run(flags flagConfig) error {
	if err := config.LoadDotEnv(flags.dotenv); err != nil {
		appLog.Warn("ignoring env file", "path", flags.dotenv, "err", err)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	conf.ApplyEnv(os.Getenv)
	// CLI --listen overrides both the file and the environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", flags.configPath, err)
	}

	level, err := appLog.ParseLevel(conf.LogLevel)
	if err != nil {
		return err
	}
	appLog.SetLevel(level)

	appLog.Info("calfeed starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"cache_ttl", conf.CacheTTL.String(),
		"serve_stale", conf.ServeStale,
		"refresh", conf.RefreshCron,
		"max_in_flight", conf.MaxInFlight,
		"feed_count", len(conf.Feeds),
	)

	registry, err := feed.NewRegistry(conf, feed.Deps{Getter: fetch.New(conf.FetchTimeout)})
	if err != nil {
		return err
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if flags.print != "" {
		return printFeed(ctx, registry, flags.print, conf.FetchTimeout)
	}

	cache := feedcache.New(registry, feedcache.Options{
		TTL:         conf.CacheTTL,
		ServeStale:  conf.ServeStale,
		StaleFor:    conf.StaleFor,
		LoadTimeout: conf.FetchTimeout,
	})

	loc, err := time.LoadLocation(conf.Timezone)
	if err != nil {
		return err
	}
	warmer, err := refresh.New(cache, registry.Keys(), conf.RefreshCron, loc)
	if err != nil {
		return err
	}
	warmer.Start(ctx)
	defer warmer.Stop()
	if conf.WarmOnStart {
		go warmer.RunOnce(ctx)
	}

	routes := make([]web.Route, 0, len(registry.Feeds()))
	for _, f := range registry.Feeds() {
		routes = append(routes, web.Route{Key: f.Key, Path: f.Path})
		appLog.Info("feed registered", "feed", f.Key, "path", f.Path)
	}
	srv := web.NewServer(cache, routes, web.Options{
		RequestTimeout: conf.RequestTimeout,
		MaxInFlight:    conf.MaxInFlight,
	})
	if err := srv.Serve(ctx, conf.Listen); err != nil {
		return err
	}
	appLog.Info("calfeed exiting")
	return nil
}

// printFeed builds one feed without the cache and writes it to stdout.
func printFeed(ctx context.Context, registry *feed.Registry, key string, timeout time.Duration) error {
	if _, ok := registry.Lookup(key); !ok {
		return fmt.Errorf("unknown feed %q (have %v)", key, registry.Keys())
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := registry.Load(ctx, key)
	if err != nil {
		return err
	}
	_, err = os.Stdout.WriteString(payload)
	return err
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/calfeed/config.yaml", "Path to config file")
	flag.StringVar(&cfg.dotenv, "dotenv", ".env", "Optional env file loaded before the config")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config and CALFEED_LISTEN)")
	flag.StringVar(&cfg.print, "print", "", "Build the named feed once, write it to stdout and exit")

	flag.Parse()

	return cfg
}
