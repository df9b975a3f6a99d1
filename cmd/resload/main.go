package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/objectfs/resload/internal/config"
	"github.com/objectfs/resload/internal/engine"
	"github.com/objectfs/resload/internal/scheduler"
	"github.com/objectfs/resload/pkg/types"
)

var log = logging.Logger("resload/cli")

type options struct {
	configFile string
	listFile   string
	network    string
	downlink   float64
	rtt        time.Duration
	saveData   bool
	timeout    time.Duration
	serve      bool
	selectBest bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configFile, "config", "", "YAML configuration file")
	flag.StringVar(&o.listFile, "list", "", "resource list, one \"priority url [type]\" per line (- for stdin)")
	flag.StringVar(&o.network, "network", "", "effective network type (2g, 3g, 4g, wifi, ...)")
	flag.Float64Var(&o.downlink, "downlink", 0, "estimated downlink in Mbps")
	flag.DurationVar(&o.rtt, "rtt", 0, "estimated round trip time")
	flag.BoolVar(&o.saveData, "save-data", false, "prefer fewer parallel requests")
	flag.DurationVar(&o.timeout, "timeout", 2*time.Minute, "overall preload timeout")
	flag.BoolVar(&o.serve, "serve", false, "keep serving metrics after the preload finishes")
	flag.BoolVar(&o.selectBest, "select-best", false, "switch to the best scoring strategy after the run")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "resload: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	if opts.listFile == "" {
		return fmt.Errorf("-list is required")
	}

	cfg := config.NewDefault()
	if opts.configFile != "" {
		if err := cfg.LoadFromFile(opts.configFile); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}

	requests, err := readList(opts.listFile)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return fmt.Errorf("no requests in %s", opts.listFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher := newHTTPFetcher(&http.Client{Timeout: 30 * time.Second})
	eng, err := engine.New(ctx, cfg, fetcher.Fetch)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			log.Warnw("close failed", "error", err)
		}
	}()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	done := make(chan *scheduler.BatchSummary, 1)
	eng.On(scheduler.QueueComplete, func(ev scheduler.Event) {
		select {
		case done <- ev.Summary:
		default:
		}
	})
	eng.On(scheduler.LoadError, func(ev scheduler.Event) {
		log.Warnw("load failed", "id", ev.Request.ID, "attempts", ev.Attempts, "error", ev.Err)
	})

	rc := types.RuntimeContext{
		NetworkType:  opts.network,
		DownlinkMbps: opts.downlink,
		RTT:          opts.rtt,
		SaveData:     opts.saveData,
		CPUCores:     runtime.NumCPU(),
	}
	eng.Preload(ctx, rc, requests)

	timer := time.NewTimer(opts.timeout)
	defer timer.Stop()

	var summary *scheduler.BatchSummary
	select {
	case summary = <-done:
	case <-timer.C:
		return fmt.Errorf("preload did not finish within %s", opts.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	if opts.selectBest {
		eng.Controller().SelectBestStrategy(ctx)
	}

	report := struct {
		Batch *scheduler.BatchSummary `json:"batch"`
		engine.Stats
	}{Batch: summary, Stats: eng.Stats(ctx)}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	if opts.serve && cfg.Monitoring.Metrics.Enabled {
		log.Infow("serving metrics until interrupted", "port", cfg.Monitoring.Metrics.Port)
		<-ctx.Done()
	}
	return nil
}
