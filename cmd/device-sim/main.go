package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/trackgate/internal/devicesim"
	"github.com/okian/trackgate/pkg/logger"
	"github.com/spf13/pflag"
)

const defaultRunTimeout = 10 * time.Minute

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg := devicesim.DefaultConfig()
	fs := pflag.NewFlagSet("device-sim", pflag.ContinueOnError)
	fs.StringVarP(&cfg.Addr, "addr", "a", cfg.Addr, "gateway TCP address")
	fs.IntVarP(&cfg.Devices, "devices", "d", cfg.Devices, "number of concurrent devices")
	fs.IntVarP(&cfg.FramesPerDevice, "frames", "f", cfg.FramesPerDevice, "frames sent by each device")
	fs.IntVarP(&cfg.RecordsPerFrame, "records", "r", cfg.RecordsPerFrame, "AVL records per frame")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "pause between frames")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "dial and per-read/write deadline")
	fs.BoolVar(&cfg.Extended, "extended", cfg.Extended, "use the extended codec (2-byte IO ids)")
	fs.BoolVar(&cfg.SplitWrites, "split", cfg.SplitWrites, "deliver each frame in two writes")
	fs.Int64Var(&cfg.BaseIMEI, "base-imei", cfg.BaseIMEI, "IMEI of device 0; device i uses base+i")
	fs.Uint64Var(&cfg.Seed, "seed", 0, "random walk seed (0 picks one from the clock)")
	runTimeout := fs.Duration("run-timeout", defaultRunTimeout, "abort the whole run after this long")
	logFormat := fs.String("log-format", "text", "log output format: text or json")
	logLevel := fs.String("log-level", "info", "log level")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if err := logger.InitWithFormat(*logFormat); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logging:", err)
		return 1
	}
	if err := logger.SetLevelString(*logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "invalid log level:", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *runTimeout)
	defer cancel()

	r, err := devicesim.NewRunner(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if _, err := r.Run(ctx); err != nil {
		logger.Get().Error(ctx, "simulation failed", logger.Error(err))
		return 1
	}
	return 0
}
