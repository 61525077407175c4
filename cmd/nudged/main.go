package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nudgebot/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	// Block until a signal lands or a fatal error cancels the supervisor.
	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	reason := app.StopAppStop
	switch {
	case ctx.Err() != nil:
		reason = app.StopSIGTERM
	case a.Err() != nil:
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
