package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/brifk/uart-ota-gateway/internal/link"
	"github.com/brifk/uart-ota-gateway/internal/notify"
	"github.com/brifk/uart-ota-gateway/internal/otametrics"
	"github.com/brifk/uart-ota-gateway/internal/otaproto"
	"github.com/brifk/uart-ota-gateway/internal/rpc"
	"github.com/brifk/uart-ota-gateway/internal/sender"
	"github.com/brifk/uart-ota-gateway/internal/serialport"
	"github.com/brifk/uart-ota-gateway/internal/staging"
)

// Set via -ldflags at build time; left as "dev" for local builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("ota-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port, err := serialport.Open(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		l.Error("serial_open_error", "error", err)
		otametrics.IncError(otametrics.ErrSerialOpen)
		return
	}

	var pub *notify.Publisher
	if cfg.redisAddr != "" {
		pub, err = notify.New(ctx, cfg.redisAddr, "", cfg.redisDB, cfg.redisKey, 32)
		if err != nil {
			l.Warn("notify_connect_failed", "error", err)
			pub = nil
		} else {
			defer pub.Close()
		}
	}

	hooks := link.Hooks{
		OnProgress: func(received, total uint32, percent uint8) {
			otametrics.SetProgressPercent(float64(percent))
			if pub != nil {
				pub.NotifyProgress(received, total, percent)
			}
		},
		OnComplete: func(success bool, errorCode otaproto.ErrorCode) {
			if pub != nil {
				reason := ""
				if !success {
					reason = errorCode.String()
				}
				pub.NotifyOutcome(success, reason)
			}
		},
	}
	lk := link.New(ctx, port, cfg.txBuffer, hooks)
	defer lk.Close()

	store, err := staging.NewStore(cfg.stagingDir)
	if err != nil {
		l.Error("staging_init_error", "error", err)
		return
	}

	snd := sender.New(lk,
		sender.WithStartTimeout(cfg.startTimeout),
		sender.WithDataTimeout(cfg.dataTimeout),
		sender.WithEndTimeout(cfg.endTimeout),
		sender.WithMaxRetries(cfg.maxRetries),
		sender.WithBlockSize(cfg.blockSize),
		sender.WithHooks(sender.Hooks{
			OnProgress: func(offset, total uint32, percent uint8) {
				otametrics.SetProgressPercent(float64(percent))
				if pub != nil {
					pub.NotifyProgress(offset, total, percent)
				}
			},
			OnComplete: func(o sender.Outcome) {
				if pub != nil {
					reason := ""
					if !o.Success {
						reason = string(o.Reason)
					}
					pub.NotifyOutcome(o.Success, reason)
				}
			},
		}),
	)
	rpcClient := rpc.New(lk)

	gw := &gatewayServer{log: l, store: store, snd: snd, rpc: rpcClient, notify: pub, started: time.Now()}

	httpSrv := &http.Server{Addr: cfg.httpAddr, Handler: gw.routes()}
	go func() {
		l.Info("http_listen", "addr", cfg.httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error("http_server_error", "error", err)
			cancel()
		}
	}()

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		_, portStr, err := net.SplitHostPort(cfg.httpAddr)
		if err != nil {
			return
		}
		portNum, err := strconv.Atoi(portStr)
		if err != nil {
			return
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	otametrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metricsSrv := otametrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = metricsSrv.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	_ = httpSrv.Shutdown(context.Background())
}
