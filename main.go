package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"fieldlink.io/drivers/sarar5/log"
	"fieldlink.io/drivers/sarar5/modem"
	"fieldlink.io/drivers/sarar5/sara"
)

func main() {
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	config, err := LoadConfig(WithDefaults(), WithFile(opts.ConfigFile), WithOptions(opts))
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	log.Init(config.Debug)
	logger := log.L()
	defer logger.Sync()

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(5 * time.Second).
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			Mode: &serial.Mode{
				BaudRate: config.BaudRate,
				DataBits: 8,
				Parity:   serial.NoParity,
				StopBits: serial.OneStopBit,
			},
		}).
		WithLogger(logger.Named("modem")).
		Build()
	if err != nil {
		log.Fatal("failed to build modem config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		log.Fatal("failed to open modem", zap.Error(err))
	}

	module, err := sara.New(m, logger.Named("sara"))
	if err != nil {
		log.Fatal("failed to set up module driver", zap.Error(err))
	}

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- m.Loop(ctx)
	}()

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	defer initCancel()
	if err := module.Init(initCtx); err != nil {
		log.Fatal("module initialization failed", zap.Error(err))
	}
	if err := module.EnableRegistrationURC(initCtx); err != nil {
		log.Fatal("enabling registration reports failed", zap.Error(err))
	}
	if config.APN != "" {
		cmd := fmt.Sprintf(`AT+CGDCONT=1,"IP",%q`, config.APN)
		if _, err := m.Submit(initCtx, modem.Request{Cmd: cmd}); err != nil {
			log.Fatal("configuring PDP context failed", zap.Error(err))
		}
	}

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger: logger.Named("server"),
			Modem:  m,
			Module: module,
		},
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.Stringer("signal", sig))
	case err := <-loopErr:
		logger.Error("modem loop terminated", zap.Error(err))
	}

	logger.Info("closing modem connection")
	if err := m.Close(); err != nil {
		logger.Error("failed to close modem", zap.Error(err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatal("failed to gracefully shut down server", zap.Error(err))
	}
}
