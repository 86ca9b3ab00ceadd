package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tzkit/mcdaemon/daemonctx"
	"github.com/tzkit/mcdaemon/device"
	"github.com/tzkit/mcdaemon/registry"
	"github.com/tzkit/mcdaemon/server"
)

const (
	cmdAddr = "@mcdaemon/cmd"
	nqAddr  = "@mcdaemon/nq"
)

func main() {
	var (
		driverPath      = flag.String("driver", "/dev/mobicore", "path to the kernel driver device node")
		deviceID        = flag.Uint("device", 0, "device id to open (spec.md: typically one per process)")
		enableScheduler = flag.Bool("scheduler", true, "run the cooperative scheduler loop")
		compatResults   = flag.Bool("compat-result-codes", true, "preserve legacy MapBulk/CloseSession result-code rewrites")
	)

	flag.Parse()

	signal.Ignore(syscall.SIGPIPE)

	reg, err := registry.Open()
	if err != nil {
		slog.Error("open registry failed", "err", err)
		os.Exit(1)
	}

	ctx := daemonctx.New(reg)

	if _, err := ctx.Open(device.Config{
		DeviceID:          uint32(*deviceID),
		DriverPath:        *driverPath,
		EnableScheduler:   *enableScheduler,
		CompatResultCodes: *compatResults,
	}); err != nil {
		slog.Error("open device failed", "device_id", *deviceID, "err", err)
		os.Exit(1)
	}
	defer ctx.CloseAll()

	cmdSrv := server.New(cmdAddr, server.CommandHandler(ctx))
	nqSrv := server.New(nqAddr, server.NotificationHandler(ctx))

	errc := make(chan error, 2)
	go func() { errc <- cmdSrv.Serve() }()
	go func() { errc <- nqSrv.Serve() }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigc:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errc:
		slog.Error("server failed", "err", err)
	}

	cmdSrv.Close()
	nqSrv.Close()
}
