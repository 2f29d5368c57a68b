// Command blediag is a bench tool for SwitchBot meters.
//
// Usage:
//
//	blediag gatt-dump [-read] <address>
//	blediag gatt-write [-write uuid] [-notify uuid] [-timeout 5s] <address> <hex>
//	blediag rssi [-interval 1s] [-decoder switchbot] <mac>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/quentinglorieux/Temperature/internal/ble"
	"github.com/quentinglorieux/Temperature/internal/cache"
	"github.com/quentinglorieux/Temperature/internal/decoder"
	"github.com/quentinglorieux/Temperature/internal/diag"
	"github.com/quentinglorieux/Temperature/internal/meter"
	"github.com/quentinglorieux/Temperature/internal/scan"
)

const usage = `usage: %s <command> [flags] <args>
  gatt-dump  [-read] <address>                    list services and characteristics
  gatt-write [-write uuid] [-notify uuid] [-timeout d] <address> <hex>
                                                  write hex and print notifications
  rssi       [-interval d] [-decoder name] <mac>  print RSSI and climate per advertisement
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(1)
	}

	adapterID := os.Getenv("BLE_ADAPTER")
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "gatt-dump":
		err = gattDump(ctx, adapterID, os.Args[2:])
	case "gatt-write":
		err = gattWrite(ctx, adapterID, os.Args[2:])
	case "rssi":
		err = rssi(ctx, adapterID, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(1)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func gattDump(ctx context.Context, adapterID string, args []string) error {
	fs := flag.NewFlagSet("gatt-dump", flag.ExitOnError)
	read := fs.Bool("read", false, "read every characteristic value")
	timeout := fs.Duration("connect-timeout", 10*time.Second, "connection timeout")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("expected <address>")
	}

	conn, err := connect(ctx, adapterID, fs.Arg(0), *timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Connected: %s\n", fs.Arg(0))
	diag.Dump(os.Stdout, conn, *read)
	return nil
}

func gattWrite(ctx context.Context, adapterID string, args []string) error {
	fs := flag.NewFlagSet("gatt-write", flag.ExitOnError)
	writeUUID := fs.String("write", meter.DefaultWriteUUID, "write characteristic UUID")
	notifyUUID := fs.String("notify", meter.DefaultNotifyUUID, "notify characteristic UUID")
	timeout := fs.Duration("timeout", 5*time.Second, "how long to listen for notifications")
	_ = fs.Parse(args)
	if fs.NArg() != 2 {
		return errors.New("expected <address> <hex>")
	}
	payload, err := diag.ParseHex(fs.Arg(1))
	if err != nil {
		return err
	}

	conn, err := connect(ctx, adapterID, fs.Arg(0), 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Connected: %s\n", fs.Arg(0))
	n, err := diag.Exchange(ctx, os.Stdout, conn, payload, diag.ExchangeOptions{
		WriteUUID:  *writeUUID,
		NotifyUUID: *notifyUUID,
		Timeout:    *timeout,
	})
	if err != nil {
		return err
	}
	slog.Info("exchange finished", "notifications", n)
	return nil
}

func rssi(ctx context.Context, adapterID string, args []string) error {
	fs := flag.NewFlagSet("rssi", flag.ExitOnError)
	interval := fs.Duration("interval", 0, "minimum time between printed lines")
	backend := fs.String("decoder", decoder.BackendSwitchBot, "decoder backend: switchbot or exec")
	command := fs.String("decoder-command", "", "external decoder command for -decoder exec")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("expected <mac>")
	}

	capability, err := decoder.New(*backend, *command, 2*time.Second)
	if err != nil {
		return err
	}
	dec := decoder.NewAdapter(capability, slog.Default())
	if !dec.Available() {
		return errors.New("no decoder available")
	}

	adapter, err := ble.Enable(adapterID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pipeline := scan.NewPipeline(dec, cache.New(), scan.PipelineOptions{})
	listener := ble.NewListener(adapter, ble.Options{Adapter: adapterID})
	go func() { _ = pipeline.Run(ctx) }()
	go func() {
		if err := listener.Run(ctx, pipeline.Enqueue); err != nil {
			slog.Error("scan stopped", "error", err)
			cancel()
		}
	}()

	return diag.Monitor(ctx, os.Stdout, pipeline, fs.Arg(0), *interval)
}

func connect(ctx context.Context, adapterID, address string, timeout time.Duration) (*ble.Conn, error) {
	adapter, err := ble.Enable(adapterID)
	if err != nil {
		return nil, err
	}
	return ble.Dial(ctx, adapter, address, timeout)
}
