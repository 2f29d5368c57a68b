package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/quentinglorieux/Temperature/internal/ble"
	"github.com/quentinglorieux/Temperature/internal/cache"
	"github.com/quentinglorieux/Temperature/internal/config"
	"github.com/quentinglorieux/Temperature/internal/decoder"
	"github.com/quentinglorieux/Temperature/internal/httpapi"
	"github.com/quentinglorieux/Temperature/internal/meter"
	"github.com/quentinglorieux/Temperature/internal/metrics"
	"github.com/quentinglorieux/Temperature/internal/mqtt"
	"github.com/quentinglorieux/Temperature/internal/names"
	"github.com/quentinglorieux/Temperature/internal/poll"
	"github.com/quentinglorieux/Temperature/internal/scan"
	"github.com/quentinglorieux/Temperature/internal/sink"
	"github.com/quentinglorieux/Temperature/internal/store"
)

// enableBLE is replaced in tests.
var enableBLE = ble.Enable

func Run(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("config loaded",
		"mode", cfg.Mode,
		"bleAdapter", cfg.BLEAdapter,
		"decoder", cfg.Decoder,
		"scanStaleness", cfg.ScanStaleness,
		"scanInterval", cfg.ScanInterval,
		"meterAddresses", cfg.MeterAddresses,
		"meterPollInterval", cfg.MeterPollInterval,
		"mqttEnabled", cfg.MQTTEnabled,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"sqlitePath", cfg.SQLitePath,
		"httpAddr", cfg.HTTPAddr,
	)

	sensorNames, err := names.Load(cfg.NamesFile)
	if err != nil {
		return err
	}
	slog.Info("sensor names loaded", "file", cfg.NamesFile, "count", len(sensorNames))

	m := metrics.New()

	capability, err := decoder.New(cfg.Decoder, cfg.DecoderCommand, cfg.DecoderTimeout)
	if err != nil {
		return err
	}
	dec := decoder.NewAdapter(capability, slog.Default())

	var sinks []sink.Sink
	var mqttClient *mqtt.Client
	if cfg.MQTTEnabled {
		mqttClient, err = mqtt.NewClient(cfg, slog.Default())
		if err != nil {
			return err
		}
		defer func() {
			if mqttClient.IsConnected() {
				offlineCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := mqttClient.PublishStatus(offlineCtx, mqtt.Status{Online: false, Mode: cfg.Mode}); err != nil {
					slog.Warn("mqtt publish offline status", "error", err)
				}
				cancel()
			}
			mqttClient.Disconnect()
		}()
		sinks = append(sinks, mqttClient)
	}

	if cfg.SQLitePath != "" {
		open := store.Open
		if cfg.SQLiteTrace {
			open = func(path string) (*sql.DB, error) { return store.OpenTraced(path, slog.Default()) }
		}
		dbConn, err := open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer func() {
			if err := dbConn.Close(); err != nil {
				slog.Error("db close", "error", err)
			}
		}()
		if err := store.Migrate(ctx, dbConn); err != nil {
			return err
		}
		sinks = append(sinks, store.New(dbConn))
	}
	fanout := sink.NewFanout(m.SampleWritten, sinks...)
	if fanout.Len() == 0 {
		slog.Warn("no sinks configured; readings are only logged and served over http")
	}

	adapter, err := enableBLE(cfg.BLEAdapter)
	if err != nil {
		slog.Warn("ble adapter could not be initialized; gateway continues without BLE",
			"adapter", cfg.BLEAdapter,
			"error", err,
		)
		adapter = nil
	}

	sensorCache := cache.New()
	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				slog.Warn(name+" stopped; gateway continues without it", "error", err)
			}
		}()
	}

	if mqttClient != nil {
		spawn("mqtt", func(ctx context.Context) error {
			if err := mqttClient.Connect(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, mqtt.ErrStopped) {
					return nil
				}
				return err
			}
			return mqttClient.PublishStatus(ctx, mqtt.Status{Online: true, Mode: cfg.Mode})
		})
	}

	var pipeline *scan.Pipeline
	if adapter != nil && cfg.PassiveEnabled() {
		if !dec.Available() {
			slog.Warn("no decoder available; passive readings will not be produced")
		}
		pipeline = scan.NewPipeline(dec, sensorCache, scan.PipelineOptions{Metrics: m})
		listener := ble.NewListener(adapter, ble.Options{
			Adapter: cfg.BLEAdapter,
			Filter: ble.Filter{
				NameContains: cfg.ScanNameFilter,
				Address:      cfg.ScanAddressFilter,
			},
		})
		consumer := scan.NewConsumer(sensorCache, fanout, scan.ConsumerOptions{
			Staleness:  cfg.ScanStaleness,
			Interval:   cfg.ScanInterval,
			EvictAfter: cfg.ScanEvictAfter,
			Names:      sensorNames,
			Metrics:    m,
		})

		spawn("scan pipeline", pipeline.Run)
		spawn("ble listener", func(ctx context.Context) error {
			return listener.Run(ctx, pipeline.Enqueue)
		})
		spawn("scan consumer", consumer.Run)
	}

	if adapter != nil && cfg.ActiveEnabled() {
		poller := poll.New(gattDialer(adapter, cfg.MeterReadTimeout), fanout, poll.Options{
			Addresses: cfg.MeterAddresses,
			Interval:  cfg.MeterPollInterval,
			Session: meter.Options{
				WriteUUID:  cfg.MeterWriteUUID,
				NotifyUUID: cfg.MeterNotifyUUID,
				Timeout:    cfg.MeterReadTimeout,
			},
			Names:   sensorNames,
			Metrics: m,
		})
		spawn("meter poller", poller.Run)
	}

	err = serve(ctx, cfg, httpapi.Deps{
		Status: httpapi.Status{
			Mode:             cfg.Mode,
			BLEAvailable:     adapter != nil,
			DecoderAvailable: dec.Available(),
			Sinks:            fanout.Len(),
		},
		Cache:     sensorCache,
		Waiter:    waiterOrNil(pipeline),
		Names:     sensorNames,
		Staleness: cfg.ScanStaleness,
		Metrics:   m,
	})

	// Workers stop with the server, whichever way it ended.
	cancel()
	slog.Info("waiting for workers")
	wg.Wait()
	return err
}

// serve runs the HTTP surface until ctx ends. An empty address only waits.
func serve(ctx context.Context, cfg config.Config, deps httpapi.Deps) error {
	if cfg.HTTPAddr == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	srv := httpapi.NewServer(cfg.HTTPAddr, httpapi.NewMux(deps))

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func gattDialer(adapter *bluetooth.Adapter, timeout time.Duration) poll.Dialer {
	return func(ctx context.Context, address string) (poll.Conn, error) {
		conn, err := ble.Dial(ctx, adapter, address, timeout)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func waiterOrNil(p *scan.Pipeline) httpapi.Waiter {
	if p == nil {
		return nil
	}
	return p
}
