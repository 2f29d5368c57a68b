// Package sink defines the time-series sample handed to MQTT, SQLite and any
// other destination.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sources of a sample.
const (
	SourceScan   = "scan"
	SourceActive = "active"
)

// Sample is one timestamped climate reading for a sensor. Key is the MAC for
// scan samples and the configured address for active samples.
type Sample struct {
	Key    string    `json:"key"`
	Name   string    `json:"name,omitempty"`
	Source string    `json:"source"`
	TempC  float64   `json:"temperature_c"`
	Hum    int       `json:"humidity_pct"`
	Batt   *int      `json:"battery_pct,omitempty"`
	RSSI   *int      `json:"rssi,omitempty"`
	Time   time.Time `json:"timestamp"`
}

type Sink interface {
	Name() string
	Write(ctx context.Context, s Sample) error
}

// Observer is notified of every per-sink write outcome.
type Observer func(sink string, err error)

// Fanout writes each sample to every sink and joins their errors. A failing
// sink does not stop the others.
type Fanout struct {
	sinks    []Sink
	observer Observer
}

func NewFanout(observer Observer, sinks ...Sink) *Fanout {
	f := &Fanout{observer: observer}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

func (f *Fanout) Write(ctx context.Context, s Sample) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, snk := range f.sinks {
		err := snk.Write(ctx, s)
		if f.observer != nil {
			f.observer(snk.Name(), err)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", snk.Name(), err))
		}
	}
	return errors.Join(errs...)
}
