package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quentinglorieux/Temperature/internal/meter"
)

// Acquisition modes.
const (
	ModePassive = "passive"
	ModeActive  = "active"
	ModeBoth    = "both"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	Mode     string

	BLEAdapter        string
	ScanStaleness     time.Duration
	ScanInterval      time.Duration
	ScanEvictAfter    time.Duration
	ScanNameFilter    string
	ScanAddressFilter string

	MeterAddresses    []string
	MeterReadTimeout  time.Duration
	MeterPollInterval time.Duration
	MeterWriteUUID    string
	MeterNotifyUUID   string

	Decoder        string
	DecoderCommand string
	DecoderTimeout time.Duration

	NamesFile string

	MQTTEnabled     bool
	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string

	SQLitePath  string
	SQLiteTrace bool
	HTTPAddr    string
}

// PassiveEnabled reports whether advertisement scanning should run.
func (c Config) PassiveEnabled() bool {
	return c.Mode == ModePassive || c.Mode == ModeBoth
}

// ActiveEnabled reports whether GATT polling should run.
func (c Config) ActiveEnabled() bool {
	return c.Mode == ModeActive || c.Mode == ModeBoth
}

func LoadFromEnv() (Config, error) {
	appEnv := getenv("APP_ENV", "dev")
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(getenv("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	mode := strings.ToLower(getenv("APP_MODE", ModePassive))
	switch mode {
	case ModePassive, ModeActive, ModeBoth:
	default:
		return Config{}, fmt.Errorf("invalid APP_MODE %q (allowed: passive, active, both)", mode)
	}

	scanStaleness, err := positiveDuration("SCAN_STALENESS", "60s")
	if err != nil {
		return Config{}, err
	}
	scanInterval, err := positiveDuration("SCAN_PUBLISH_INTERVAL", "30s")
	if err != nil {
		return Config{}, err
	}
	scanEvictAfter, err := duration("SCAN_EVICT_AFTER", "0s")
	if err != nil {
		return Config{}, err
	}
	if scanEvictAfter < 0 {
		return Config{}, fmt.Errorf("SCAN_EVICT_AFTER must not be negative, got %v", scanEvictAfter)
	}

	meterAddresses := splitList(os.Getenv("METER_ADDRESSES"))
	if mode != ModePassive && len(meterAddresses) == 0 {
		return Config{}, fmt.Errorf("METER_ADDRESSES is required when APP_MODE=%s", mode)
	}
	meterReadTimeout, err := positiveDuration("METER_READ_TIMEOUT", "5s")
	if err != nil {
		return Config{}, err
	}
	meterPollInterval, err := positiveDuration("METER_POLL_INTERVAL", "60s")
	if err != nil {
		return Config{}, err
	}

	decoder := strings.ToLower(getenv("DECODER", "switchbot"))
	switch decoder {
	case "none", "switchbot", "exec":
	default:
		return Config{}, fmt.Errorf("invalid DECODER %q (allowed: none, switchbot, exec)", decoder)
	}
	decoderCommand := strings.TrimSpace(os.Getenv("DECODER_COMMAND"))
	if decoder == "exec" && decoderCommand == "" {
		return Config{}, fmt.Errorf("DECODER_COMMAND is required when DECODER=exec")
	}
	decoderTimeout, err := positiveDuration("DECODER_TIMEOUT", "2s")
	if err != nil {
		return Config{}, err
	}

	mqttEnabledStr := getenv("MQTT_ENABLED", "true")
	mqttEnabled, err := strconv.ParseBool(mqttEnabledStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_ENABLED %q: %w", mqttEnabledStr, err)
	}

	sqliteTraceStr := getenv("SQLITE_TRACE", "false")
	sqliteTrace, err := strconv.ParseBool(sqliteTraceStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid SQLITE_TRACE %q: %w", sqliteTraceStr, err)
	}

	mqttPortStr := getenv("MQTT_PORT", "1883")
	mqttPort, err := strconv.Atoi(mqttPortStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %q: %w", mqttPortStr, err)
	}

	return Config{
		AppEnv:   appEnv,
		LogLevel: level,
		Mode:     mode,

		BLEAdapter:        getenv("BLE_ADAPTER", "hci0"),
		ScanStaleness:     scanStaleness,
		ScanInterval:      scanInterval,
		ScanEvictAfter:    scanEvictAfter,
		ScanNameFilter:    strings.TrimSpace(os.Getenv("SCAN_NAME_FILTER")),
		ScanAddressFilter: strings.TrimSpace(os.Getenv("SCAN_ADDRESS_FILTER")),

		MeterAddresses:    meterAddresses,
		MeterReadTimeout:  meterReadTimeout,
		MeterPollInterval: meterPollInterval,
		MeterWriteUUID:    getenv("METER_WRITE_UUID", meter.DefaultWriteUUID),
		MeterNotifyUUID:   getenv("METER_NOTIFY_UUID", meter.DefaultNotifyUUID),

		Decoder:        decoder,
		DecoderCommand: decoderCommand,
		DecoderTimeout: decoderTimeout,

		NamesFile: getenv("NAMES_FILE", "sensors.json"),

		MQTTEnabled:     mqttEnabled,
		MQTTBroker:      getenv("MQTT_BROKER", "localhost"),
		MQTTPort:        mqttPort,
		MQTTClientID:    getenv("MQTT_CLIENT_ID", "switchbot-gateway"),
		MQTTTopicPrefix: getenv("MQTT_TOPIC_PREFIX", "switchbot"),

		SQLitePath:  strings.TrimSpace(os.Getenv("SQLITE_PATH")),
		SQLiteTrace: sqliteTrace,
		HTTPAddr:    getenvAllowEmpty("HTTP_ADDR", ":9100"),
	}, nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// getenvAllowEmpty returns def only when key is unset, so an explicit empty
// value can switch a feature off.
func getenvAllowEmpty(key, def string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return strings.TrimSpace(v)
}

func duration(key, def string) (time.Duration, error) {
	s := getenv(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func positiveDuration(key, def string) (time.Duration, error) {
	d, err := duration(key, def)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
