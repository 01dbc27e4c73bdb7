package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	serialDev    string
	baud         int
	serialReadTO time.Duration

	startTimeout time.Duration
	dataTimeout  time.Duration
	endTimeout   time.Duration
	maxRetries   int
	blockSize    int
	txBuffer     int

	logFormat string
	logLevel  string

	httpAddr    string
	stagingDir  string
	metricsAddr string

	mdnsEnable bool
	mdnsName   string

	redisAddr string
	redisDB   int
	redisKey  string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baud := flag.Int("baud", 921600, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	startTO := flag.Duration("start-timeout", 3000*time.Millisecond, "Per-attempt timeout waiting for READY after START")
	dataTO := flag.Duration("data-timeout", 3000*time.Millisecond, "Per-attempt timeout waiting for ACK after DATA")
	endTO := flag.Duration("end-timeout", 10000*time.Millisecond, "Per-attempt timeout waiting for COMPLETE after END")
	maxRetries := flag.Int("max-retries", 3, "Retry budget per phase (START/DATA/END)")
	blockSize := flag.Int("block-size", 1024, "DATA block size in bytes")
	txBuffer := flag.Int("tx-buffer", 32, "Async TX queue depth")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	httpAddr := flag.String("http-addr", ":8080", "HTTP control surface listen address")
	stagingDir := flag.String("staging-dir", "/var/lib/ota-gateway/firmware", "Firmware staging directory")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default ota-gateway-<hostname>)")
	redisAddr := flag.String("redis-addr", "", "Redis address for status publication (e.g., localhost:6379); empty disables")
	redisDB := flag.Int("redis-db", 0, "Redis database index")
	redisKey := flag.String("redis-key", "ota-status", "Redis hash/channel key for status publication")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.startTimeout = *startTO
	cfg.dataTimeout = *dataTO
	cfg.endTimeout = *endTO
	cfg.maxRetries = *maxRetries
	cfg.blockSize = *blockSize
	cfg.txBuffer = *txBuffer
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.httpAddr = *httpAddr
	cfg.stagingDir = *stagingDir
	cfg.metricsAddr = *metricsAddr
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.redisAddr = *redisAddr
	cfg.redisDB = *redisDB
	cfg.redisKey = *redisKey

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.startTimeout <= 0 || c.dataTimeout <= 0 || c.endTimeout <= 0 {
		return fmt.Errorf("phase timeouts must be > 0")
	}
	if c.maxRetries <= 0 {
		return fmt.Errorf("max-retries must be > 0 (got %d)", c.maxRetries)
	}
	if c.blockSize <= 0 || c.blockSize > 1024 {
		return fmt.Errorf("block-size must be in (0, 1024] (got %d)", c.blockSize)
	}
	if c.txBuffer <= 0 {
		return fmt.Errorf("tx-buffer must be > 0 (got %d)", c.txBuffer)
	}
	if c.stagingDir == "" {
		return fmt.Errorf("staging-dir must not be empty")
	}
	if c.redisDB < 0 {
		return fmt.Errorf("redis-db must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps OTA_GATEWAY_* environment variables to config
// fields unless a corresponding flag was explicitly set. Flags win over
// env, env wins over defaults; validate() is I/O-free.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	str := func(flagName, envName string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			*dst = v
		}
	}
	dur := func(flagName, envName string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", envName, err)
			}
		}
	}
	num := func(flagName, envName string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", envName, err)
			}
		}
	}

	str("serial", "OTA_GATEWAY_SERIAL", &c.serialDev)
	num("baud", "OTA_GATEWAY_BAUD", &c.baud)
	dur("serial-read-timeout", "OTA_GATEWAY_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	dur("start-timeout", "OTA_GATEWAY_START_TIMEOUT", &c.startTimeout)
	dur("data-timeout", "OTA_GATEWAY_DATA_TIMEOUT", &c.dataTimeout)
	dur("end-timeout", "OTA_GATEWAY_END_TIMEOUT", &c.endTimeout)
	num("max-retries", "OTA_GATEWAY_MAX_RETRIES", &c.maxRetries)
	num("block-size", "OTA_GATEWAY_BLOCK_SIZE", &c.blockSize)
	num("tx-buffer", "OTA_GATEWAY_TX_BUFFER", &c.txBuffer)
	str("log-format", "OTA_GATEWAY_LOG_FORMAT", &c.logFormat)
	str("log-level", "OTA_GATEWAY_LOG_LEVEL", &c.logLevel)
	str("http-addr", "OTA_GATEWAY_HTTP_ADDR", &c.httpAddr)
	str("staging-dir", "OTA_GATEWAY_STAGING_DIR", &c.stagingDir)
	str("metrics-addr", "OTA_GATEWAY_METRICS", &c.metricsAddr)
	str("mdns-name", "OTA_GATEWAY_MDNS_NAME", &c.mdnsName)
	str("redis-addr", "OTA_GATEWAY_REDIS_ADDR", &c.redisAddr)
	num("redis-db", "OTA_GATEWAY_REDIS_DB", &c.redisDB)
	str("redis-key", "OTA_GATEWAY_REDIS_KEY", &c.redisKey)

	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("OTA_GATEWAY_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	return firstErr
}
