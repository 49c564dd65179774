package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/mphelps/arclog/compaction"
	"github.com/mphelps/arclog/config"
	"github.com/mphelps/arclog/entry"
	"github.com/mphelps/arclog/log"
	"github.com/mphelps/arclog/metrics"
	"github.com/mphelps/arclog/storage/fileseg"
)

// env vars for overriding defaults
const (
	configPathVar = "ARCLOG_CONFIG"

	// default payload type registered for opaque records
	rawType = entry.Type(1)
)

func main() {
	l := logrus.New()

	cfg, err := loadConfig(l)
	if err != nil {
		l.Fatal(err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		l.Fatalf("invalid log level: %v", err)
	}
	l.SetLevel(level)

	registry := entry.NewRegistry()
	err = registry.Register(entry.Descriptor{Type: rawType, Name: "raw", Codec: entry.NewRawCodec(rawType)})
	if err != nil {
		l.Fatalf("could not register raw payload type: %v", err)
	}

	promReg := prometheus.NewRegistry()

	store, err := fileseg.NewStore(l, cfg.Storage.Directory, entry.NewCodec(registry),
		fileseg.SegmentSize(cfg.Storage.SegmentBytes),
		fileseg.Compaction(cfg.Storage.Compaction),
		fileseg.WithMetrics(metrics.New(promReg)),
	)
	if err != nil {
		l.Fatalf("could not open storage: %v", err)
	}

	lg, err := log.New(l, store, registry)
	if err != nil {
		l.Fatalf("could not open log: %v", err)
	}
	defer lg.Close()

	l.Infof("log open at %s, indexes [%d, %d]", cfg.Storage.Directory, lg.FirstIndex(), lg.LastIndex())

	compactor, err := newCompactor(l, lg, cfg)
	if err != nil {
		l.Fatal(err)
	}
	defer compactor.Close()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(l, promReg, cfg.Metrics.Port); err != nil {
				l.Errorf("metrics exporter exited: %v", err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	// this blocks until we receive a signal
	sig := <-sigs
	l.Infof("received %v signal, shutting down...", sig)
}

// loadConfig reads the config file named by the environment, falling back to
// defaults when no file is given.
func loadConfig(l *logrus.Logger) (*config.Config, error) {
	path := os.Getenv(configPathVar)
	if path == "" {
		l.Info("no config file given, using defaults")
		return config.Default(), nil
	}

	return config.Load(path)
}

// newCompactor builds the compactor from the storage config section.
func newCompactor(l *logrus.Logger, lg *log.Log, cfg *config.Config) (*log.Compactor, error) {
	interval, err := cfg.Storage.Interval()
	if err != nil {
		return nil, err
	}

	mode, err := compaction.ParseMode(cfg.Storage.CompactionMode)
	if err != nil {
		return nil, err
	}

	return log.NewCompactor(l, lg, log.Interval(interval), log.Mode(mode)), nil
}
