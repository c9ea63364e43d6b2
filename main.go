package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/erda-project/hpack-agent/pkg/envconf"
)

type flags struct {
	configPath      string
	format          string
	tableSize       uint32
	maxStringLength int
	metricsAddr     string
	maxFrameSize    uint32
	collectorAddr   string
	influxURL       string
	influxToken     string
	influxOrg       string
	influxBucket    string
}

func newFlagSet(f *flags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("hpack-agent", pflag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "YAML config file")
	fs.StringVar(&f.format, "format", "hex", "input format: hex, story, h2 or capture")
	fs.Uint32Var(&f.tableSize, "table-size", 4096, "initial dynamic table size")
	fs.IntVar(&f.maxStringLength, "max-string-length", 65536, "string literal length limit, 0 disables it")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics and /debug/pprof on this address, e.g. localhost:8777")
	fs.Uint32Var(&f.maxFrameSize, "max-frame-size", 0, "largest HTTP/2 frame read from h2 captures, 0 keeps the framer default")
	fs.StringVar(&f.collectorAddr, "collector-addr", "", "collector to report decode metrics to")
	fs.StringVar(&f.influxURL, "influx-url", "", "InfluxDB URL to write decode metrics to")
	fs.StringVar(&f.influxToken, "influx-token", "", "InfluxDB token")
	fs.StringVar(&f.influxOrg, "influx-org", "", "InfluxDB organization")
	fs.StringVar(&f.influxBucket, "influx-bucket", "", "InfluxDB bucket")

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)
	return fs
}

// loadConfig layers the config file, the environment and the flags that
// were set explicitly, in that order.
func loadConfig(fs *pflag.FlagSet, f *flags) (*Config, error) {
	cfg := &Config{}
	if f.configPath != "" {
		data, err := os.ReadFile(f.configPath)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if err := envconf.LoadYAML(data, cfg); err != nil {
			return nil, errors.Wrap(err, f.configPath)
		}
	}
	if err := envconf.Load(cfg); err != nil {
		return nil, err
	}

	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("format", func() { cfg.Format = f.format })
	set("table-size", func() { cfg.Decoder.TableSize = f.tableSize })
	set("max-string-length", func() { cfg.Decoder.MaxStringLength = f.maxStringLength })
	set("metrics-addr", func() { cfg.MetricsAddr = f.metricsAddr })
	set("max-frame-size", func() { cfg.MaxFrameSize = f.maxFrameSize })
	set("collector-addr", func() { cfg.Collector.Addr = f.collectorAddr })
	set("influx-url", func() { cfg.Influxdb.URL = f.influxURL })
	set("influx-token", func() { cfg.Influxdb.Token = f.influxToken })
	set("influx-org", func() { cfg.Influxdb.Org = f.influxOrg })
	set("influx-bucket", func() { cfg.Influxdb.Bucket = f.influxBucket })
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	defer klog.Flush()

	var f flags
	fs := newFlagSet(&f)
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: hpack-agent [flags] FILE...")
		fs.PrintDefaults()
		return 2
	}

	cfg, err := loadConfig(fs, &f)
	if err != nil {
		klog.Errorf("load config: %v", err)
		return 2
	}
	p := &provider{Cfg: cfg, out: os.Stdout}
	if err := p.Init(); err != nil {
		klog.Errorf("init: %v", err)
		return 2
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := p.Run(ctx, fs.Args()); err != nil {
		klog.Errorf("%v", err)
		return 1
	}
	return 0
}
