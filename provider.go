package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/erda-project/hpack-agent/metric"
	"github.com/erda-project/hpack-agent/pkg/conntrack"
	"github.com/erda-project/hpack-agent/pkg/exporter/collector"
	"github.com/erda-project/hpack-agent/pkg/exporter/influxdb"
	"github.com/erda-project/hpack-agent/pkg/grpcmeta"
	"github.com/erda-project/hpack-agent/pkg/h2capture"
	"github.com/erda-project/hpack-agent/pkg/hpack"
	"github.com/erda-project/hpack-agent/pkg/input"
	"github.com/erda-project/hpack-agent/pkg/story"
)

const (
	FormatHex   = "hex"
	FormatStory = "story"
	FormatH2    = "h2"
	// FormatCapture holds one zero-padded capture buffer per hex line.
	FormatCapture = "capture"
)

type Config struct {
	Format      string                    `file:"format" env:"HPACK_FORMAT" default:"hex"`
	MetricsAddr string                    `file:"metrics_addr" env:"HPACK_METRICS_ADDR"`
	Decoder     conntrack.Config          `file:"decoder"`
	Collector   collector.CollectorConfig `file:"collector"`
	Influxdb    influxdb.Config           `file:"influxdb"`

	// MaxFrameSize overrides the largest HTTP/2 frame read from h2 captures when non-zero.
	MaxFrameSize uint32 `file:"max_frame_size" env:"HPACK_MAX_FRAME_SIZE"`
}

type provider struct {
	Cfg *Config
	out io.Writer

	registry        *prometheus.Registry
	conns           *conntrack.Registry
	collectorClient *collector.ReportClient
	influx          *influxdb.Influxdb
	server          *http.Server
	metrics         []*metric.Metric
}

func (p *provider) Init() error {
	switch p.Cfg.Format {
	case FormatHex, FormatStory, FormatH2, FormatCapture:
	default:
		return errors.Errorf("unknown format %q", p.Cfg.Format)
	}
	p.registry = prometheus.NewRegistry()
	conns, err := conntrack.NewRegistry(p.Cfg.Decoder, p.registry)
	if err != nil {
		return err
	}
	p.conns = conns
	if p.Cfg.Collector.Addr != "" {
		p.collectorClient = collector.CreateReportClient(&p.Cfg.Collector)
	}
	if p.Cfg.Influxdb.URL != "" {
		p.influx = influxdb.NewInfluxdb(p.Cfg.Influxdb)
	}
	if p.Cfg.MetricsAddr != "" {
		p.server = &http.Server{Addr: p.Cfg.MetricsAddr, Handler: p.newServeMux()}
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				klog.Errorf("serve metrics on %s: %v", srv.Addr, err)
			}
		}(p.server)
	}
	return nil
}

func (p *provider) newServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Run decodes every file and exports the per-file statistics. It returns
// an error when any file failed to decode completely.
func (p *provider) Run(ctx context.Context, files []string) error {
	klog.Infof("starting hpack agent, format %s, %d inputs", p.Cfg.Format, len(files))
	var failed []string
	for _, name := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats := &metric.DecodeStats{Source: input.Trim(filepath.Base(name)), Format: p.Cfg.Format}
		if err := p.runFile(name, stats); err != nil {
			klog.Errorf("%s: %v", name, err)
			failed = append(failed, name)
			// runners that count their own failures have set Errors already
			if stats.Errors == 0 {
				stats.Errors = 1
			}
		}
		p.metrics = append(p.metrics, stats.Metric(time.Now()))
	}
	p.export(ctx)
	if len(failed) > 0 {
		return errors.Errorf("%d of %d inputs failed: %s", len(failed), len(files), strings.Join(failed, ", "))
	}
	return nil
}

func (p *provider) runFile(name string, stats *metric.DecodeStats) error {
	rc, err := input.Open(name)
	if err != nil {
		return err
	}
	defer rc.Close()

	switch p.Cfg.Format {
	case FormatStory:
		return p.runStory(rc, stats)
	case FormatH2:
		return p.runH2(name, rc, stats)
	case FormatCapture:
		return p.runCapture(rc, stats)
	}
	return p.runHex(name, rc, stats)
}

// scanHex calls fn with the bytes of every non-empty line of r. Whitespace
// is ignored and '#' starts a comment.
func scanHex(r io.Reader, fn func(line int, data []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.Join(strings.Fields(text), "")
		if text == "" {
			continue
		}
		data, err := hex.DecodeString(text)
		if err != nil {
			return errors.Wrapf(err, "line %d", line)
		}
		if err := fn(line, data); err != nil {
			return errors.Wrapf(err, "line %d", line)
		}
	}
	return errors.WithStack(sc.Err())
}

// runHex decodes one header block per line. Lines share one session.
func (p *provider) runHex(name string, r io.Reader, stats *metric.DecodeStats) error {
	key := conntrack.ConnKey{Conn: name}
	defer p.conns.Close(name)
	session := p.conns.Session(key)

	err := scanHex(r, func(line int, block []byte) error {
		fields, err := session.Decode(block)
		p.printFields(fmt.Sprintf("# line %d", line), fields)
		stats.Fields += len(fields)
		if err != nil {
			return err
		}
		stats.Blocks++
		return nil
	})
	stats.TableSize = session.TableSize()
	stats.Evictions = session.Evictions()
	return err
}

// runCapture decodes every line as an independent capture buffer.
func (p *provider) runCapture(r io.Reader, stats *metric.DecodeStats) error {
	return scanHex(r, func(line int, buf []byte) error {
		fields, err := grpcmeta.FromCapture(buf)
		p.printFields(fmt.Sprintf("# capture %d", line), fields)
		stats.Fields += len(fields)
		if err != nil {
			return err
		}
		stats.Blocks++
		p.printCall(fields)
		return nil
	})
}

func (p *provider) runStory(r io.Reader, stats *metric.DecodeStats) error {
	s, err := story.Load(r)
	if err != nil {
		return err
	}
	res, err := story.Run(s, story.Options{
		TableSize:       p.Cfg.Decoder.TableSize,
		MaxStringLength: p.Cfg.Decoder.MaxStringLength,
	})
	if err != nil {
		return err
	}
	stats.Blocks = res.Cases
	stats.Fields = res.Fields
	stats.TableSize = res.TableSize
	stats.Evictions = res.Evictions
	for _, e := range res.Errors {
		fmt.Fprintf(p.out, "FAIL %v\n", e)
	}
	if !res.OK() {
		stats.Errors = len(res.Errors)
		return errors.Errorf("%d of %d cases failed", len(res.Errors), res.Cases)
	}
	fmt.Fprintf(p.out, "ok %q: %d cases, %d fields\n", s.Description, res.Cases, res.Fields)
	return nil
}

func (p *provider) runH2(name string, r io.Reader, stats *metric.DecodeStats) error {
	key := conntrack.ConnKey{Conn: name}
	defer p.conns.Close(name)
	reader, err := h2capture.NewReader(r, p.conns, key)
	if err != nil {
		return err
	}
	if p.Cfg.MaxFrameSize != 0 {
		reader.SetMaxFrameSize(p.Cfg.MaxFrameSize)
	}
	session := p.conns.Session(key)
	for {
		b, err := reader.Next()
		if err == io.EOF {
			break
		}
		if b != nil {
			p.printFields(fmt.Sprintf("# stream %d", b.StreamID), b.Fields)
			stats.Fields += len(b.Fields)
			p.printCall(b.Fields)
		}
		if err != nil {
			return err
		}
		stats.Blocks++
	}
	stats.TableSize = session.TableSize()
	stats.Evictions = session.Evictions()
	return nil
}

func (p *provider) printCall(fields []hpack.HeaderField) {
	if call, err := grpcmeta.FromFields(fields); err == nil && (call.IsGRPC() || call.HasStatus) {
		fmt.Fprintf(p.out, "# grpc %s\n", call)
	}
}

func (p *provider) printFields(header string, fields []hpack.HeaderField) {
	fmt.Fprintln(p.out, header)
	for _, f := range fields {
		fmt.Fprintln(p.out, f.String())
	}
}

func (p *provider) export(ctx context.Context) {
	if len(p.metrics) == 0 {
		return
	}
	if p.collectorClient != nil {
		if err := p.collectorClient.Send(p.metrics); err != nil {
			klog.Errorf("send metric to %s collector error: %v", p.Cfg.Collector.Addr, err)
		} else {
			klog.Infof("send %d metric to %s collector success", len(p.metrics), p.Cfg.Collector.Addr)
		}
	}
	if p.influx != nil {
		if err := p.influx.Write(ctx, p.metrics...); err != nil {
			klog.Errorf("write metric to influxdb error: %v", err)
		}
	}
	for _, m := range p.metrics {
		klog.V(2).Info(m.String())
	}
}

func (p *provider) Close() error {
	if p.influx != nil {
		p.influx.Close()
	}
	if p.server != nil {
		return p.server.Close()
	}
	return nil
}
