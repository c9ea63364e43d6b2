package collector

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/erda-project/hpack-agent/metric"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type CollectorConfig struct {
	Addr     string        `file:"addr" env:"COLLECTOR_ADDR"`
	UserName string        `file:"username" env:"COLLECTOR_AUTH_USERNAME"`
	Password string        `file:"password" env:"COLLECTOR_AUTH_PASSWORD"`
	Retry    int           `file:"retry" env:"TELEMETRY_REPORT_STRICT_RETRY" default:"3"`
	Timeout  time.Duration `file:"timeout" env:"COLLECTOR_TIMEOUT" default:"10s"`
}

type ReportClient struct {
	CFG        *CollectorConfig
	HttpClient *http.Client
}

type NamedMetrics struct {
	Name    string
	Metrics Metrics `json:"metrics"`
}

type Metrics []*metric.Metric

func CreateReportClient(cfg *CollectorConfig) *ReportClient {
	return &ReportClient{
		CFG:        cfg,
		HttpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Send posts in to the collector, one request per non-empty route. Each
// group is retried up to Retry times; the last failure is returned.
func (c *ReportClient) Send(in []*metric.Metric) error {
	var lastErr error
	for _, group := range c.group(in) {
		if len(group.Metrics) == 0 {
			continue
		}
		requestBuffer, err := c.serialize(group)
		if err != nil {
			lastErr = err
			continue
		}
		retry := c.CFG.Retry
		if retry < 1 {
			retry = 1
		}
		for i := 0; i < retry; i++ {
			if err = c.write(group.Name, bytes.NewReader(requestBuffer)); err == nil {
				break
			}
			klog.Errorf("retry %d # report %s to collector error: %v", i, group.Name, err)
		}
		if err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (c *ReportClient) serialize(group *NamedMetrics) ([]byte, error) {
	requestContent, err := json.Marshal(map[string]interface{}{group.Name: group.Metrics})
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s", group.Name)
	}
	base64Content := make([]byte, base64.StdEncoding.EncodedLen(len(requestContent)))
	base64.StdEncoding.Encode(base64Content, requestContent)
	return CompressWithGzip(base64Content)
}

// group sorts in into the collector's metrics, trace and error routes.
func (c *ReportClient) group(in []*metric.Metric) []*NamedMetrics {
	metrics := &NamedMetrics{Name: "metrics", Metrics: make([]*metric.Metric, 0)}
	trace := &NamedMetrics{Name: "trace", Metrics: make([]*metric.Metric, 0)}
	errorG := &NamedMetrics{Name: "error", Metrics: make([]*metric.Metric, 0)}
	for _, m := range in {
		switch m.Name {
		case "trace", "span":
			trace.Metrics = append(trace.Metrics, m)
		case "error":
			errorG.Metrics = append(errorG.Metrics, m)
		default:
			metrics.Metrics = append(metrics.Metrics, m)
		}
	}
	return []*NamedMetrics{metrics, trace, errorG}
}

func (c *ReportClient) write(name string, requestBuffer io.Reader) error {
	req, err := http.NewRequest(http.MethodPost, c.formatRoute(name), requestBuffer)
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Custom-Content-Encoding", "base64")
	req.Header.Set("Content-Type", "application/json")
	if len(c.CFG.UserName) > 0 {
		req.SetBasicAuth(c.CFG.UserName, c.CFG.Password)
	}
	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			klog.Errorf("close response body error: %v", err)
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("when writing to [%s] received status code: %d", c.formatRoute(name), resp.StatusCode)
	}
	return nil
}

func (c *ReportClient) formatRoute(name string) string {
	addr := c.CFG.Addr
	if !strings.HasPrefix(addr, "https://") && !strings.HasPrefix(addr, "http://") {
		addr = "https://" + addr
	}
	return fmt.Sprintf("%s/collect/%s", addr, name)
}

func CompressWithGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}
