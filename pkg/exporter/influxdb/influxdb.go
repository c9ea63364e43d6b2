package influxdb

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/erda-project/hpack-agent/metric"
)

type Config struct {
	URL    string `file:"url" env:"INFLUXDB_URL"`
	Org    string `file:"org" env:"INFLUXDB_ORG" default:"erda"`
	Bucket string `file:"bucket" env:"INFLUXDB_BUCKET" default:"hpack"`
	Token  string `file:"token" env:"INFLUXDB_TOKEN"`
}

type Influxdb struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	cfg      Config
}

func NewInfluxdb(cfg Config) *Influxdb {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Influxdb{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		cfg:      cfg,
	}
}

func (i *Influxdb) String() string {
	return "influxdb " + i.cfg.URL + " org=" + i.cfg.Org + " bucket=" + i.cfg.Bucket
}

// Point converts m into an InfluxDB point.
func Point(m *metric.Metric) *write.Point {
	return influxdb2.NewPoint(m.Measurement, m.Tags, m.Fields, m.Time())
}

func (i *Influxdb) Write(ctx context.Context, metrics ...*metric.Metric) error {
	points := make([]*write.Point, 0, len(metrics))
	for _, m := range metrics {
		points = append(points, Point(m))
	}
	if err := i.writeAPI.WritePoint(ctx, points...); err != nil {
		return errors.Wrapf(err, "write %d points to %s", len(points), i.cfg.URL)
	}
	klog.V(2).Infof("wrote %d points to %s", len(points), i)
	return nil
}

func (i *Influxdb) Close() {
	i.client.Close()
}
