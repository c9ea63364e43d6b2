package influxdb

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erda-project/hpack-agent/metric"
)

func TestPoint(t *testing.T) {
	stats := &metric.DecodeStats{Source: "a.hex", Format: "hex", Blocks: 2, Fields: 9}
	p := Point(stats.Metric(time.Unix(10, 0)))
	line := write.PointToLineProtocol(p, time.Second)
	assert.True(t, strings.HasPrefix(line, "hpack_decode,format=hex,source=a.hex "), line)
	assert.Contains(t, line, "fields=9i")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(line), " 10"), line)
}

func TestWrite(t *testing.T) {
	var body, path, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body, path, auth = string(b), r.URL.Path, r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	db := NewInfluxdb(Config{URL: srv.URL, Org: "erda", Bucket: "hpack", Token: "t0ken"})
	defer db.Close()

	stats := &metric.DecodeStats{Source: "a.hex", Format: "hex", Blocks: 2}
	require.NoError(t, db.Write(context.Background(), stats.Metric(time.Unix(10, 0))))
	assert.Equal(t, "/api/v2/write", path)
	assert.Equal(t, "Token t0ken", auth)
	assert.Contains(t, body, "hpack_decode,format=hex,source=a.hex")
}

func TestWriteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	db := NewInfluxdb(Config{URL: srv.URL, Org: "erda", Bucket: "hpack"})
	defer db.Close()
	require.Error(t, db.Write(context.Background(), &metric.Metric{Measurement: "m", Fields: map[string]interface{}{"v": 1}}))
}
