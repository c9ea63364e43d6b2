// Package grpcmeta extracts gRPC call metadata from decoded HTTP/2 header fields.
package grpcmeta

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"k8s.io/klog/v2"

	"github.com/erda-project/hpack-agent/pkg/hpack"
)

// CaptureTableSize is the dynamic table size used for captured fragments.
// A capture holds a single block, so the table only matters for entries
// inserted by the fragment itself.
const CaptureTableSize = 2048

type Call struct {
	Path        string
	Service     string
	Method      string
	Authority   string
	ContentType string
	HTTPStatus  int
	// HasStatus is set once a grpc-status field was seen.
	HasStatus bool
	Status    codes.Code
	Message   string
}

// IsGRPC reports whether the content type announces gRPC.
func (c *Call) IsGRPC() bool {
	return strings.HasPrefix(c.ContentType, "application/grpc")
}

func (c *Call) String() string {
	s := fmt.Sprintf("path: %s", c.Path)
	if c.HTTPStatus != 0 {
		s += fmt.Sprintf(", http status: %d", c.HTTPStatus)
	}
	if c.HasStatus {
		s += fmt.Sprintf(", grpc status: %s", c.Status)
		if c.Message != "" {
			s += fmt.Sprintf(" (%s)", c.Message)
		}
	}
	return s
}

// FromFields collects the request or response metadata found in fields.
// Unknown fields are ignored.
func FromFields(fields []hpack.HeaderField) (*Call, error) {
	c := &Call{}
	for _, f := range fields {
		switch f.Name {
		case ":path":
			c.Path = f.Value
			c.Service, c.Method = splitPath(f.Value)
		case ":authority":
			c.Authority = f.Value
		case ":status":
			status, err := strconv.Atoi(f.Value)
			if err != nil {
				return c, errors.Wrapf(err, "invalid :status %q", f.Value)
			}
			c.HTTPStatus = status
		case "content-type":
			c.ContentType = f.Value
		case "grpc-status":
			code, err := strconv.ParseUint(f.Value, 10, 32)
			if err != nil {
				return c, errors.Wrapf(err, "invalid grpc-status %q", f.Value)
			}
			c.Status = codes.Code(code)
			c.HasStatus = true
		case "grpc-message":
			msg, err := url.PathUnescape(f.Value)
			if err != nil {
				msg = f.Value
			}
			c.Message = msg
		}
	}
	return c, nil
}

// splitPath splits "/package.Service/Method".
func splitPath(path string) (service, method string) {
	path = strings.TrimPrefix(path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// FromCapture decodes a header block fragment copied into a fixed-size,
// zero-padded buffer, as eBPF perf events hand them out. The fragment must
// not depend on earlier blocks of its connection.
func FromCapture(buf []byte) ([]hpack.HeaderField, error) {
	block := bytes.TrimRight(buf, "\x00")
	d := hpack.NewDecoder(CaptureTableSize)
	fields, err := d.Decode(block)
	if err != nil {
		klog.V(4).Infof("grpcmeta: decode %d byte capture: %v", len(block), err)
		return fields, err
	}
	return fields, nil
}
