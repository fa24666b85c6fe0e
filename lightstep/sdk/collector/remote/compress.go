// Copyright Lightstep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package remote

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"go.opentelemetry.io/collector/config/configcompression"
)

// Encoding is a Content-Encoding understood by the collector.
type Encoding string

const (
	Identity Encoding = "identity"
	Deflate  Encoding = "deflate"
	Gzip     Encoding = "gzip"
)

// ParseEncoding maps a configured compression type to an Encoding.
// The empty type selects Deflate.  Zlib is sent as Deflate.  Types
// the collector cannot decode are rejected.
func ParseEncoding(t configcompression.Type) (Encoding, error) {
	if t == "" {
		return Deflate, nil
	}
	var ct configcompression.Type
	if err := ct.UnmarshalText([]byte(t)); err != nil {
		return "", fmt.Errorf("compression: %w", err)
	}
	switch ct {
	case configcompression.TypeDeflate, configcompression.TypeZlib:
		return Deflate, nil
	case configcompression.TypeGzip:
		return Gzip, nil
	case "none":
		return Identity, nil
	default:
		return "", fmt.Errorf("compression: %q is not accepted by the collector", ct)
	}
}

// Compress encodes body.  Deflate uses the zlib container, which is
// what HTTP calls "deflate".
func (e Encoding) Compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser

	switch e {
	case Identity:
		return body, nil
	case Deflate:
		w = zlib.NewWriter(&buf)
	case Gzip:
		w = gzip.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", e)
	}

	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func (e Encoding) Decompress(body []byte) ([]byte, error) {
	var r io.ReadCloser
	var err error

	switch e {
	case Identity, "":
		return body, nil
	case Deflate:
		r, err = zlib.NewReader(bytes.NewReader(body))
	case Gzip:
		r, err = gzip.NewReader(bytes.NewReader(body))
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", e)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
