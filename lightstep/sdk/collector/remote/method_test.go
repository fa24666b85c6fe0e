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
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/config"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/config/configcompression"
)

type captured struct {
	query  url.Values
	header http.Header
	body   []byte
}

type recorder struct {
	lock sync.Mutex
	reqs []captured
}

func (r *recorder) all() []captured {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]captured(nil), r.reqs...)
}

func newCollector(t *testing.T, status int, response string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path != invokePath || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		rec.lock.Lock()
		rec.reqs = append(rec.reqs, captured{query: r.URL.Query(), header: r.Header.Clone(), body: body})
		rec.lock.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func storeFor(t *testing.T, srv *httptest.Server, f func(config.Snapshot) config.Snapshot) *config.Store {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	snap := config.NewSnapshot()
	snap.Host = host
	snap.Port = p
	snap.Insecure = true
	snap.LicenseKey = "0123456789abcdef"
	if f != nil {
		snap = f(snap)
	}
	return config.NewStore(snap)
}

func TestMethodURL(t *testing.T) {
	snap := config.NewSnapshot()
	snap.Host = "collector.example.com"
	snap.LicenseKey = "key with space"

	m := New("connect", config.NewStore(snap))
	require.Equal(t,
		"https://collector.example.com:443/agent_listener/invoke_raw_method?marshal_format=json&protocol_version=17&license_key=key+with+space&method=connect",
		m.URL(snap))

	snap.RunID = "run-42"
	require.True(t, strings.HasSuffix(m.URL(snap), "&method=connect&run_id=run-42"))
}

func TestInvokeRequest(t *testing.T) {
	srv, reqs := newCollector(t, http.StatusOK, `{"return_value":{"agent_run_id":"abc"}}`)
	store := storeFor(t, srv, func(s config.Snapshot) config.Snapshot {
		s.RunID = "run-1"
		s.RequestHeaders = map[string]string{"X-Request-Metadata": "meta"}
		return s
	})

	m := New(MethodMetricData, store, WithUserAgent("test/1.0"))
	resp, err := m.Invoke(context.Background(), []any{"run-1", 1, 2}, map[string]string{"X-Extra": "yes"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rv struct {
		RunID string `json:"agent_run_id"`
	}
	require.NoError(t, resp.Decode(&rv))
	require.Equal(t, "abc", rv.RunID)

	require.Len(t, reqs.all(), 1)
	got := reqs.all()[0]
	require.Equal(t, "json", got.query.Get("marshal_format"))
	require.Equal(t, "17", got.query.Get("protocol_version"))
	require.Equal(t, "0123456789abcdef", got.query.Get("license_key"))
	require.Equal(t, MethodMetricData, got.query.Get("method"))
	require.Equal(t, "run-1", got.query.Get("run_id"))

	require.Equal(t, "application/json", got.header.Get("Content-Type"))
	require.Equal(t, "identity", got.header.Get("Content-Encoding"))
	require.Equal(t, "test/1.0", got.header.Get("User-Agent"))
	require.Equal(t, "meta", got.header.Get("X-Request-Metadata"))
	require.Equal(t, "yes", got.header.Get("X-Extra"))
	require.JSONEq(t, `["run-1",1,2]`, string(got.body))
}

func TestInvokeCompressionThreshold(t *testing.T) {
	srv, reqs := newCollector(t, http.StatusOK, "")
	m := New(MethodAnalyticEventData, storeFor(t, srv, nil))

	// A JSON string of n-2 characters serializes to exactly n bytes.
	at := strings.Repeat("a", config.DefaultCompressionThreshold-2)
	over := strings.Repeat("a", config.DefaultCompressionThreshold-1)

	_, err := m.Invoke(context.Background(), at, nil)
	require.NoError(t, err)
	_, err = m.Invoke(context.Background(), over, nil)
	require.NoError(t, err)

	require.Len(t, reqs.all(), 2)

	first := reqs.all()[0]
	require.Equal(t, "identity", first.header.Get("Content-Encoding"))
	require.Len(t, first.body, config.DefaultCompressionThreshold)

	second := reqs.all()[1]
	require.Equal(t, "deflate", second.header.Get("Content-Encoding"))
	require.Equal(t, "application/octet-stream", second.header.Get("Content-Type"))
	plain, err := Deflate.Decompress(second.body)
	require.NoError(t, err)
	require.Equal(t, `"`+over+`"`, string(plain))
}

func TestInvokeCompressionType(t *testing.T) {
	srv, reqs := newCollector(t, http.StatusOK, "")
	m := New(MethodSpanEventData, storeFor(t, srv, func(s config.Snapshot) config.Snapshot {
		s.Compression = configcompression.TypeGzip
		s.CompressionThreshold = 8
		return s
	}))

	_, err := m.Invoke(context.Background(), "compressed payload", nil)
	require.NoError(t, err)

	got := reqs.all()[0]
	require.Equal(t, "gzip", got.header.Get("Content-Encoding"))
	plain, err := Gzip.Decompress(got.body)
	require.NoError(t, err)
	require.Equal(t, `"compressed payload"`, string(plain))

	bad := New(MethodSpanEventData, storeFor(t, srv, func(s config.Snapshot) config.Snapshot {
		s.Compression = configcompression.TypeSnappy
		s.CompressionThreshold = 8
		return s
	}))
	_, err = bad.Invoke(context.Background(), "compressed payload", nil)
	var local *LocalError
	require.ErrorAs(t, err, &local)
	require.Equal(t, "compress", local.Op)
	require.Len(t, reqs.all(), 1)
}

func TestInvokeErrors(t *testing.T) {
	t.Run("serialize", func(t *testing.T) {
		srv, reqs := newCollector(t, http.StatusOK, "")
		m := New(MethodErrorData, storeFor(t, srv, nil))

		_, err := m.Invoke(context.Background(), math.Inf(1), nil)
		var local *LocalError
		require.ErrorAs(t, err, &local)
		require.Equal(t, "serialize", local.Op)
		require.Empty(t, reqs.all(), "no request is sent")
	})

	t.Run("too_large", func(t *testing.T) {
		srv, reqs := newCollector(t, http.StatusOK, "")
		m := New(MethodErrorData, storeFor(t, srv, func(s config.Snapshot) config.Snapshot {
			s.MaxPayloadSize = 10
			return s
		}))

		_, err := m.Invoke(context.Background(), strings.Repeat("x", 100), nil)
		require.ErrorIs(t, err, ErrPayloadTooLarge)
		require.Empty(t, reqs.all())
	})

	t.Run("status", func(t *testing.T) {
		srv, _ := newCollector(t, http.StatusServiceUnavailable, "")
		m := New(MethodErrorData, storeFor(t, srv, nil))

		resp, err := m.Invoke(context.Background(), []int{1}, nil)
		require.Nil(t, resp)
		var status *StatusError
		require.ErrorAs(t, err, &status)
		require.Equal(t, http.StatusServiceUnavailable, status.StatusCode)
	})

	t.Run("transport", func(t *testing.T) {
		srv, _ := newCollector(t, http.StatusOK, "")
		store := storeFor(t, srv, nil)
		srv.Close()

		m := New(MethodErrorData, store, WithHTTPClient(&http.Client{Timeout: time.Second}))
		_, err := m.Invoke(context.Background(), []int{1}, nil)
		var transport *TransportError
		require.ErrorAs(t, err, &transport)
	})

	t.Run("exception", func(t *testing.T) {
		srv, _ := newCollector(t, http.StatusOK,
			`{"exception":{"message":"restart please","error_type":"NewRelic::Agent::ForceRestartException"}}`)
		m := New(MethodMetricData, storeFor(t, srv, nil))

		resp, err := m.Invoke(context.Background(), []int{1}, nil)
		require.NotNil(t, resp)
		var remoteErr *RemoteException
		require.ErrorAs(t, err, &remoteErr)
		require.Equal(t, "restart please", remoteErr.Message)
		require.True(t, strings.HasSuffix(remoteErr.ErrorType, "ForceRestartException"))
	})

	t.Run("undecodable_body_is_success", func(t *testing.T) {
		srv, _ := newCollector(t, http.StatusAccepted, `<html>`)
		m := New(MethodMetricData, storeFor(t, srv, nil))

		resp, err := m.Invoke(context.Background(), []int{1}, nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		require.Nil(t, resp.ReturnValue)
	})
}

func TestCompressRoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte(`{"name":"WebTransaction"}`), 100)
	for _, enc := range []Encoding{Identity, Deflate, Gzip} {
		out, err := enc.Compress(body)
		require.NoError(t, err)
		if enc != Identity {
			require.Less(t, len(out), len(body))
		}
		back, err := enc.Decompress(out)
		require.NoError(t, err)
		require.Equal(t, body, back)
	}

	_, err := Encoding("brotli").Compress(body)
	require.Error(t, err)
}

func TestParseEncoding(t *testing.T) {
	for name, want := range map[configcompression.Type]Encoding{
		"":                            Deflate,
		configcompression.TypeDeflate: Deflate,
		configcompression.TypeZlib:    Deflate,
		configcompression.TypeGzip:    Gzip,
		"none":                        Identity,
	} {
		got, err := ParseEncoding(name)
		require.NoError(t, err, name)
		require.Equal(t, want, got)
	}

	// A valid type the collector cannot decode.
	_, err := ParseEncoding(configcompression.TypeLz4)
	require.ErrorContains(t, err, "not accepted by the collector")
	require.False(t, errors.Is(err, ErrPayloadTooLarge))

	// Not a compression type at all.
	_, err = ParseEncoding("brotli")
	require.ErrorContains(t, err, "compression")
}
