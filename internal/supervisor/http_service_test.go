// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"
)

type fakeHTTPServer struct {
	listenAndServeErr   error
	listenAndServeBlock bool
	shutdownErr         error
	listenAndServeCount atomic.Int32
	shutdownCount       atomic.Int32
	started             chan struct{}
	stopCh              chan struct{}
}

func newFakeHTTPServer() *fakeHTTPServer {
	return &fakeHTTPServer{started: make(chan struct{}, 1), stopCh: make(chan struct{})}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	f.listenAndServeCount.Add(1)
	select {
	case f.started <- struct{}{}:
	default:
	}
	if f.listenAndServeErr != nil {
		return f.listenAndServeErr
	}
	if f.listenAndServeBlock {
		<-f.stopCh
		return http.ErrServerClosed
	}
	return nil
}

func (f *fakeHTTPServer) Shutdown(_ context.Context) error {
	f.shutdownCount.Add(1)
	close(f.stopCh)
	return f.shutdownErr
}

func TestHTTPServerServiceImplementsSutureService(t *testing.T) {
	var _ suture.Service = (*HTTPServerService)(nil)
}

func TestHTTPServerServiceDefaultsShutdownTimeout(t *testing.T) {
	svc := NewHTTPServerService(&http.Server{}, 0)
	require.Equal(t, 10*time.Second, svc.shutdownTimeout)

	svc = NewHTTPServerService(&http.Server{}, -time.Second)
	require.Equal(t, 10*time.Second, svc.shutdownTimeout)
}

func TestHTTPServerServiceShutsDownOnContextCancel(t *testing.T) {
	server := newFakeHTTPServer()
	server.listenAndServeBlock = true
	svc := &HTTPServerService{server: server, shutdownTimeout: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	select {
	case <-server.started:
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}

	cancel()

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	require.EqualValues(t, 1, server.listenAndServeCount.Load())
	require.EqualValues(t, 1, server.shutdownCount.Load())
}

func TestHTTPServerServiceReturnsStartupError(t *testing.T) {
	server := newFakeHTTPServer()
	server.listenAndServeErr = errors.New("bind: address already in use")
	svc := &HTTPServerService{server: server, shutdownTimeout: time.Second}

	err := svc.Serve(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "address already in use")
}

func TestHTTPServerServiceStringIdentifiesService(t *testing.T) {
	svc := &HTTPServerService{server: newFakeHTTPServer(), shutdownTimeout: time.Second}
	require.Equal(t, "eventbridge-http-server", svc.String())
}
