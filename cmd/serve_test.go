package main

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePort(t *testing.T) {
	assert.Equal(t, 9090, resolvePort(9090, 8080))
	assert.Equal(t, 8080, resolvePort(0, 8080))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestStartServer_GracefulShutdown(t *testing.T) {
	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	done := make(chan error, 1)
	go func() { done <- startServer(ctx, h, port) }()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:gosec,noctx
		if err != nil {
			return false
		}
		resp.Body.Close() //nolint:errcheck
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStartServer_ListenError(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer l.Close() //nolint:errcheck

	port := l.Addr().(*net.TCPAddr).Port
	err = startServer(context.Background(), http.NotFoundHandler(), port)
	assert.ErrorContains(t, err, "server listen")
}
