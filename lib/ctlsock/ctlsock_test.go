// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package ctlsock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flotilla-dev/flotilla/lib/codec"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// startServer runs a server in the background and waits for the
// socket to appear.
func startServer(t *testing.T, server *Server) (socketPath string, stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		// Wait for a socket specifically: a stale regular file left
		// at the path must not count as the server being ready.
		if info, err := os.Stat(server.socketPath); err == nil && info.Mode()&os.ModeSocket != 0 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("socket did not appear")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return server.socketPath, func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancellation")
		}
	}
}

func TestCallRoundTrip(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "flotillad.sock")
	server := NewServer(socketPath, testLogger())
	server.Handle("agent.show", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			AgentID string `cbor:"agent_id"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		return map[string]any{"agent_id": request.AgentID, "port": 30000}, nil
	})
	_, stop := startServer(t, server)
	defer stop()

	client := NewClient(socketPath)
	var result struct {
		AgentID string `cbor:"agent_id"`
		Port    int    `cbor:"port"`
	}
	err := client.Call(context.Background(), "agent.show",
		map[string]any{"agent_id": "ada"}, &result)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.AgentID != "ada" || result.Port != 30000 {
		t.Fatalf("result = %+v", result)
	}
}

func TestHandlerErrorBecomesCallError(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "flotillad.sock")
	server := NewServer(socketPath, testLogger())
	server.Handle("agent.delete", func(ctx context.Context, raw []byte) (any, error) {
		return nil, fmt.Errorf("agent not found")
	})
	_, stop := startServer(t, server)
	defer stop()

	err := NewClient(socketPath).Call(context.Background(), "agent.delete", nil, nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("err = %v, want *CallError", err)
	}
	if callErr.Action != "agent.delete" || callErr.Message != "agent not found" {
		t.Fatalf("callErr = %+v", callErr)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "flotillad.sock")
	server := NewServer(socketPath, testLogger())
	_, stop := startServer(t, server)
	defer stop()

	err := NewClient(socketPath).Call(context.Background(), "no.such.action", nil, nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("err = %v, want *CallError", err)
	}
}

func TestNilResultMeansOKOnly(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "flotillad.sock")
	server := NewServer(socketPath, testLogger())
	called := make(chan struct{}, 1)
	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		called <- struct{}{}
		return nil, nil
	})
	_, stop := startServer(t, server)
	defer stop()

	if err := NewClient(socketPath).Call(context.Background(), "status", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	select {
	case <-called:
	default:
		t.Fatal("handler not invoked")
	}
}

func TestStaleSocketFileReplaced(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "flotillad.sock")
	// Leave a dead socket file from a crashed daemon behind.
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	server := NewServer(socketPath, testLogger())
	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		return nil, nil
	})
	_, stop := startServer(t, server)
	defer stop()

	if err := NewClient(socketPath).Call(context.Background(), "status", nil, nil); err != nil {
		t.Fatalf("Call over replaced socket: %v", err)
	}
}

func TestSocketRemovedOnShutdown(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "flotillad.sock")
	server := NewServer(socketPath, testLogger())
	_, stop := startServer(t, server)
	stop()

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Fatalf("socket file still present after shutdown: %v", err)
	}
}

func TestDuplicateHandlerPanics(t *testing.T) {
	server := NewServer(filepath.Join(t.TempDir(), "s.sock"), testLogger())
	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate Handle did not panic")
		}
	}()
	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) { return nil, nil })
}
