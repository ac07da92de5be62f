// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/secmon/clusterd/lib/rand"
)

const testKey = "9d273b53510fef702b54a92e9cffc82e"

type closeRecorder struct {
	mut    sync.Mutex
	err    error
	called int
	done   chan struct{}
}

func newCloseRecorder() *closeRecorder {
	return &closeRecorder{done: make(chan struct{})}
}

func (c *closeRecorder) onClose(err error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.called++
	c.err = err
	if c.called == 1 {
		close(c.done)
	}
}

func (c *closeRecorder) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.err
}

func newTestPair(t *testing.T, a, b Options) (*Endpoint, *Endpoint) {
	t.Helper()
	c0, c1 := net.Pipe()
	if a.Name == "" {
		a.Name = "b"
	}
	if b.Name == "" {
		b.Name = "a"
	}
	e0 := NewEndpoint(c0, a)
	e1 := NewEndpoint(c1, b)
	e0.Start()
	e1.Start()
	t.Cleanup(func() {
		e0.Close(errors.New("test done"))
		e1.Close(errors.New("test done"))
	})
	return e0, e1
}

func TestEcho(t *testing.T) {
	for _, key := range []string{"", testKey} {
		opts := Options{Key: key, RequestChunk: 100}
		a, _ := newTestPair(t, opts, opts)

		for _, size := range []int{0, 5, 99, 100, 101, 10000} {
			payload := []byte(rand.String(size))
			resp, err := a.SendRequest(context.Background(), "echo", payload)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(resp, payload) {
				t.Errorf("key %q size %d: echo mismatch", key, size)
			}
		}
	}
}

func TestConcurrentRequests(t *testing.T) {
	opts := Options{Key: testKey, RequestChunk: 128}
	a, b := newTestPair(t, opts, opts)

	var wg sync.WaitGroup
	for _, e := range []*Endpoint{a, b, a, b, a, b} {
		wg.Add(1)
		go func(e *Endpoint) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				payload := []byte(rand.String(rand.Intn(1000)))
				resp, err := e.SendRequest(context.Background(), "echo", payload)
				if err != nil {
					t.Error(err)
					return
				}
				if !bytes.Equal(resp, payload) {
					t.Error("echo mismatch")
					return
				}
			}
		}(e)
	}
	wg.Wait()
}

func TestUnknownCommand(t *testing.T) {
	a, _ := newTestPair(t, Options{}, Options{})

	_, err := a.SendRequest(context.Background(), "nosuch", nil)
	if !errors.Is(err, ErrRemote) {
		t.Errorf("expected remote error, got %v", err)
	}
	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("expected unknown command error, got %v", err)
	}
	if !strings.Contains(err.Error(), "unknown command 'nosuch'") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestHandlerErrors(t *testing.T) {
	handlers := map[string]HandlerFunc{
		"known": func(context.Context, []byte) ([]byte, error) {
			return nil, NewError(KindPermissionDenied, CodePermissionDenied, "not now")
		},
		"other": func(context.Context, []byte) ([]byte, error) {
			return nil, errors.New("boom")
		},
		"silent": func(context.Context, []byte) ([]byte, error) {
			return nil, NoReply
		},
	}
	a, _ := newTestPair(t, Options{RequestTimeout: 100 * time.Millisecond}, Options{Handlers: handlers})

	_, err := a.SendRequest(context.Background(), "known", nil)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("expected permission denied, got %v", err)
	}

	_, err = a.SendRequest(context.Background(), "other", nil)
	var rerr *RemoteError
	if !errors.As(err, &rerr) || rerr.Err.Code != CodeInternal || rerr.Err.Message != "boom" {
		t.Errorf("expected internal error, got %v", err)
	}

	_, err = a.SendRequest(context.Background(), "silent", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected timeout for unanswered request, got %v", err)
	}
}

func TestLateResponseDiscarded(t *testing.T) {
	release := make(chan struct{})
	handlers := map[string]HandlerFunc{
		"slow": func(context.Context, []byte) ([]byte, error) {
			<-release
			return []byte("late"), nil
		},
	}
	a, _ := newTestPair(t, Options{RequestTimeout: 50 * time.Millisecond}, Options{Handlers: handlers})

	_, err := a.SendRequest(context.Background(), "slow", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	a.pendingMut.Lock()
	pending, tombstones := len(a.pending), a.tombstones.Len()
	a.pendingMut.Unlock()
	if pending != 0 || tombstones != 1 {
		t.Errorf("expected one tombstone and nothing pending, got %d and %d", tombstones, pending)
	}

	close(release)

	// The echo is answered after the late response, which must have been
	// consumed without effect.
	a.opts.RequestTimeout = 5 * time.Second
	resp, err := a.SendRequest(context.Background(), "echo", []byte("after"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "after" {
		t.Errorf("unexpected response %q", resp)
	}

	a.pendingMut.Lock()
	left := len(a.pending) + a.tombstones.Len()
	a.pendingMut.Unlock()
	if left != 0 {
		t.Errorf("expected no pending entries, got %d", left)
	}
}

func TestSendLimiter(t *testing.T) {
	// 64 KiB/s with a 64 KiB burst; the third request waits about half
	// a second.
	lim := rate.NewLimiter(rate.Limit(64<<10), 64<<10)
	a, _ := newTestPair(t, Options{Limiter: lim}, Options{})

	payload := bytes.Repeat([]byte("x"), 32<<10)
	t0 := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := a.SendRequest(context.Background(), "echo", payload); err != nil {
			t.Fatal(err)
		}
	}
	if d := time.Since(t0); d < 300*time.Millisecond {
		t.Errorf("three limited requests took only %v", d)
	}
}

type recordingConn struct {
	bytes.Buffer
}

func (*recordingConn) Close() error { return nil }

func TestUnmatchedResponseNotAnswered(t *testing.T) {
	conn := new(recordingConn)
	e := NewEndpoint(conn, Options{Name: "peer"})

	for _, cmd := range []string{"ok", "err"} {
		if err := e.handleRequest(Message{Counter: 12345, Command: cmd, Payload: []byte("x")}); err != nil {
			t.Fatal(err)
		}
	}
	if conn.Len() != 0 {
		t.Errorf("unmatched responses were answered with %d bytes", conn.Len())
	}

	if err := e.handleRequest(Message{Counter: 1, Command: "echo", Payload: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if conn.Len() != HeaderLength+1 {
		t.Errorf("expected an echo response, got %d bytes", conn.Len())
	}
}

func TestSendFile(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	data := []byte(rand.String(10000))
	if err := os.MkdirAll(filepath.Join(src, "queue", "cluster"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "queue", "cluster", "sync.bin"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	a, _ := newTestPair(t,
		Options{Root: src, Key: testKey, RequestChunk: 1024},
		Options{Root: dst, Key: testKey, RequestChunk: 1024})

	sent, err := a.SendFile(context.Background(), "queue/cluster/sync.bin", "task")
	if err != nil {
		t.Fatal(err)
	}
	if sent != int64(len(data)) {
		t.Errorf("sent %d bytes, expected %d", sent, len(data))
	}

	got, err := os.ReadFile(filepath.Join(dst, "queue", "cluster", "sync.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("received file differs")
	}
}

func TestSendFileInterrupted(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	data := []byte(rand.String(5000))
	if err := os.WriteFile(filepath.Join(src, "big.bin"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	a, b := newTestPair(t, Options{Root: src, RequestChunk: 1000}, Options{Root: dst})

	if _, err := b.SendRequest(context.Background(), "cancel_task", []byte(`t1 {"kind":"timeout","code":3039,"message":"gave up"}`)); err != nil {
		t.Fatal(err)
	}
	if !a.IsInterrupted("t1") {
		t.Fatal("task should be marked interrupted")
	}

	sent, err := a.SendFile(context.Background(), "big.bin", "t1")
	if err != nil {
		t.Fatal(err)
	}
	chunk := int64(1000 - len("big.bin") - 1)
	if sent != chunk {
		t.Errorf("expected transfer to stop after one chunk (%d), sent %d", chunk, sent)
	}

	// The digest covered what was sent, so the partial file is accepted.
	got, err := os.ReadFile(filepath.Join(dst, "big.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data[:chunk]) {
		t.Error("partial file differs")
	}

	if !a.ClearInterrupted("t1") || a.IsInterrupted("t1") {
		t.Error("interruption should be cleared once")
	}
}

func TestSendFileErrors(t *testing.T) {
	a, _ := newTestPair(t, Options{Root: t.TempDir()}, Options{Root: t.TempDir()})

	if _, err := a.SendFile(context.Background(), "missing.bin", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	for _, name := range []string{"with space.bin", "../escape", "/abs", "a/./b", ""} {
		if _, err := a.SendFile(context.Background(), name, ""); !errors.Is(err, ErrProtocol) {
			t.Errorf("%q: expected protocol error, got %v", name, err)
		}
	}
}

func TestFileChecksumMismatch(t *testing.T) {
	dst := t.TempDir()
	a, _ := newTestPair(t, Options{}, Options{Root: dst})
	ctx := context.Background()

	if _, err := a.SendRequest(ctx, "new_file", []byte("f.txt")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.SendRequest(ctx, "file_upd", []byte("f.txt some data")); err != nil {
		t.Fatal(err)
	}
	wrong := sha256.Sum256([]byte("other data"))
	_, err := a.SendRequest(ctx, "file_end", append([]byte("f.txt "), wrong[:]...))
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected checksum mismatch, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "f.txt")); !os.IsNotExist(err) {
		t.Errorf("mismatched file should be removed, stat: %v", err)
	}

	if _, err := a.SendRequest(ctx, "file_upd", []byte("unknown.txt data")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found for unopened file, got %v", err)
	}
}

func TestSendString(t *testing.T) {
	a, b := newTestPair(t, Options{Key: testKey, RequestChunk: 512}, Options{Key: testKey})

	data := []byte(rand.String(4000))
	id, err := a.SendString(context.Background(), data)
	if err != nil {
		t.Fatal(err)
	}

	got, err := b.Registry().TakeString(string(id))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("received string differs")
	}
	if _, err := b.Registry().TakeString(string(id)); !errors.Is(err, ErrNotFound) {
		t.Errorf("string should be gone after take, got %v", err)
	}
}

func TestErrorString(t *testing.T) {
	a, b := newTestPair(t, Options{}, Options{})
	ctx := context.Background()

	id, err := a.SendRequest(ctx, "new_str", []byte("10"))
	if err != nil {
		t.Fatal(err)
	}
	discarded, err := a.SendRequest(ctx, "err_str", []byte("10"))
	if err != nil {
		t.Fatal(err)
	}
	if string(discarded) != string(id) {
		t.Errorf("discarded %q, expected %q", discarded, id)
	}
	none, err := a.SendRequest(ctx, "err_str", []byte("10"))
	if err != nil {
		t.Fatal(err)
	}
	if string(none) != "None" {
		t.Errorf("expected None, got %q", none)
	}
	if _, err := b.Registry().TakeString(string(id)); err == nil {
		t.Error("discarded string should not be available")
	}

	// A reservation that already received data is not discarded.
	id, err = a.SendRequest(ctx, "new_str", []byte("4"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.SendRequest(ctx, "str_upd", append(append(id, ' '), "ab"...)); err != nil {
		t.Fatal(err)
	}
	none, err = a.SendRequest(ctx, "err_str", []byte("4"))
	if err != nil {
		t.Fatal(err)
	}
	if string(none) != "None" {
		t.Errorf("expected None for partially received string, got %q", none)
	}
}

func TestCancelTaskWithoutID(t *testing.T) {
	a, b := newTestPair(t, Options{}, Options{})

	resp, err := a.SendRequest(context.Background(), "cancel_task", []byte("None not json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "Request received correctly" {
		t.Errorf("unexpected response %q", resp)
	}
	if b.IsInterrupted("None") {
		t.Error("None should not be marked interrupted")
	}
}

func TestCloseFailsPending(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	handlers := map[string]HandlerFunc{
		"block": func(context.Context, []byte) ([]byte, error) {
			<-release
			return nil, nil
		},
	}
	rec := newCloseRecorder()
	a, _ := newTestPair(t, Options{OnClose: rec.onClose}, Options{Handlers: handlers})

	errc := make(chan error, 1)
	go func() {
		_, err := a.SendRequest(context.Background(), "block", nil)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	a.Close(errors.New("manual close"))

	if err := rec.wait(t); err == nil || err.Error() != "manual close" {
		t.Errorf("unexpected close error %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected closed error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending request not released")
	}

	// None of these should panic or block.
	if _, err := a.SendRequest(context.Background(), "echo", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected closed error, got %v", err)
	}
	a.Close(errors.New("again"))
	time.Sleep(10 * time.Millisecond)
	rec.mut.Lock()
	called := rec.called
	rec.mut.Unlock()
	if called != 1 {
		t.Errorf("OnClose called %d times", called)
	}
}

func TestDecryptionErrorClosesConnection(t *testing.T) {
	rec := newCloseRecorder()
	a, _ := newTestPair(t, Options{Key: "one key"}, Options{Key: "another key", OnClose: rec.onClose})

	_, err := a.SendRequest(context.Background(), "echo", []byte("hi"))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected closed connection, got %v", err)
	}
	if err := rec.wait(t); !errors.Is(err, ErrDecryption) {
		t.Errorf("expected decryption error, got %v", err)
	}
}

func TestCloseAfterReply(t *testing.T) {
	handlers := map[string]HandlerFunc{
		"hello": func(context.Context, []byte) ([]byte, error) {
			return nil, CloseAfterReply(NewError(KindNameMismatch, CodeNameMismatch, "wrong cluster"))
		},
	}
	rec := newCloseRecorder()
	a, _ := newTestPair(t, Options{}, Options{Handlers: handlers, OnClose: rec.onClose})

	_, err := a.SendRequest(context.Background(), "hello", []byte("x"))
	if !errors.Is(err, ErrNameMismatch) {
		t.Errorf("expected name mismatch, got %v", err)
	}
	if err := rec.wait(t); !errors.Is(err, ErrNameMismatch) {
		t.Errorf("expected close with name mismatch, got %v", err)
	}
}

func TestReceiveTimeout(t *testing.T) {
	rec := newCloseRecorder()
	_, b := newTestPair(t, Options{}, Options{ReceiveTimeout: 100 * time.Millisecond, OnClose: rec.onClose})

	if err := rec.wait(t); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected receive timeout, got %v", err)
	}
	select {
	case <-b.Closed():
	default:
		t.Error("endpoint should be closed")
	}
}

func TestRegistryClosedWithConnection(t *testing.T) {
	dst := t.TempDir()
	a, b := newTestPair(t, Options{}, Options{Root: dst})

	if _, err := a.SendRequest(context.Background(), "new_file", []byte("partial.bin")); err != nil {
		t.Fatal(err)
	}
	task, err := b.Registry().StartTask("", nil, func(ctx context.Context, _ *Task) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	b.Close(errors.New("bye"))

	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task not cancelled on close")
	}
	<-b.Closed()
	if _, err := os.Stat(filepath.Join(dst, "partial.bin")); !os.IsNotExist(err) {
		t.Errorf("partial file should be removed, stat: %v", err)
	}
}

func TestStatistics(t *testing.T) {
	a, _ := newTestPair(t, Options{}, Options{})
	if _, err := a.SendRequest(context.Background(), "echo", []byte("12345")); err != nil {
		t.Fatal(err)
	}
	st := a.Statistics()
	if st.OutBytesTotal != HeaderLength+5 {
		t.Errorf("unexpected out bytes %d", st.OutBytesTotal)
	}
	if st.InBytesTotal != HeaderLength+5 {
		t.Errorf("unexpected in bytes %d", st.InBytesTotal)
	}
}
