// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/secmon/clusterd/lib/logger"
	"github.com/secmon/clusterd/lib/rand"
)

const (
	readBufferSize = 64 << 10

	// maxTombstones bounds the number of timed out requests whose late
	// responses are still recognised.
	maxTombstones = 1024
)

var (
	errUncleanFilename = errors.New("filename in request is unclean")
	errInvalidFilename = errors.New("filename is invalid")
)

// Options configure an Endpoint.
type Options struct {
	// Name identifies the peer in logs and metrics.
	Name string
	// Root is the directory transferred file names are relative to.
	Root string
	// Key is the cluster key. Empty disables encryption.
	Key string
	// RequestChunk is the largest payload sent without division.
	RequestChunk int
	// RequestTimeout bounds the wait for a response to SendRequest.
	RequestTimeout time.Duration
	// ReceiveTimeout closes the connection when no request has been
	// received for this long. Zero disables the check.
	ReceiveTimeout time.Duration
	// Logger, if set, is used instead of the package logger.
	Logger logger.Logger
	// Limiter, if set, bounds the rate of outgoing bytes. It may be
	// shared between endpoints.
	Limiter *rate.Limiter
	// Handlers are added to, or replace, the base commands.
	Handlers map[string]HandlerFunc
	// OnClose is called once, after the connection has been torn down.
	OnClose func(err error)
}

// An Endpoint is one end of a cluster connection. It correlates requests
// with responses, dispatches inbound requests to handlers and drives file
// and string transfers.
type Endpoint struct {
	opts       Options
	l          logger.Logger
	sc         *SecureChannel
	dispatcher *Dispatcher
	registry   *Registry
	ctx        context.Context
	cancel     context.CancelFunc

	cr     *countingReader
	cw     *countingWriter
	closer io.Closer
	remote string

	pendingMut sync.Mutex // protects pending and counter
	pending    map[uint32]chan asyncResult
	counter    uint32
	tombstones *lru.Cache[uint32, struct{}]

	writeMut sync.Mutex // frames of one message are written back to back

	interruptedMut sync.Mutex
	interrupted    map[string]struct{}

	inboxMut    sync.Mutex
	inbox       []Message
	inboxErr    error
	inboxNotify chan struct{}

	lastRequest atomic.Int64 // unix nanos

	startTime             time.Time
	started               bool
	dispatcherLoopStopped chan struct{}
	closed                chan struct{}
	closeOnce             sync.Once
	startStopMut          sync.Mutex // start and stop must be serialized

	loopWG sync.WaitGroup
}

type asyncResult struct {
	val []byte
	err error
}

// NewEndpoint returns an endpoint communicating over conn. Start must be
// called before it is used.
func NewEndpoint(conn io.ReadWriteCloser, opts Options) *Endpoint {
	if opts.RequestChunk <= 0 {
		opts.RequestChunk = DefaultRequestChunk
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 20 * time.Second
	}
	el := opts.Logger
	if el == nil {
		el = l
	}

	registerPeerMetrics(opts.Name)
	tombstones, _ := lru.New[uint32, struct{}](maxTombstones)
	ctx, cancel := context.WithCancel(context.Background())

	e := &Endpoint{
		opts:                  opts,
		l:                     el,
		sc:                    NewSecureChannel(opts.Key),
		registry:              NewRegistry(),
		ctx:                   ctx,
		cancel:                cancel,
		cr:                    &countingReader{Reader: conn, idString: opts.Name},
		cw:                    &countingWriter{Writer: conn, idString: opts.Name},
		closer:                conn,
		pending:               make(map[uint32]chan asyncResult),
		counter:               rand.Uint32(),
		tombstones:            tombstones,
		interrupted:           make(map[string]struct{}),
		inboxNotify:           make(chan struct{}, 1),
		dispatcherLoopStopped: make(chan struct{}),
		closed:                make(chan struct{}),
	}
	if rc, ok := conn.(interface{ RemoteAddr() net.Addr }); ok && rc.RemoteAddr() != nil {
		e.remote = rc.RemoteAddr().String()
	}
	e.dispatcher = NewDispatcher(e.baseHandlers()).Extend(opts.Handlers)
	return e
}

// Start creates the goroutines for sending and receiving of messages. It must
// be called exactly once after creating an endpoint.
func (e *Endpoint) Start() {
	e.startStopMut.Lock()
	defer e.startStopMut.Unlock()
	e.startTime = time.Now().Truncate(time.Second)
	e.lastRequest.Store(time.Now().UnixNano())
	e.started = true
	e.loopWG.Add(3)
	go func() {
		e.readerLoop()
		e.loopWG.Done()
	}()
	go func() {
		err := e.dispatcherLoop()
		e.internalClose(err)
		e.loopWG.Done()
	}()
	go func() {
		e.receiveTimeoutLoop()
		e.loopWG.Done()
	}()
}

func (e *Endpoint) Name() string {
	return e.opts.Name
}

// RemoteAddr returns the peer address, if the connection has one.
func (e *Endpoint) RemoteAddr() string {
	return e.remote
}

func (e *Endpoint) Registry() *Registry {
	return e.registry
}

func (e *Endpoint) Closed() <-chan struct{} {
	return e.closed
}

// LastRequest returns when the peer last sent a request.
func (e *Endpoint) LastRequest() time.Time {
	return time.Unix(0, e.lastRequest.Load())
}

// SendRequest sends a request to the peer and waits for the response. A
// response not received within the request timeout returns an error
// matching ErrTimeout; the response, should it arrive later, is dropped.
// An "err" response from the peer returns a *RemoteError.
func (e *Endpoint) SendRequest(ctx context.Context, command string, data []byte) ([]byte, error) {
	select {
	case <-e.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	counter, rc := e.register()
	if err := e.send(command, counter, data); err != nil {
		e.forget(counter)
		return nil, fmt.Errorf("sending %s: %w", command, err)
	}

	timer := time.NewTimer(e.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-rc:
		if !ok {
			return nil, ErrClosed
		}
		return res.val, res.err
	case <-timer.C:
		e.tombstone(counter)
		metricRequestTimeouts.WithLabelValues(e.opts.Name).Inc()
		return nil, newError(KindTimeout, CodeTimeout, "no response to %s within %v", command, e.opts.RequestTimeout)
	case <-ctx.Done():
		e.tombstone(counter)
		return nil, ctx.Err()
	}
}

// SendFile sends the file at name, relative to the root directory, to the
// peer in chunks and returns the number of bytes sent. The transfer stops
// early, and the digest sent reflects the partial content, when taskID is
// marked as interrupted by the peer.
func (e *Endpoint) SendFile(ctx context.Context, name, taskID string) (int64, error) {
	if err := checkFilename(name); err != nil {
		return 0, newProtocolError(err, "send file "+name)
	}
	fd, err := os.Open(filepath.Join(e.opts.Root, filepath.FromSlash(name)))
	if errors.Is(err, os.ErrNotExist) {
		return 0, newError(KindNotFound, CodeFileNotFound, "file %s not found", name)
	} else if err != nil {
		return 0, err
	}
	defer fd.Close()

	if _, err := e.SendRequest(ctx, "new_file", []byte(name)); err != nil {
		return 0, err
	}

	chunk := e.opts.RequestChunk - len(name) - 1 - e.sc.Overhead()
	if chunk <= 0 {
		return 0, newError(KindProtocol, CodeProtocolViolation, "file name %s too long for request chunk", name)
	}

	var sent int64
	hash := sha256.New()
	buf := make([]byte, len(name)+1+chunk)
	copy(buf, name)
	buf[len(name)] = ' '
	for {
		n, rerr := io.ReadFull(fd, buf[len(name)+1:])
		if n > 0 {
			if _, err := e.SendRequest(ctx, "file_upd", buf[:len(name)+1+n]); err != nil {
				return sent, err
			}
			hash.Write(buf[len(name)+1 : len(name)+1+n])
			sent += int64(n)
			if e.IsInterrupted(taskID) {
				e.l.Debugf("send of %s interrupted by peer (task %s) after %d bytes", name, taskID, sent)
				break
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		} else if rerr != nil {
			return sent, rerr
		}
	}

	end := append([]byte(name+" "), hash.Sum(nil)...)
	if _, err := e.SendRequest(ctx, "file_end", end); err != nil {
		return sent, err
	}
	return sent, nil
}

// SendString reserves space for data on the peer, sends it in chunks and
// returns the ID the peer stored it under.
func (e *Endpoint) SendString(ctx context.Context, data []byte) ([]byte, error) {
	total := strconv.Itoa(len(data))
	id, err := e.SendRequest(ctx, "new_str", []byte(total))
	if err != nil {
		e.l.Warnf("There was an error while trying to send a string: %v", err)
		if _, derr := e.SendRequest(ctx, "err_str", []byte(total)); derr != nil {
			e.l.Debugf("discarding string reservation on %s: %v", e.opts.Name, derr)
		}
		return nil, err
	}

	chunk := e.opts.RequestChunk - len(id) - 1 - e.sc.Overhead()
	if chunk <= 0 {
		return nil, newError(KindProtocol, CodeProtocolViolation, "string ID %s too long for request chunk", id)
	}
	prefix := append(append([]byte(nil), id...), ' ')
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		if _, err := e.SendRequest(ctx, "str_upd", append(prefix[:len(prefix):len(prefix)], data[off:end]...)); err != nil {
			return nil, err
		}
	}
	return id, nil
}

// IsInterrupted returns whether the peer asked to cancel the task.
func (e *Endpoint) IsInterrupted(taskID string) bool {
	e.interruptedMut.Lock()
	defer e.interruptedMut.Unlock()
	_, ok := e.interrupted[taskID]
	return ok
}

// ClearInterrupted forgets the task's interruption and returns whether it
// was interrupted.
func (e *Endpoint) ClearInterrupted(taskID string) bool {
	e.interruptedMut.Lock()
	defer e.interruptedMut.Unlock()
	_, ok := e.interrupted[taskID]
	delete(e.interrupted, taskID)
	return ok
}

func (e *Endpoint) markInterrupted(taskID string) {
	e.interruptedMut.Lock()
	e.interrupted[taskID] = struct{}{}
	e.interruptedMut.Unlock()
}

func (e *Endpoint) register() (uint32, chan asyncResult) {
	e.pendingMut.Lock()
	defer e.pendingMut.Unlock()
	for {
		e.counter++
		if _, ok := e.pending[e.counter]; !ok && !e.tombstones.Contains(e.counter) {
			break
		}
	}
	rc := make(chan asyncResult, 1)
	e.pending[e.counter] = rc
	return e.counter, rc
}

func (e *Endpoint) forget(counter uint32) {
	e.pendingMut.Lock()
	delete(e.pending, counter)
	e.pendingMut.Unlock()
}

// tombstone keeps the counter reserved so that a late response is
// recognised and discarded.
func (e *Endpoint) tombstone(counter uint32) {
	e.pendingMut.Lock()
	if _, ok := e.pending[counter]; ok {
		delete(e.pending, counter)
		e.tombstones.Add(counter, struct{}{})
	}
	e.pendingMut.Unlock()
}

func (e *Endpoint) send(command string, counter uint32, data []byte) error {
	frames, err := EncodeFrames(command, counter, data, e.opts.RequestChunk, e.sc)
	if err != nil {
		return err
	}

	e.writeMut.Lock()
	defer e.writeMut.Unlock()
	for _, f := range frames {
		if e.opts.Limiter != nil {
			if err := e.opts.Limiter.WaitN(e.ctx, len(f)); err != nil {
				return err
			}
		}
		if _, err := e.cw.Write(f); err != nil {
			go e.internalClose(err)
			return err
		}
	}
	metricPeerSentMessages.WithLabelValues(e.opts.Name).Inc()
	return nil
}

// The readerLoop decodes frames as they arrive and hands complete messages
// to the dispatcher. A read or decode error ends the inbox; the dispatcher
// handles what was received before it and then closes the connection.
func (e *Endpoint) readerLoop() {
	buf := make([]byte, readBufferSize)
	var dec Decoder
	ra := NewReassembler(e.sc)
	for {
		n, err := e.cr.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			for _, f := range frames {
				msg, ok, rerr := ra.Add(f)
				if rerr != nil {
					e.endInbox(rerr)
					return
				}
				if ok {
					e.enqueue(msg)
				}
			}
			if ferr != nil {
				e.endInbox(ferr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				err = ErrClosed
			}
			e.endInbox(err)
			return
		}
	}
}

// enqueue never blocks, so that the reader keeps draining the connection
// while the dispatcher is busy writing.
func (e *Endpoint) enqueue(msg Message) {
	e.inboxMut.Lock()
	e.inbox = append(e.inbox, msg)
	e.inboxMut.Unlock()
	e.notifyInbox()
}

func (e *Endpoint) endInbox(err error) {
	e.inboxMut.Lock()
	e.inboxErr = err
	e.inboxMut.Unlock()
	e.notifyInbox()
}

func (e *Endpoint) notifyInbox() {
	select {
	case e.inboxNotify <- struct{}{}:
	default:
	}
}

func (e *Endpoint) next() (Message, error) {
	for {
		e.inboxMut.Lock()
		if len(e.inbox) > 0 {
			msg := e.inbox[0]
			e.inbox[0] = Message{}
			e.inbox = e.inbox[1:]
			e.inboxMut.Unlock()
			return msg, nil
		}
		if err := e.inboxErr; err != nil {
			e.inboxMut.Unlock()
			return Message{}, err
		}
		e.inboxMut.Unlock()

		select {
		case <-e.inboxNotify:
		case <-e.closed:
			return Message{}, ErrClosed
		}
	}
}

func (e *Endpoint) dispatcherLoop() error {
	defer close(e.dispatcherLoopStopped)
	for {
		msg, err := e.next()
		if err != nil {
			return err
		}

		metricPeerRecvMessages.WithLabelValues(e.opts.Name).Inc()

		if e.handleResponse(msg) {
			continue
		}
		if err := e.handleRequest(msg); err != nil {
			return err
		}
	}
}

func (e *Endpoint) handleResponse(msg Message) bool {
	e.pendingMut.Lock()
	rc, ok := e.pending[msg.Counter]
	if ok {
		delete(e.pending, msg.Counter)
	}
	late := !ok && e.tombstones.Remove(msg.Counter)
	e.pendingMut.Unlock()

	if late {
		e.l.Debugf("discarding late response %s#%d from %s", msg.Command, msg.Counter, e.opts.Name)
		return true
	}
	if !ok {
		return false
	}

	switch msg.Command {
	case "ok":
		rc <- asyncResult{val: msg.Payload}
	case "err":
		rc <- asyncResult{err: ErrorFromWire(msg.Payload)}
	default:
		rc <- asyncResult{err: newProtocolError(fmt.Errorf("unknown response command %q", msg.Command), "response")}
	}
	return true
}

func (e *Endpoint) handleRequest(msg Message) error {
	if msg.Command == "ok" || msg.Command == "err" {
		// A response to a request we never sent. Answering it would
		// only bounce between the peers.
		e.l.Debugf("discarding unmatched response %s#%d from %s", msg.Command, msg.Counter, e.opts.Name)
		return nil
	}
	e.lastRequest.Store(time.Now().UnixNano())
	l.Debugf("handle %s#%d (%d bytes) from %s", msg.Command, msg.Counter, len(msg.Payload), e.opts.Name)

	resp, err := e.dispatcher.Dispatch(e.ctx, msg.Command, msg.Payload)
	if errors.Is(err, NoReply) {
		return nil
	}

	command := "ok"
	if err != nil {
		var werr *Error
		if errors.As(err, &werr) {
			e.l.Errorf("Error processing request '%s': %v", msg.Command, err)
		} else {
			e.l.Errorf("Unhandled error processing request '%s': %v", msg.Command, err)
		}
		command, resp = "err", ErrorToWire(err)
	}

	if serr := e.send(command, msg.Counter, resp); serr != nil {
		return newHandleError(serr, msg.Command)
	}

	var car *closeAfterReply
	if errors.As(err, &car) {
		return car.err
	}
	return nil
}

// The receiveTimeoutLoop closes the connection with ErrTimeout when the
// peer has sent no request within the receive timeout.
func (e *Endpoint) receiveTimeoutLoop() {
	if e.opts.ReceiveTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(e.opts.ReceiveTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d := time.Since(e.LastRequest())
			if d > e.opts.ReceiveTimeout {
				l.Debugln(e.opts.Name, "receive timeout", d)
				e.internalClose(newError(KindTimeout, CodeTimeout, "no request from %s in %v", e.opts.Name, d.Truncate(time.Second)))
				return
			}
			l.Debugln(e.opts.Name, "last request within", d)

		case <-e.closed:
			return
		}
	}
}

// Close closes the connection. It returns immediately; use Closed to wait.
func (e *Endpoint) Close(err error) {
	// Close might be called from a handler running within dispatcherLoop,
	// resulting in a deadlock if done synchronously.
	go e.internalClose(err)
}

// internalClose is called if there is an unexpected error during normal operation.
func (e *Endpoint) internalClose(err error) {
	e.startStopMut.Lock()
	defer e.startStopMut.Unlock()
	e.closeOnce.Do(func() {
		l.Debugf("close connection to %s due to %v", e.opts.Name, err)
		if cerr := e.closer.Close(); cerr != nil {
			l.Debugf("failed to close underlying conn %s: %v", e.opts.Name, cerr)
		}
		close(e.closed)
		e.cancel()

		e.pendingMut.Lock()
		for i, ch := range e.pending {
			close(ch)
			delete(e.pending, i)
		}
		e.tombstones.Purge()
		e.pendingMut.Unlock()

		e.registry.Close()

		if e.started {
			// Wait for the dispatcher loop to exit, if it was started to
			// begin with.
			<-e.dispatcherLoopStopped
		}

		if e.opts.OnClose != nil {
			e.opts.OnClose(err)
		}
	})
}

type Statistics struct {
	At            time.Time `json:"at"`
	InBytesTotal  int64     `json:"inBytesTotal"`
	OutBytesTotal int64     `json:"outBytesTotal"`
	StartedAt     time.Time `json:"startedAt"`
}

func (e *Endpoint) Statistics() Statistics {
	return Statistics{
		At:            time.Now().Truncate(time.Second),
		InBytesTotal:  e.cr.Tot(),
		OutBytesTotal: e.cw.Tot(),
		StartedAt:     e.startTime,
	}
}

// checkFilename verifies that the given filename is a canonical, relative
// slash separated path without spaces, the space being the separator
// between name and data in transfer commands.
func checkFilename(name string) error {
	if path.Clean(name) != name {
		return errUncleanFilename
	}

	switch name {
	case "", ".", "..":
		return errInvalidFilename
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "../") {
		return errInvalidFilename
	}
	if strings.ContainsAny(name, " \x00") {
		return errInvalidFilename
	}
	return nil
}
