// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package master implements the master node of the cluster: it accepts
// worker connections, keeps their files in sync with the master's and
// relays API requests between nodes.
package master

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"

	"github.com/secmon/clusterd/lib/agentdb"
	"github.com/secmon/clusterd/lib/config"
	"github.com/secmon/clusterd/lib/integrity"
	"github.com/secmon/clusterd/lib/logger"
	"github.com/secmon/clusterd/lib/pool"
	"github.com/secmon/clusterd/lib/protocol"
	"github.com/secmon/clusterd/lib/scanner"
	"github.com/secmon/clusterd/lib/svcutil"
)

// A RequestHandler executes a request relayed through one of the request
// queues and returns its response.
type RequestHandler func(ctx context.Context, request []byte) ([]byte, error)

// Options are the collaborators of a Master. Zero values get defaults.
type Options struct {
	// Agents is the agent state store. Required.
	Agents *agentdb.Store
	// Pool runs CPU bound work; by default it is sized from the
	// configuration.
	Pool *pool.Pool
	// API executes distributed API requests coming from workers.
	API RequestHandler
	// SendSync executes send-sync requests coming from workers.
	SendSync RequestHandler
}

// The Master accepts worker connections and coordinates them. It is a
// suture service; Serve runs the listener, the local integrity loop and
// the request queues.
type Master struct {
	*suture.Supervisor

	cfg    *config.Wrapper
	pool   *pool.Pool
	agents *agentdb.Store
	l      logger.Logger

	workers  *xsync.MapOf[string, *session]
	sessions sync.Map // *session -> struct{}, every connection including those before hello
	snapshot atomic.Pointer[integrity.Snapshot]

	checkedMut sync.Mutex
	checked    map[string]struct{} // workers that asked for an integrity check this cycle

	pending  *xsync.MapOf[string, *pendingRequest]
	dapi     *requestQueue
	sendsync *requestQueue

	listenAddr chan net.Addr
	limiter    *rate.Limiter // shared by all worker connections
}

func New(cfg *config.Wrapper, opts Options) *Master {
	raw := cfg.RawCopy()
	p := opts.Pool
	if p == nil {
		p = pool.New(raw.Master.ProcessPoolSize)
	}

	m := &Master{
		Supervisor: suture.New("master.Master", svcutil.SpecWithInfoLogger(l)),
		cfg:        cfg,
		pool:       p,
		agents:     opts.Agents,
		l:          logger.Tagged(l, "Master "+raw.NodeName),
		workers:    xsync.NewMapOf[string, *session](),
		checked:    make(map[string]struct{}),
		pending:    xsync.NewMapOf[string, *pendingRequest](),
		listenAddr: make(chan net.Addr, 1),
		limiter:    rate.NewLimiter(rate.Inf, 0),
	}
	m.setLimit(raw.Communication)
	empty := make(integrity.Snapshot)
	m.snapshot.Store(&empty)

	api := opts.API
	if api == nil {
		api = m.handleLocalAPI
	}
	sendsync := opts.SendSync
	if sendsync == nil {
		sendsync = m.handleSendSync
	}
	m.dapi = newRequestQueue(m, "DAPI", "dapi", api)
	m.sendsync = newRequestQueue(m, "SendSync", "sendsyn", sendsync)

	cfg.Subscribe(m)

	m.Add(svcutil.AsService(m.localIntegrity, fmt.Sprintf("%s/localIntegrity", m)))
	m.Add(svcutil.AsService(m.dapi.serve, fmt.Sprintf("%s/dapi", m)))
	m.Add(svcutil.AsService(m.sendsync.serve, fmt.Sprintf("%s/sendsync", m)))
	m.Add(svcutil.AsService(m.listen, fmt.Sprintf("%s/listen", m)))

	svcutil.OnSupervisorDone(m.Supervisor, func() {
		m.cfg.Unsubscribe(m)
		m.closeAll()
	})

	return m
}

func (m *Master) String() string {
	return fmt.Sprintf("master.Master@%p", m)
}

// ListenAddr returns the address the listener is bound to, once it is.
func (m *Master) ListenAddr(ctx context.Context) (net.Addr, error) {
	select {
	case addr := <-m.listenAddr:
		m.listenAddr <- addr
		return addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Master) listen(ctx context.Context) error {
	raw := m.cfg.RawCopy()
	addr := net.JoinHostPort(raw.BindAddress, fmt.Sprint(raw.Port))

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		l.Warnln("Listen (cluster/tcp):", err)
		return svcutil.AsFatalErr(err, svcutil.ExitBind)
	}
	defer listener.Close()

	select {
	case <-m.listenAddr:
	default:
	}
	m.listenAddr <- listener.Addr()

	m.l.Infof("Serving on %v", listener.Addr())
	defer m.l.Infof("Listener (%v) shutting down", listener.Addr())

	acceptFailures := 0
	const maxAcceptFailures = 10

	tcpListener := listener.(*net.TCPListener)
	for {
		_ = tcpListener.SetDeadline(time.Now().Add(time.Second))
		conn, err := tcpListener.Accept()
		select {
		case <-ctx.Done():
			if err == nil {
				conn.Close()
			}
			return nil
		default:
		}
		if err != nil {
			if err, ok := err.(*net.OpError); !ok || !err.Timeout() {
				l.Warnln("Listen (cluster/tcp): Accepting connection:", err)

				acceptFailures++
				if acceptFailures > maxAcceptFailures {
					return err
				}
				time.Sleep(time.Duration(acceptFailures) * time.Second)
			}
			continue
		}

		acceptFailures = 0
		l.Debugln("Listen (cluster/tcp): connect from", conn.RemoteAddr())
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetNoDelay(true)
		}
		m.HandleConn(conn)
	}
}

// HandleConn starts serving a worker connection. The worker becomes known
// by name once it sends hello.
func (m *Master) HandleConn(conn io.ReadWriteCloser) {
	raw := m.cfg.RawCopy()
	s := newSession(m)

	name := "unknown"
	if rc, ok := conn.(interface{ RemoteAddr() net.Addr }); ok && rc.RemoteAddr() != nil {
		name = rc.RemoteAddr().String()
	}

	s.ep = protocol.NewEndpoint(conn, protocol.Options{
		Name:           name,
		Root:           raw.RootDir,
		Key:            raw.Key,
		RequestChunk:   raw.Communication.RequestChunk,
		RequestTimeout: raw.Communication.TimeoutClusterRequest(),
		ReceiveTimeout: raw.Master.MaxTimeWithoutKeepAlive(),
		Logger:         s.l,
		Limiter:        m.limiter,
		Handlers:       s.handlers(),
		OnClose:        s.connectionLost,
	})
	m.sessions.Store(s, struct{}{})
	s.ep.Start()
}

func (m *Master) closeAll() {
	m.sessions.Range(func(key, _ interface{}) bool {
		key.(*session).ep.Close(protocol.ErrClosed)
		return true
	})
}

// LocalSnapshot returns the last computed snapshot of the master's files.
func (m *Master) LocalSnapshot() integrity.Snapshot {
	return *m.snapshot.Load()
}

func (m *Master) localIntegrity(ctx context.Context) error {
	il := logger.Tagged(m.l, taskLocalIntegrity)
	return svcutil.Every(ctx, m.cfg.Master().RecalculateIntegrity(), func(ctx context.Context) error {
		m.recalculateIntegrity(ctx, il)
		return nil
	})
}

// recalculateIntegrity replaces the local snapshot and starts a new check
// cycle. A failed scan keeps the previous snapshot.
func (m *Master) recalculateIntegrity(ctx context.Context, il logger.Logger) {
	t0 := time.Now()
	il.Infoln("Starting.")

	raw := m.cfg.RawCopy()
	var snap integrity.Snapshot
	err := m.pool.Run(ctx, 0, func(ctx context.Context) error {
		var err error
		snap, err = scanner.Walk(ctx, scanner.Config{
			Root:    raw.RootDir,
			Items:   raw.Items,
			Hashers: m.pool.Size(),
		})
		return err
	})
	if err != nil {
		il.Errorf("Error calculating local file integrity: %v", err)
	} else {
		m.snapshot.Store(&snap)
		metricLocalFiles.Set(float64(len(snap)))
	}

	m.checkedMut.Lock()
	m.checked = make(map[string]struct{})
	m.checkedMut.Unlock()

	il.Infof("Finished in %.3fs. Calculated metadata of %d files.", time.Since(t0).Seconds(), len(m.LocalSnapshot()))
}

// markChecked records that the worker asked for its integrity check this
// cycle. It returns false if it already had.
func (m *Master) markChecked(name string) bool {
	m.checkedMut.Lock()
	defer m.checkedMut.Unlock()
	if _, ok := m.checked[name]; ok {
		return false
	}
	m.checked[name] = struct{}{}
	return true
}

// addWorker registers a session under its worker name.
func (m *Master) addWorker(name string, s *session) error {
	if name == m.cfg.RawCopy().NodeName {
		return protocol.NewError(protocol.KindNameMismatch, protocol.CodeMasterNodeName, "worker %s has the same name as the master", name)
	}
	if _, loaded := m.workers.LoadOrStore(name, s); loaded {
		return protocol.NewError(protocol.KindNameMismatch, protocol.CodeDuplicateNode, "worker %s already connected", name)
	}
	metricConnectedWorkers.Set(float64(m.workers.Size()))
	return nil
}

func (m *Master) removeWorker(name string, s *session) {
	m.workers.Compute(name, func(cur *session, loaded bool) (*session, bool) {
		return cur, !loaded || cur == s
	})
	metricConnectedWorkers.Set(float64(m.workers.Size()))
}

// worker returns the connected worker with the given name.
func (m *Master) worker(name string) (*session, bool) {
	return m.workers.Load(name)
}

// Workers returns the sorted names of the connected workers.
func (m *Master) Workers() []string {
	var names []string
	m.workers.Range(func(name string, _ *session) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// setLimit applies the outgoing bandwidth limit. Zero means unlimited. The
// burst must fit the largest frame.
func (m *Master) setLimit(comm config.CommunicationConfiguration) {
	if comm.MaxSendKiBps <= 0 {
		m.limiter.SetLimit(rate.Inf)
		return
	}
	m.limiter.SetLimit(rate.Limit(comm.MaxSendKiBps) * 1024)
	m.limiter.SetBurst(2 * comm.RequestChunk)
	l.Infof("Outgoing cluster traffic limited to %d KiB/s", comm.MaxSendKiBps)
}

func (m *Master) VerifyConfiguration(from, to config.Configuration) error {
	if to.NodeType != config.NodeTypeMaster {
		return fmt.Errorf("node type cannot change from %s to %s at runtime", from.NodeType, to.NodeType)
	}
	return nil
}

// CommitConfiguration applies intervals and items at once; they are read
// from the configuration on every use. The rest needs a restart.
func (m *Master) CommitConfiguration(from, to config.Configuration) bool {
	if from.Communication.MaxSendKiBps != to.Communication.MaxSendKiBps {
		m.setLimit(to.Communication)
	}
	return from.Name == to.Name &&
		from.NodeName == to.NodeName &&
		from.Key == to.Key &&
		from.BindAddress == to.BindAddress &&
		from.Port == to.Port &&
		from.RootDir == to.RootDir &&
		from.Communication.RequestChunk == to.Communication.RequestChunk &&
		from.Master.ProcessPoolSize == to.Master.ProcessPoolSize
}
