// Package server implements the hub: a single event loop that owns session
// registration and message routing over a Unix domain socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/config"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/connection"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/database"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/lifecycle"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/protocol"
)

var ErrAlreadyRunning = errors.New("another hub is already running")

type Options struct {
	SocketPath        string
	PollInterval      time.Duration // how often the loop re-checks the running flag
	// WriteTimeout bounds each write to a peer. Writes run on the loop
	// goroutine, so a stalled peer holds up routing for at most this long
	// before it is disconnected. A frame that takes longer than this to
	// drain, even to a peer that is reading, also counts as a stall.
	WriteTimeout      time.Duration
	MaxFrameSize      int
	IDCollisionWindow time.Duration
}

func OptionsFromConfig(c config.HubConfig) Options {
	return Options{
		SocketPath:        c.SocketPath,
		PollInterval:      c.PollIntervalDuration(),
		WriteTimeout:      c.WriteTimeoutDuration(),
		MaxFrameSize:      c.MaxFrameSize,
		IDCollisionWindow: c.IDCollisionWindowDuration(),
	}
}

type eventKind int

const (
	eventAccept eventKind = iota
	eventFrames
	eventClosed
)

type loopEvent struct {
	kind     eventKind
	conn     *connection.Connection
	frames   [][]byte
	tooLarge bool
}

type Broker struct {
	opts     Options
	store    database.Store
	registry *connection.Registry
	now      func() time.Time

	// recently issued ids, to flag same-second collisions
	recentIDs *expirable.LRU[string, struct{}]

	events  chan loopEvent
	done    chan struct{}
	ready   chan struct{}
	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	readers  sync.WaitGroup

	// connections whose write failed while handling the current frame
	pending []*connection.Connection

	journal   chan *database.MessageRecord
	journalWG sync.WaitGroup
}

// New creates a hub. store may be nil, in which case nothing is journaled.
func New(opts Options, store database.Store) *Broker {
	if opts.SocketPath == "" {
		opts.SocketPath = config.DefaultSocketPath
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if opts.IDCollisionWindow <= 0 {
		opts.IDCollisionWindow = 2 * time.Second
	}
	return &Broker{
		opts:      opts,
		store:     store,
		registry:  connection.NewRegistry(),
		now:       time.Now,
		recentIDs: expirable.NewLRU[string, struct{}](1024, nil, opts.IDCollisionWindow),
		events:    make(chan loopEvent),
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

// Ready is closed once the socket is listening.
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

func (b *Broker) Addr() string {
	return b.opts.SocketPath
}

// Online returns the registered identities in sorted order.
func (b *Broker) Online() []string {
	return b.registry.Identities()
}

// Stop asks the loop to exit. A Stop issued before Serve makes Serve return
// as soon as it has bound the socket.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.running.Store(false)
}

// Serve binds the socket and runs the event loop until ctx is done or Stop
// is called. Only a failure to bind is returned as an error.
func (b *Broker) Serve(ctx context.Context) error {
	socket := b.opts.SocketPath
	if err := os.MkdirAll(filepath.Dir(socket), 0755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if report := lifecycle.Status(socket); report.Running && report.PID != os.Getpid() {
		return fmt.Errorf("%w (pid %d, socket %s)", ErrAlreadyRunning, report.PID, socket)
	}
	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", socket, err)
	}

	listener, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socket, err)
	}
	if err := lifecycle.WritePID(socket); err != nil {
		logger.WarnF("Fail to write pid file, details: %v", err)
	}

	b.startJournal()
	b.running.Store(true)
	close(b.ready)
	logger.InfoF("Session hub listen on %s", socket)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		b.acceptLoop(listener)
	}()

	b.loop(ctx)

	close(b.done)
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.ErrorF("Server close error: %v", err)
	}
	<-acceptDone
	b.shutdown()
	return nil
}

func (b *Broker) loop(ctx context.Context) {
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for b.running.Load() {
		select {
		case ev := <-b.events:
			b.handleEvent(ev)
		case <-ticker.C:
		case <-b.stop:
			b.running.Store(false)
		case <-ctx.Done():
			b.running.Store(false)
		}
	}
}

func (b *Broker) shutdown() {
	logger.InfoF("Session hub shutting down, closing %d connections", len(b.registry.Connections()))
	for _, c := range b.registry.Connections() {
		b.registry.Unregister(c)
		_ = c.Close()
	}
	b.readers.Wait()
	b.stopJournal()
	lifecycle.RemoveArtifacts(b.opts.SocketPath)
	logger.InfoF("Session hub stopped")
}

func (b *Broker) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !b.running.Load() {
				return
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}
		c := connection.NewConnection(conn)
		logger.DebugF("[%s] Accepted new connection", c.ConnID)
		if !b.post(loopEvent{kind: eventAccept, conn: c}) {
			_ = conn.Close()
			return
		}
	}
}

// post hands an event to the loop. It returns false once the loop is gone.
func (b *Broker) post(ev loopEvent) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.done:
		return false
	}
}

func (b *Broker) handleEvent(ev loopEvent) {
	switch ev.kind {
	case eventAccept:
		b.registry.Accept(ev.conn)
		b.readers.Add(1)
		go b.readLoop(ev.conn)
	case eventFrames:
		b.handleFrames(ev.conn, ev.frames, ev.tooLarge)
	case eventClosed:
		b.disconnect(ev.conn)
		b.flushPending()
	}
}

func (b *Broker) startJournal() {
	if b.store == nil {
		return
	}
	b.journal = make(chan *database.MessageRecord, 256)
	b.journalWG.Add(1)
	go func() {
		defer b.journalWG.Done()
		for record := range b.journal {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := b.store.SaveMessage(ctx, record); err != nil {
				logger.WarnF("Fail to journal message %s, details: %v", record.ID, err)
			}
			cancel()
		}
	}()
}

func (b *Broker) stopJournal() {
	if b.journal == nil {
		return
	}
	close(b.journal)
	b.journalWG.Wait()
}
