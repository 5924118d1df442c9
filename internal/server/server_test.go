package server

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/database"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/lifecycle"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
)

func TestRegisterReturnsRosterAndAnnouncesJoin(t *testing.T) {
	b := startBroker(t, nil)

	alice := dial(t, b)
	alice.send(`{"type":"REGISTER","session_id":"alice"}`)
	msg := alice.nextOfType("REGISTERED")
	require.Equal(t, []any{"alice"}, msg["online"])

	bob := dial(t, b)
	bob.send(`{"type":"REGISTER","session_id":"bob"}`)
	msg = bob.nextOfType("REGISTERED")
	require.Equal(t, []any{"alice", "bob"}, msg["online"])

	join := alice.nextOfType("JOIN")
	require.Equal(t, "bob", join["session_id"])
	require.NotEmpty(t, join["timestamp"])
	bob.expectSilence()
	require.Equal(t, []string{"alice", "bob"}, b.Online())
}

func TestUnregisteredSenderGetsErrorAndStaysOpen(t *testing.T) {
	b := startBroker(t, nil)
	c := dial(t, b)

	c.send(`{"type":"MSG","body":"hi"}`)
	reply := c.nextOfType("ERROR")
	require.Equal(t, "Not registered. Send REGISTER first.", reply["error"])

	c.send(`{"type":"REGISTER"}`)
	reply = c.nextOfType("ERROR")
	require.Contains(t, reply["error"], "session_id")

	c.send(`{"type":"REGISTER","session_id":"late"}`)
	c.nextOfType("REGISTERED")
}

func TestConcatenatedFramesProcessedInOrder(t *testing.T) {
	b := startBroker(t, nil)
	alice := register(t, b, "alice")
	bob := register(t, b, "bob")
	alice.nextOfType("JOIN")

	alice.sendRaw("{\"a\":1}\n{\"b\":2}\n")

	first := bob.nextOfType("MSG")
	second := bob.nextOfType("MSG")
	require.Equal(t, float64(1), first["a"])
	require.Equal(t, float64(2), second["b"])
	require.Equal(t, "alice", first["from"])
	alice.nextOfType("SENT")
	alice.nextOfType("SENT")
	bob.expectSilence()
}

func TestMalformedFrameBetweenGoodFrames(t *testing.T) {
	b := startBroker(t, nil)
	alice := register(t, b, "alice")
	bob := register(t, b, "bob")
	alice.nextOfType("JOIN")

	alice.sendRaw("{\"type\":\"MSG\",\"body\":\"one\",\"to\":\"bob\"}\nnot json\n{\"type\":\"MSG\",\"body\":\"two\",\"to\":[\"bob\"]}\n")

	require.Equal(t, "one", bob.nextOfType("MSG")["body"])
	require.Equal(t, "two", bob.nextOfType("MSG")["body"])

	alice.nextOfType("SENT")
	require.Equal(t, "Invalid JSON", alice.nextOfType("ERROR")["error"])
	alice.nextOfType("SENT")
	alice.expectSilence()
}

func TestDirectedDeliveryReachesOnlyTargets(t *testing.T) {
	b := startBroker(t, nil)
	alice := register(t, b, "alice")
	bob := register(t, b, "bob")
	carol := register(t, b, "carol")
	dave := register(t, b, "dave")
	for _, c := range []*rawClient{alice, alice, alice, bob, bob, carol} {
		c.nextOfType("JOIN")
	}

	alice.send(`{"type":"MSG","body":"hi","to":["bob","carol","bob"]}`)

	for _, c := range []*rawClient{bob, carol} {
		msg := c.nextOfType("MSG")
		require.Equal(t, "alice", msg["from"])
		require.Equal(t, "hi", msg["body"])
		require.True(t, strings.HasPrefix(msg["id"].(string), "alice-"))
		c.expectSilence()
	}
	dave.expectSilence()

	sent := alice.nextOfType("SENT")
	require.Equal(t, []any{"bob", "carol", "bob"}, sent["to"])
	alice.expectSilence()
}

func TestBroadcastSkipsSender(t *testing.T) {
	b := startBroker(t, nil)
	alice := register(t, b, "alice")
	bob := register(t, b, "bob")
	carol := register(t, b, "carol")
	alice.nextOfType("JOIN")
	alice.nextOfType("JOIN")
	bob.nextOfType("JOIN")
	unregistered := dial(t, b)

	alice.send(`{"type":"STATUS","body":{"state":"idle"}}`)

	for _, c := range []*rawClient{bob, carol} {
		msg := c.nextOfType("STATUS")
		require.Equal(t, map[string]any{"state": "idle"}, msg["body"])
	}
	sent := alice.nextOfType("SENT")
	require.Equal(t, "broadcast", sent["to"])
	alice.expectSilence()
	unregistered.expectSilence()
}

type syncBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sb.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sb.String()
}

func TestRoutingMissAndIDCollisionAreLogged(t *testing.T) {
	color.NoColor = true
	logs := &syncBuffer{}
	shutdown := logger.Init(logger.Options{Console: logs})
	t.Cleanup(func() { _ = shutdown.Invoke(context.Background()) })

	b := New(testOptions(t), nil)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	b.now = func() time.Time { return fixed }
	errCh := runBroker(t, b)
	t.Cleanup(func() { b.Stop(); <-errCh })

	alice := register(t, b, "alice")
	bob := register(t, b, "bob")
	alice.nextOfType("JOIN")

	alice.send(`{"type":"MSG","body":"hi","to":["carol"]}`)
	sent := alice.nextOfType("SENT")
	require.Equal(t, []any{"carol"}, sent["to"])
	require.Equal(t, "alice-20250102T030405", sent["id"])
	bob.expectSilence()

	alice.send(`{"type":"MSG","body":"again","to":["bob"]}`)
	require.Equal(t, "alice-20250102T030405", alice.nextOfType("SENT")["id"])
	bob.nextOfType("MSG")

	require.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, "Session carol not connected") &&
			strings.Contains(out, "alice-20250102T030405 reused")
	}, 3*time.Second, 20*time.Millisecond)
}

func TestEvictionClosesOldConnectionWithoutLeave(t *testing.T) {
	b := startBroker(t, nil)
	bob := register(t, b, "bob")
	first := register(t, b, "alice")
	bob.nextOfType("JOIN")

	second := register(t, b, "alice")
	first.expectClosed()

	join := bob.nextOfType("JOIN")
	require.Equal(t, "alice", join["session_id"])
	bob.expectSilence()
	require.Equal(t, []string{"alice", "bob"}, b.Online())

	bob.send(`{"type":"MSG","body":"to the new one","to":"alice"}`)
	require.Equal(t, "to the new one", second.nextOfType("MSG")["body"])
}

func TestDisconnectAnnouncesLeaveOnce(t *testing.T) {
	b := startBroker(t, nil)
	alice := register(t, b, "alice")
	bob := register(t, b, "bob")
	carol := register(t, b, "carol")
	alice.nextOfType("JOIN")
	alice.nextOfType("JOIN")
	bob.nextOfType("JOIN")

	stranger := dial(t, b)
	stranger.send(`{"type":"MSG"}`)
	stranger.nextOfType("ERROR")
	require.NoError(t, stranger.conn.Close())
	alice.expectSilence()

	require.NoError(t, carol.conn.Close())
	for _, c := range []*rawClient{alice, bob} {
		leave := c.nextOfType("LEAVE")
		require.Equal(t, "carol", leave["session_id"])
		c.expectSilence()
	}
	require.Eventually(t, func() bool { return len(b.Online()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestReregisterOnSameConnection(t *testing.T) {
	b := startBroker(t, nil)
	alice := register(t, b, "alice")
	bob := register(t, b, "bob")
	alice.nextOfType("JOIN")

	alice.send(`{"type":"REGISTER","session_id":"alice"}`)
	alice.nextOfType("REGISTERED")
	bob.expectSilence()

	alice.send(`{"type":"REGISTER","session_id":"alicia"}`)
	require.Equal(t, []any{"alicia", "bob"}, alice.nextOfType("REGISTERED")["online"])
	require.Equal(t, "alice", bob.nextOfType("LEAVE")["session_id"])
	require.Equal(t, "alicia", bob.nextOfType("JOIN")["session_id"])
}

func TestOversizedFrameRejected(t *testing.T) {
	opts := testOptions(t)
	opts.MaxFrameSize = 64
	b := New(opts, nil)
	errCh := runBroker(t, b)
	t.Cleanup(func() { b.Stop(); <-errCh })

	alice := register(t, b, "alice")
	alice.send(`{"type":"MSG","body":"` + strings.Repeat("x", 100) + `"}`)
	require.Equal(t, "Frame too large", alice.nextOfType("ERROR")["error"])

	alice.send(`{"type":"MSG","body":"ok"}`)
	alice.nextOfType("SENT")
}

func TestOversizedFrameErrorKeepsReplyOrder(t *testing.T) {
	opts := testOptions(t)
	opts.MaxFrameSize = 64
	b := New(opts, nil)
	errCh := runBroker(t, b)
	t.Cleanup(func() { b.Stop(); <-errCh })

	alice := register(t, b, "alice")
	alice.sendRaw(`{"type":"MSG","body":"first"}` + "\n" +
		`{"type":"MSG","body":"` + strings.Repeat("x", 100) + `"}` + "\n" +
		`{"type":"MSG","body":"last"}` + "\n")

	alice.nextOfType("SENT")
	require.Equal(t, "Frame too large", alice.nextOfType("ERROR")["error"])
	alice.nextOfType("SENT")
	alice.expectSilence()
}

func TestMessagesAreJournaled(t *testing.T) {
	store, err := database.NewMemoryStore(16)
	require.NoError(t, err)
	b := startBroker(t, store)
	alice := register(t, b, "alice")
	register(t, b, "bob")
	alice.nextOfType("JOIN")

	alice.send(`{"type":"MSG","body":"keep me","to":"bob"}`)
	id := alice.nextOfType("SENT")["id"].(string)

	require.Eventually(t, func() bool {
		record, err := store.GetMessage(context.Background(), id)
		return err == nil && record.Body == "keep me" && record.From == "alice"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopRemovesArtifacts(t *testing.T) {
	b := New(testOptions(t), nil)
	errCh := runBroker(t, b)
	alice := register(t, b, "alice")

	report := lifecycle.Status(b.Addr())
	require.True(t, report.Running)
	require.Equal(t, os.Getpid(), report.PID)

	b.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not stop")
	}
	alice.expectClosed()

	_, err := os.Stat(b.Addr())
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(lifecycle.PIDPath(b.Addr()))
	require.True(t, os.IsNotExist(err))
}

func TestServeRemovesStaleSocket(t *testing.T) {
	opts := testOptions(t)
	require.NoError(t, os.WriteFile(opts.SocketPath, []byte("stale"), 0644))
	b := New(opts, nil)
	errCh := runBroker(t, b)
	register(t, b, "alice")
	b.Stop()
	require.NoError(t, <-errCh)
}

func TestStopBeforeServe(t *testing.T) {
	b := New(testOptions(t), nil)
	b.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(context.Background()) }()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("an earlier Stop was lost")
	}
	_, err := os.Stat(b.Addr())
	require.True(t, os.IsNotExist(err))
	b.Stop()
}

// A peer that never reads is dropped once a write to it exceeds the write
// timeout, and the other recipients still get every message. bob reads
// continuously: a peer that pauses while a frame larger than the socket
// buffer is in flight can also run past the timeout and be dropped.
func TestStalledRecipientIsDisconnected(t *testing.T) {
	opts := testOptions(t)
	opts.WriteTimeout = 300 * time.Millisecond
	opts.MaxFrameSize = 4 << 20
	b := New(opts, nil)
	errCh := runBroker(t, b)
	t.Cleanup(func() { b.Stop(); <-errCh })

	alice := register(t, b, "alice")
	bob := register(t, b, "bob")
	register(t, b, "stall")
	alice.nextOfType("JOIN")
	alice.nextOfType("JOIN")
	bob.nextOfType("JOIN")

	const count = 4
	type tally struct {
		messages int
		leaves   int
		err      error
	}
	bobDone := make(chan tally, 1)
	go func() {
		var got tally
		_ = bob.conn.SetReadDeadline(time.Now().Add(15 * time.Second))
		for got.messages < count || got.leaves < 1 {
			line, err := bob.reader.ReadBytes('\n')
			if err != nil {
				got.err = err
				break
			}
			var msg map[string]any
			if err := json.Unmarshal(line, &msg); err != nil {
				got.err = err
				break
			}
			switch {
			case msg["type"] == "MSG":
				got.messages++
			case msg["type"] == "LEAVE" && msg["session_id"] == "stall":
				got.leaves++
			}
		}
		bobDone <- got
	}()

	frame := []byte(`{"type":"MSG","body":"` + strings.Repeat("x", 1<<20) + `"}` + "\n")
	sendDone := make(chan error, 1)
	go func() {
		for i := 0; i < count; i++ {
			if _, err := alice.conn.Write(frame); err != nil {
				sendDone <- err
				return
			}
		}
		sendDone <- nil
	}()

	sent, leaves := 0, 0
	for sent < count || leaves < 1 {
		msg := alice.next()
		switch msg["type"] {
		case "SENT":
			sent++
		case "LEAVE":
			require.Equal(t, "stall", msg["session_id"])
			leaves++
		default:
			t.Fatalf("unexpected frame for alice: %v", msg["type"])
		}
	}
	require.NoError(t, <-sendDone)

	select {
	case got := <-bobDone:
		require.NoError(t, got.err)
		require.Equal(t, count, got.messages)
		require.Equal(t, 1, got.leaves)
	case <-time.After(20 * time.Second):
		t.Fatal("bob did not receive the broadcasts")
	}
	bob.expectSilence()
	alice.expectSilence()

	require.Eventually(t, func() bool {
		online := b.Online()
		return len(online) == 2 && online[0] == "alice" && online[1] == "bob"
	}, 2*time.Second, 20*time.Millisecond)
}
