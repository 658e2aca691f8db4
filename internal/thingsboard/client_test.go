package thingsboard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type published struct {
	topic   string
	payload string
}

// fakeConn records traffic and lets tests inject inbound messages.
type fakeConn struct {
	mu         sync.Mutex
	open       bool
	published  []published
	subscribed []string
	publishErr error
	deliver    DeliverFunc
}

func (f *fakeConn) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{topic, string(payload)})
	return nil
}

func (f *fakeConn) Subscribe(ctx context.Context, filter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, filter)
	return nil
}

func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeConn) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeConn) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestClient returns an open client backed by a fakeConn.
func newTestClient(t *testing.T) (*Client, *fakeConn, *testClock) {
	t.Helper()
	conn := &fakeConn{open: true}
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewClient(Config{
		Dial: func(ctx context.Context, ep Endpoint, deliver DeliverFunc) (Conn, error) {
			conn.deliver = deliver
			return conn, nil
		},
		Now:    clock.Now,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := c.Open(context.Background(), Endpoint{Server: "tb.test", Port: 1883, Token: "tok"}); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c, conn, clock
}

func TestClient_ClosedOperations(t *testing.T) {
	c := NewClient(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ctx := context.Background()

	if c.IsOpen() {
		t.Error("new client should not be open")
	}
	if err := c.SendTelemetry(ctx, "temperature", 1.0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendTelemetry() = %v, want ErrNotConnected", err)
	}
	set, _ := NewAttributeSet("POWER")
	if err := c.RequestSharedAttributes(ctx, set, time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RequestSharedAttributes() = %v, want ErrNotConnected", err)
	}
	if err := c.RequestFirmwareChunk(ctx, 1, 0, 4096); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RequestFirmwareChunk() = %v, want ErrNotConnected", err)
	}
}

func TestClient_SendTelemetryAndAttribute(t *testing.T) {
	c, conn, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.SendTelemetry(ctx, "temperature", 23.5); err != nil {
		t.Fatalf("SendTelemetry() error = %v", err)
	}
	if err := c.SendAttribute(ctx, "rssi", -61); err != nil {
		t.Fatalf("SendAttribute() error = %v", err)
	}

	msgs := conn.messages()
	want := []published{
		{TopicTelemetry, `{"temperature":23.5}`},
		{TopicAttributes, `{"rssi":-61}`},
	}
	if len(msgs) != len(want) {
		t.Fatalf("published %d messages, want %d: %v", len(msgs), len(want), msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestClient_PayloadTooLarge(t *testing.T) {
	c, conn, _ := newTestClient(t)

	err := c.SendTelemetry(context.Background(), "blob", strings.Repeat("x", 600))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("SendTelemetry() = %v, want ErrPayloadTooLarge", err)
	}
	if n := len(conn.messages()); n != 0 {
		t.Errorf("published %d messages, want 0", n)
	}
}

func TestClient_AttributeRequestResponse(t *testing.T) {
	c, conn, _ := newTestClient(t)
	ctx := context.Background()
	set, _ := NewAttributeSet("POWER", "ledState")

	if err := c.RequestSharedAttributes(ctx, set, 10*time.Second); err != nil {
		t.Fatalf("RequestSharedAttributes() error = %v", err)
	}

	msgs := conn.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != "v1/devices/me/attributes/request/1" {
		t.Errorf("topic = %q", msgs[0].topic)
	}
	if msgs[0].payload != `{"sharedKeys":"POWER,ledState"}` {
		t.Errorf("payload = %q", msgs[0].payload)
	}
	if len(conn.subscribed) != 1 || conn.subscribed[0] != TopicAttributeResponses {
		t.Errorf("subscribed = %v, want [%s]", conn.subscribed, TopicAttributeResponses)
	}

	conn.deliver("v1/devices/me/attributes/response/1", []byte(`{"shared":{"POWER":true,"ledState":false}}`))

	events := c.PumpOnce(time.Now())
	if len(events) != 1 {
		t.Fatalf("PumpOnce() returned %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Kind != AttributeResponse || ev.Scope != ScopeShared || ev.RequestID != 1 {
		t.Errorf("event = %+v", ev)
	}
	if ev.Attributes["POWER"] != true || ev.Attributes["ledState"] != false {
		t.Errorf("attributes = %v", ev.Attributes)
	}

	// Answered requests never time out.
	if events := c.PumpOnce(time.Now().Add(time.Hour)); len(events) != 0 {
		t.Errorf("PumpOnce() after response = %v, want none", events)
	}
}

func TestClient_RequestTimeout(t *testing.T) {
	c, _, clock := newTestClient(t)
	set, _ := NewAttributeSet("POWER")

	if err := c.RequestSharedAttributes(context.Background(), set, 10*time.Second); err != nil {
		t.Fatalf("RequestSharedAttributes() error = %v", err)
	}

	if events := c.PumpOnce(clock.Now().Add(9 * time.Second)); len(events) != 0 {
		t.Fatalf("PumpOnce() before deadline = %v, want none", events)
	}

	clock.Advance(10 * time.Second)
	events := c.PumpOnce(clock.Now())
	if len(events) != 1 || events[0].Kind != RequestTimeout {
		t.Fatalf("PumpOnce() at deadline = %v, want one timeout", events)
	}
	if got := strings.Join(events[0].Keys, ","); got != "POWER" {
		t.Errorf("timeout keys = %q, want POWER", got)
	}

	// The timeout fires once.
	if events := c.PumpOnce(clock.Now().Add(time.Minute)); len(events) != 0 {
		t.Errorf("second PumpOnce() = %v, want none", events)
	}
}

func TestClient_RequestSendFailureRegistersNothing(t *testing.T) {
	c, conn, clock := newTestClient(t)
	conn.publishErr = errors.New("broken pipe")
	set, _ := NewAttributeSet("POWER")

	if err := c.RequestSharedAttributes(context.Background(), set, time.Second); err == nil {
		t.Fatal("RequestSharedAttributes() = nil, want error")
	}
	if events := c.PumpOnce(clock.Now().Add(time.Minute)); len(events) != 0 {
		t.Errorf("PumpOnce() = %v, want no timeout for unsent request", events)
	}
}

func TestClient_SharedAttributeUpdatesFiltered(t *testing.T) {
	c, conn, _ := newTestClient(t)
	set, _ := NewAttributeSet("POWER", "ledState")

	if err := c.SubscribeSharedAttributes(context.Background(), set); err != nil {
		t.Fatalf("SubscribeSharedAttributes() error = %v", err)
	}

	conn.deliver(TopicAttributes, []byte(`{"POWER":false,"unrelated":1}`))
	conn.deliver(TopicAttributes, []byte(`{"unrelated":2}`))

	events := c.PumpOnce(time.Now())
	if len(events) != 1 {
		t.Fatalf("PumpOnce() returned %d events, want 1", len(events))
	}
	if _, ok := events[0].Attributes["unrelated"]; ok {
		t.Error("update should only carry subscribed keys")
	}
	if events[0].Attributes["POWER"] != false {
		t.Errorf("POWER = %v, want false", events[0].Attributes["POWER"])
	}
}

func TestClient_ReceiveSizeLimit(t *testing.T) {
	c, conn, _ := newTestClient(t)
	set, _ := NewAttributeSet("POWER")
	c.SubscribeSharedAttributes(context.Background(), set)
	c.SubscribeFirmwareChunks(context.Background())

	big := `{"POWER":"` + strings.Repeat("x", 600) + `"}`
	conn.deliver(TopicAttributes, []byte(big))
	conn.deliver("v2/fw/response/7/chunk/0", []byte(strings.Repeat("y", 4096)))

	events := c.PumpOnce(time.Now())
	if len(events) != 1 {
		t.Fatalf("PumpOnce() returned %d events, want only the chunk", len(events))
	}
	ev := events[0]
	if ev.Kind != FirmwareChunk || ev.RequestID != 7 || ev.Chunk != 0 || len(ev.Data) != 4096 {
		t.Errorf("chunk event = kind %v request %d chunk %d len %d", ev.Kind, ev.RequestID, ev.Chunk, len(ev.Data))
	}
}

func TestClient_FirmwareProtocol(t *testing.T) {
	c, conn, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.AnnounceFirmware(ctx, "RTOTA", "2"); err != nil {
		t.Fatalf("AnnounceFirmware() error = %v", err)
	}
	if err := c.RequestFirmwareInfo(ctx, 10*time.Second); err != nil {
		t.Fatalf("RequestFirmwareInfo() error = %v", err)
	}
	if err := c.SubscribeFirmwareChunks(ctx); err != nil {
		t.Fatalf("SubscribeFirmwareChunks() error = %v", err)
	}
	if err := c.RequestFirmwareChunk(ctx, 3, 5, 4096); err != nil {
		t.Fatalf("RequestFirmwareChunk() error = %v", err)
	}
	if err := c.ReportFirmwareState(ctx, StateFailed, "checksum mismatch"); err != nil {
		t.Fatalf("ReportFirmwareState() error = %v", err)
	}

	msgs := conn.messages()
	want := []published{
		{TopicTelemetry, `{"current_fw_title":"RTOTA","current_fw_version":"2"}`},
		{"v1/devices/me/attributes/request/1", `{"sharedKeys":"fw_title,fw_version,fw_size,fw_checksum,fw_checksum_algorithm"}`},
		{"v2/fw/request/3/chunk/5", "4096"},
		{TopicTelemetry, `{"fw_error":"checksum mismatch","fw_state":"FAILED"}`},
	}
	if len(msgs) != len(want) {
		t.Fatalf("published %d messages, want %d: %v", len(msgs), len(want), msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, msgs[i], want[i])
		}
	}

	conn.deliver("v1/devices/me/attributes/response/1",
		[]byte(`{"shared":{"fw_title":"RTOTA","fw_version":"3","fw_size":8192,"fw_checksum":"abc","fw_checksum_algorithm":"SHA256"}}`))
	events := c.PumpOnce(time.Now())
	if len(events) != 1 || events[0].Scope != ScopeFirmware {
		t.Fatalf("events = %+v, want one firmware response", events)
	}
	info, ok := ParseFirmwareInfo(events[0].Attributes)
	if !ok {
		t.Fatal("ParseFirmwareInfo() ok = false")
	}
	if info.Version != "3" || info.Size != 8192 || info.ChecksumAlgorithm != "SHA256" {
		t.Errorf("info = %+v", info)
	}

	// Firmware attribute pushes are routed once firmware info was requested.
	conn.deliver(TopicAttributes, []byte(`{"fw_title":"RTOTA","fw_version":"4"}`))
	events = c.PumpOnce(time.Now())
	if len(events) != 1 || events[0].Scope != ScopeFirmware || events[0].Kind != AttributeUpdate {
		t.Errorf("events = %+v, want one firmware update", events)
	}
}

func TestClient_ReopenDiscardsState(t *testing.T) {
	c, conn, clock := newTestClient(t)
	ctx := context.Background()
	set, _ := NewAttributeSet("POWER")

	c.RequestSharedAttributes(ctx, set, time.Second)
	conn.deliver("v1/devices/me/attributes/response/99", []byte(`{"shared":{}}`))

	if err := c.Open(ctx, Endpoint{Server: "tb.test", Port: 1883}); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	conn.mu.Lock()
	conn.open = true
	conn.mu.Unlock()

	if events := c.PumpOnce(clock.Now().Add(time.Hour)); len(events) != 0 {
		t.Errorf("PumpOnce() after reopen = %v, want none", events)
	}
	if !c.IsOpen() {
		t.Error("IsOpen() = false after reopen")
	}
}

func TestClient_UnroutedTopicIgnored(t *testing.T) {
	c, conn, _ := newTestClient(t)
	conn.deliver("v1/devices/me/rpc/request/1", []byte(`{"method":"reboot"}`))
	if events := c.PumpOnce(time.Now()); len(events) != 0 {
		t.Errorf("PumpOnce() = %v, want none", events)
	}
}

func TestClient_InboxOverflow(t *testing.T) {
	conn := &fakeConn{open: true}
	c := NewClient(Config{
		Dial: func(ctx context.Context, ep Endpoint, deliver DeliverFunc) (Conn, error) {
			conn.deliver = deliver
			return conn, nil
		},
		InboxSize: 2,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := c.Open(context.Background(), Endpoint{Server: "tb.test", Port: 1883}); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close(context.Background())

	for range 5 {
		conn.deliver("v2/fw/response/1/chunk/0", []byte("x"))
	}
	if got := c.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
	if events := c.PumpOnce(time.Now()); len(events) != 2 {
		t.Errorf("PumpOnce() returned %d events, want 2", len(events))
	}
}
