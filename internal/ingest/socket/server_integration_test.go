package socket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"telemetrygw/internal/dispatch"
	"telemetrygw/internal/domain"
	"telemetrygw/internal/errs"
	"telemetrygw/internal/storage/sqlite"
)

type shutdownFunc func()

func (f shutdownFunc) Shutdown() { f() }

func startTestServer(t *testing.T, opts ...dispatch.Option) (*Server, string) {
	t.Helper()
	store, err := sqlite.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewServer(Config{Network: "tcp", Address: "127.0.0.1:0", Password: "secret"}, dispatch.New(store, opts...), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = s.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = s.Close()
		_ = store.Close(context.Background())
	})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return s, addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server not started")
	return nil, ""
}

func TestWrongPasswordIsDeniedAndClosed(t *testing.T) {
	_, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	prompt := make([]byte, len(PromptPassword))
	if _, err := io.ReadFull(r, prompt); err != nil || string(prompt) != PromptPassword {
		t.Fatalf("prompt = %q err=%v", prompt, err)
	}
	if _, err := io.WriteString(conn, "Secret\n"); err != nil {
		t.Fatal(err)
	}
	line, err := r.ReadString('\n')
	if err != nil || line != AccessDenied {
		t.Fatalf("expected denial, got %q err=%v", line, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadByte(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected connection closed after denial, got %v", err)
	}

	if _, err := dialClient(context.Background(), "tcp", addr, "wrong"); !errors.Is(err, errs.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestPasswordIsTrimmed(t *testing.T) {
	_, addr := startTestServer(t)
	c, err := dialClient(context.Background(), "tcp", addr, "  secret \r")
	if err != nil {
		t.Fatalf("expected trimmed password to be accepted: %v", err)
	}
	c.Close()
}

func TestUnknownUUIDReturnsNotFound(t *testing.T) {
	_, addr := startTestServer(t)
	c, err := dialClient(context.Background(), "tcp", addr, "secret")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var got dispatch.NotFound
	if err := c.Request(map[string]string{"type": "uuid", "data": "missing-id"}, &got); err != nil {
		t.Fatal(err)
	}
	want := dispatch.NotFound{UUID: "missing-id", Found: false, Message: "No data found for this UUID"}
	if got != want {
		t.Fatalf("got %+v", got)
	}
}

func TestBulkCreateThenQueryInOrder(t *testing.T) {
	_, addr := startTestServer(t)
	c, err := dialClient(context.Background(), "tcp", addr, "secret")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	rec := domain.Record{UUID: "U", Color: "red", Timestamp: "T1", EnergyCost: 0.12, EnergyConsume: 3.4, SensorData: domain.SensorData{Temperature: 21.5, Humidity: 40}}
	// pipelined: both messages are written before either reply is read
	if err := c.Send(map[string]any{"type": "data", "data": []domain.Record{rec}}); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(map[string]any{"type": "uuid", "data": "U"}); err != nil {
		t.Fatal(err)
	}
	first, err := c.ReadLine()
	if err != nil || first != `{"type":"data","success":true}` {
		t.Fatalf("create reply = %q err=%v", first, err)
	}
	second, err := c.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if second != `{"uuid":"U","color":"red","timestamp":"T1","energy_cost":0.12,"energy_consume":3.4,"sensor_data":{"temperature":21.5,"humidity":40}}` {
		t.Fatalf("lookup reply = %q", second)
	}

	var again dispatch.CreateReply
	if err := c.Request(map[string]any{"type": "data", "data": []domain.Record{rec}}, &again); err != nil {
		t.Fatal(err)
	}
	if again.Success {
		t.Fatal("duplicate create must report success=false")
	}
}

func TestMalformedJSONReportsAndCloses(t *testing.T) {
	_, addr := startTestServer(t)
	c, err := dialClient(context.Background(), "tcp", addr, "secret")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := io.WriteString(c.conn, "{\"type\": uuid}\n"); err != nil {
		t.Fatal(err)
	}
	line, err := c.ReadLine()
	if err != nil || line+"\n" != InvalidJSON {
		t.Fatalf("expected invalid json error, got %q err=%v", line, err)
	}
	if _, err := c.ReadLine(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected close after malformed input, got %v", err)
	}
}

func TestValidationErrorKeepsConnectionOpen(t *testing.T) {
	_, addr := startTestServer(t)
	c, err := dialClient(context.Background(), "tcp", addr, "secret")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	for _, msg := range []map[string]any{{"type": "uuid"}, {"type": "nonsense"}, {"type": "message", "content": "hi"}} {
		if err := c.Send(msg); err != nil {
			t.Fatal(err)
		}
	}
	var status dispatch.CommandReply
	if err := c.Request(map[string]string{"type": "command", "command": "status"}, &status); err != nil {
		t.Fatal(err)
	}
	if !status.Success || status.Command != "status" {
		t.Fatalf("status = %+v", status)
	}
}

func TestExitCommandRequestsShutdown(t *testing.T) {
	var once sync.Once
	stopped := make(chan struct{})
	_, addr := startTestServer(t, dispatch.WithController(shutdownFunc(func() { once.Do(func() { close(stopped) }) })))
	c, err := dialClient(context.Background(), "tcp", addr, "secret")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var ack dispatch.CommandReply
	if err := c.Request(map[string]string{"type": "command", "command": "exit"}, &ack); err != nil {
		t.Fatal(err)
	}
	if !ack.Success {
		t.Fatalf("exit ack = %+v", ack)
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not requested")
	}
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	_, addr := startTestServer(t)

	// one client sends garbage; the others keep working
	bad, err := dialClient(context.Background(), "tcp", addr, "secret")
	if err != nil {
		t.Fatal(err)
	}
	defer bad.Close()
	_, _ = io.WriteString(bad.conn, "}}}\n")

	const clients = 8
	var wg sync.WaitGroup
	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c, err := dialClient(context.Background(), "tcp", addr, "secret")
			if err != nil {
				errCh <- err
				return
			}
			defer c.Close()
			id := fmt.Sprintf("id-%d", n)
			var res dispatch.CreateReply
			if err := c.Request(map[string]any{"type": "data", "data": []domain.Record{{UUID: id, Color: "blue"}}}, &res); err != nil {
				errCh <- err
				return
			}
			if !res.Success {
				errCh <- fmt.Errorf("create %s failed", id)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}
