package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/stowage/internal/bus"
	"github.com/basket/stowage/internal/gateway"
	"github.com/basket/stowage/internal/scheduler"
	"github.com/basket/stowage/internal/worker"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const testToken = "gateway-test-token"

type stubWorker struct{ st worker.Status }

func (s stubWorker) Status() worker.Status { return s.st }

type stubDrainer struct{ st scheduler.Status }

func (s stubDrainer) Status() scheduler.Status { return s.st }

func startGateway(t *testing.T, cfg gateway.Config) (*gateway.Server, *httptest.Server) {
	t.Helper()
	gw := gateway.New(cfg)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(gw.Close)
	return gw, srv
}

func dial(t *testing.T, srv *httptest.Server, folder, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?folder=" + folder
	return websocket.Dial(ctx, url, opts)
}

func readEvent(t *testing.T, conn *websocket.Conn) bus.FolderEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var ev bus.FolderEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func getHealth(t *testing.T, srv *httptest.Server) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	return resp.StatusCode, body
}

func TestHealthz_ReadyWorker(t *testing.T) {
	_, srv := startGateway(t, gateway.Config{
		Worker: stubWorker{worker.Status{InstanceID: "default", Ready: true, PID: 42}},
		Drainers: []gateway.DrainerStatus{
			stubDrainer{scheduler.Status{Owner: "CORE", Ceiling: 10, Running: 2}},
			stubDrainer{scheduler.Status{Owner: "APP", Ceiling: 5}},
		},
		DBCheck: func(context.Context) error { return nil },
	})

	code, body := getHealth(t, srv)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["healthy"] != true || body["db_ok"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
	w, _ := body["worker"].(map[string]any)
	if w["ready"] != true || w["pid"] != float64(42) {
		t.Fatalf("worker = %v", w)
	}
	drainers, _ := body["drainers"].([]any)
	if len(drainers) != 2 {
		t.Fatalf("drainers = %v", body["drainers"])
	}
	core, _ := drainers[0].(map[string]any)
	if core["owner"] != "CORE" || core["running"] != float64(2) {
		t.Fatalf("core drainer = %v", core)
	}
}

func TestHealthz_UnhealthyReturns503(t *testing.T) {
	tests := []struct {
		name string
		cfg  gateway.Config
	}{
		{
			name: "worker not ready",
			cfg:  gateway.Config{Worker: stubWorker{worker.Status{Ready: false, LastError: "spawn failed"}}},
		},
		{
			name: "db down",
			cfg: gateway.Config{
				Worker:  stubWorker{worker.Status{Ready: true}},
				DBCheck: func(context.Context) error { return errors.New("disk gone") },
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := startGateway(t, tt.cfg)
			code, body := getHealth(t, srv)
			if code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", code)
			}
			if body["healthy"] != false {
				t.Fatalf("healthy = %v", body["healthy"])
			}
		})
	}
}

func TestWS_RejectsMissingToken(t *testing.T) {
	_, srv := startGateway(t, gateway.Config{AuthToken: testToken})

	for _, token := range []string{"", "wrong"} {
		_, resp, err := dial(t, srv, "f1", token)
		if err == nil {
			t.Fatalf("token %q: expected dial failure", token)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: response = %+v, want 401", token, resp)
		}
	}
}

func TestWS_RequiresFolder(t *testing.T) {
	_, srv := startGateway(t, gateway.Config{})
	_, resp, err := dial(t, srv, "", "")
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("response = %+v, want 400", resp)
	}
}

func TestWS_StreamsOnlyRequestedFolder(t *testing.T) {
	b := bus.New()
	_, srv := startGateway(t, gateway.Config{Bus: b, AuthToken: testToken})

	conn, _, err := dial(t, srv, "f1", testToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if ev := readEvent(t, conn); ev.Kind != gateway.KindSubscribed || ev.FolderID != "f1" {
		t.Fatalf("first event = %+v", ev)
	}

	sink := bus.NewSink(b)
	ctx := context.Background()
	_ = sink.Notify(ctx, "f10", bus.KindTaskStarted, map[string]any{"task_id": "other"})
	_ = sink.Notify(ctx, "f1", bus.KindTaskStarted, map[string]any{"task_id": "t1"})
	_ = sink.Notify(ctx, "f2", bus.KindTaskStarted, map[string]any{"task_id": "other"})
	_ = sink.Notify(ctx, "f1", bus.KindTaskCompleted, map[string]any{"task_id": "t1"})

	for _, want := range []string{bus.KindTaskStarted, bus.KindTaskCompleted} {
		ev := readEvent(t, conn)
		if ev.Kind != want || ev.FolderID != "f1" {
			t.Fatalf("event = %+v, want kind %s on f1", ev, want)
		}
		payload, _ := ev.Payload.(map[string]any)
		if payload["task_id"] != "t1" {
			t.Fatalf("payload = %v", ev.Payload)
		}
	}
}

func TestWS_TokenQueryParameter(t *testing.T) {
	_, srv := startGateway(t, gateway.Config{AuthToken: testToken})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?folder=f1&token=" + testToken
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	if ev := readEvent(t, conn); ev.Kind != gateway.KindSubscribed {
		t.Fatalf("first event = %+v", ev)
	}
}

func TestServerClose_EndsStreams(t *testing.T) {
	gw, srv := startGateway(t, gateway.Config{})

	conn, _, err := dial(t, srv, "f1", "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	readEvent(t, conn)
	if gw.Clients() != 1 {
		t.Fatalf("clients = %d, want 1", gw.Clients())
	}

	gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var ev bus.FolderEvent
	if err := wsjson.Read(ctx, conn, &ev); err == nil {
		t.Fatalf("expected closed stream, got %+v", ev)
	}
	deadline := time.Now().Add(2 * time.Second)
	for gw.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d after close", gw.Clients())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectLimiter_Rejects(t *testing.T) {
	_, srv := startGateway(t, gateway.Config{Limiter: gateway.NewConnectLimiter(1, 1)})

	conn, _, err := dial(t, srv, "f1", "")
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")

	_, resp, err := dial(t, srv, "f1", "")
	if err == nil {
		t.Fatal("expected second dial to be limited")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("response = %+v, want 429", resp)
	}
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	if got := gateway.ExtractToken(r); got != "q" {
		t.Fatalf("query token = %q", got)
	}
	r.Header.Set("Authorization", "Bearer h")
	if got := gateway.ExtractToken(r); got != "h" {
		t.Fatalf("header token = %q", got)
	}
}

func scrape(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestMetrics_ExposesStatusAndConnections(t *testing.T) {
	_, srv := startGateway(t, gateway.Config{
		AuthToken: testToken,
		Worker:    stubWorker{worker.Status{InstanceID: "default", Ready: true, Restarts: 2}},
		Drainers: []gateway.DrainerStatus{
			stubDrainer{scheduler.Status{Owner: "CORE", Ceiling: 4, Running: 3, Cycles: 9}},
			stubDrainer{scheduler.Status{Owner: "APP", Ceiling: 2}},
		},
	})

	if _, resp, err := dial(t, srv, "f1", "wrong"); err == nil {
		t.Fatal("dial with wrong token succeeded")
	} else if resp != nil {
		resp.Body.Close()
	}
	conn, _, err := dial(t, srv, "f1", testToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	readEvent(t, conn)

	body := scrape(t, srv)
	for _, want := range []string{
		`stowage_drainer_running_tasks{owner="CORE"} 3`,
		`stowage_drainer_ceiling{owner="APP"} 2`,
		`stowage_drainer_cycles_total{owner="CORE"} 9`,
		`stowage_worker_ready{instance="default"} 1`,
		`stowage_worker_restarts_total{instance="default"} 2`,
		`stowage_gateway_connections_total{result="unauthorized"} 1`,
		`stowage_gateway_connections_total{result="accepted"} 1`,
		`stowage_gateway_ws_clients 1`,
		`stowage_gateway_events_sent_total 0`,
		`stowage_audit_events_total{outcome="reject"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}
