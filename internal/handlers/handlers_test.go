package handlers

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"bluebridge-api/internal/config"
	"bluebridge-api/internal/managers"
	"bluebridge-api/internal/models"
	"bluebridge-api/internal/session"
)

// fakeService implements BluetoothService with overridable function fields.
// Unset fields return zero values.
type fakeService struct {
	enabled      bool
	scanFn       func(ctx context.Context, timeout time.Duration) ([]models.DeviceInfo, error)
	infoFn       func(ctx context.Context, device string) (models.DeviceInfo, error)
	pairFn       func(ctx context.Context, device, pin string, trust bool) error
	connectFn    func(ctx context.Context, device string) (*session.Session, error)
	sessionFn    func(ctx context.Context, device string) (*session.Session, error)
	conns        []models.ConnectionInfo
	disconnected []string
}

func (f *fakeService) IsEnabled() bool { return f.enabled }
func (f *fakeService) Enable() error   { f.enabled = true; return nil }
func (f *fakeService) Disable() error  { f.enabled = false; return nil }

func (f *fakeService) Scan(ctx context.Context, timeout time.Duration) ([]models.DeviceInfo, error) {
	if f.scanFn != nil {
		return f.scanFn(ctx, timeout)
	}
	return []models.DeviceInfo{}, nil
}

func (f *fakeService) GetDeviceInfo(ctx context.Context, device string) (models.DeviceInfo, error) {
	if f.infoFn != nil {
		return f.infoFn(ctx, device)
	}
	return models.DeviceInfo{Address: device}, nil
}

func (f *fakeService) Pair(ctx context.Context, device, pin string, trust bool) error {
	if f.pairFn != nil {
		return f.pairFn(ctx, device, pin, trust)
	}
	return nil
}

func (f *fakeService) Unpair(ctx context.Context, device string) error { return nil }

func (f *fakeService) IsPaired(ctx context.Context, device string) bool          { return true }
func (f *fakeService) IsDeviceConnected(ctx context.Context, device string) bool { return false }

func (f *fakeService) Connect(ctx context.Context, device string) (*session.Session, error) {
	if f.connectFn != nil {
		return f.connectFn(ctx, device)
	}
	return nil, managers.ErrConnectFailed
}

func (f *fakeService) Disconnect(ctx context.Context, device string) error {
	f.disconnected = append(f.disconnected, device)
	return nil
}

func (f *fakeService) DisconnectAll() { f.disconnected = append(f.disconnected, "*") }

func (f *fakeService) ActiveConnections() []models.ConnectionInfo { return f.conns }

func (f *fakeService) Session(ctx context.Context, device string) (*session.Session, error) {
	if f.sessionFn != nil {
		return f.sessionFn(ctx, device)
	}
	return nil, session.ErrConnectionClosed
}

func testRouter(svc BluetoothService) http.Handler {
	cfg := &config.Settings{
		Version:          "test",
		AdapterName:      "hci0",
		ReadPollInterval: 10 * time.Millisecond,
		ExchangeTimeout:  100 * time.Millisecond,
	}
	r := chi.NewRouter()
	r.Mount("/api/v1/bluetooth", NewBluetoothHandler(cfg, svc).Routes())
	r.Get("/health", NewHandlers(cfg, svc).Health)
	return r
}

// pipeSession returns a live session backed by net.Pipe plus the remote end.
func pipeSession(t *testing.T, device string) (*session.Session, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	sess := session.New(local, "AA:BB:CC:11:22:33", 1, device, session.Options{
		PollInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() {
		sess.Disconnect()
		remote.Close()
	})
	return sess, remote
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := testRouter(&fakeService{enabled: true})
	rec := doRequest(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp models.HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || !resp.AdapterEnabled {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAdapterStatusAndToggle(t *testing.T) {
	svc := &fakeService{}
	h := testRouter(svc)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/bluetooth/adapter/enable", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d", rec.Code)
	}
	if !svc.enabled {
		t.Error("service not enabled")
	}

	rec = doRequest(t, h, http.MethodGet, "/api/v1/bluetooth/adapter", "")
	var status models.AdapterStatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Adapter != "hci0" || !status.Enabled {
		t.Errorf("status = %+v", status)
	}
}

func TestScanTimeoutParam(t *testing.T) {
	var got time.Duration
	svc := &fakeService{scanFn: func(ctx context.Context, timeout time.Duration) ([]models.DeviceInfo, error) {
		got = timeout
		return []models.DeviceInfo{{Address: "AA:BB:CC:11:22:33"}}, nil
	}}
	h := testRouter(svc)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/bluetooth/scan?timeout=2.5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got != 2500*time.Millisecond {
		t.Errorf("timeout = %v", got)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/v1/bluetooth/scan?timeout=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad timeout status = %d", rec.Code)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	svc := &fakeService{infoFn: func(ctx context.Context, device string) (models.DeviceInfo, error) {
		return models.DeviceInfo{}, managers.ErrDeviceNotFound
	}}
	h := testRouter(svc)

	rec := doRequest(t, h, http.MethodGet, "/api/v1/bluetooth/devices/Nobody", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp models.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != http.StatusNotFound {
		t.Errorf("resp = %+v", resp)
	}
}

func TestPairForwardsBody(t *testing.T) {
	var gotPin string
	var gotTrust bool
	svc := &fakeService{pairFn: func(ctx context.Context, device, pin string, trust bool) error {
		gotPin, gotTrust = pin, trust
		return nil
	}}
	h := testRouter(svc)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/bluetooth/devices/Probe/pair", `{"pin":"1234","trust":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if gotPin != "1234" || !gotTrust {
		t.Errorf("pin = %q trust = %v", gotPin, gotTrust)
	}
}

func TestPairNoBody(t *testing.T) {
	var gotPin string
	gotTrust := false
	svc := &fakeService{pairFn: func(ctx context.Context, device, pin string, trust bool) error {
		gotPin, gotTrust = pin, trust
		return nil
	}}
	h := testRouter(svc)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/bluetooth/devices/Probe/pair", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotPin != "" {
		t.Errorf("pin = %q, want empty", gotPin)
	}
	if !gotTrust {
		t.Error("trust not defaulted to true without a body")
	}
}

func TestPairTrustDefault(t *testing.T) {
	cases := []struct {
		name string
		body string
		want bool
	}{
		{"omitted", `{"pin":"1234"}`, true},
		{"explicit false", `{"pin":"1234","trust":false}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotTrust bool
			svc := &fakeService{pairFn: func(ctx context.Context, device, pin string, trust bool) error {
				gotTrust = trust
				return nil
			}}
			h := testRouter(svc)

			rec := doRequest(t, h, http.MethodPost, "/api/v1/bluetooth/devices/Probe/pair", tc.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			if gotTrust != tc.want {
				t.Errorf("trust = %v, want %v", gotTrust, tc.want)
			}
		})
	}
}

func TestPairAuthFailureStatus(t *testing.T) {
	svc := &fakeService{pairFn: func(ctx context.Context, device, pin string, trust bool) error {
		return managers.ErrAuthenticationFailed
	}}
	h := testRouter(svc)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/bluetooth/devices/Probe/pair", `{"pin":"0000"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestConnectReturnsConnectionInfo(t *testing.T) {
	sess, _ := pipeSession(t, "Probe")
	svc := &fakeService{connectFn: func(ctx context.Context, device string) (*session.Session, error) {
		return sess, nil
	}}
	h := testRouter(svc)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/bluetooth/devices/Probe/connect", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var info models.ConnectionInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.ConnectionID != "Probe" || !info.IsConnected {
		t.Errorf("info = %+v", info)
	}
}

func TestConnectionsListEmpty(t *testing.T) {
	h := testRouter(&fakeService{})
	rec := doRequest(t, h, http.MethodGet, "/api/v1/bluetooth/connections", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %q, want empty JSON array", body)
	}
}

func TestSendMessageNoSession(t *testing.T) {
	h := testRouter(&fakeService{})
	rec := doRequest(t, h, http.MethodPost, "/api/v1/bluetooth/devices/Probe/messages", `{"send_message":"hi"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestSendMessageWritesToSocket(t *testing.T) {
	sess, remote := pipeSession(t, "Probe")
	svc := &fakeService{sessionFn: func(ctx context.Context, device string) (*session.Session, error) {
		return sess, nil
	}}
	h := testRouter(svc)

	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := remote.Read(buf)
		read <- buf[:n]
	}()

	rec := doRequest(t, h, http.MethodPost, "/api/v1/bluetooth/devices/Probe/messages", `{"send_message":"PING\r\n"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	select {
	case data := <-read:
		if string(data) != "PING\r\n" {
			t.Errorf("wire data = %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("nothing written to the socket")
	}

	var out models.MessageRecord
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SentAt == nil {
		t.Error("SentAt not stamped")
	}
	if len(out.SendBytes) == 0 {
		t.Error("SendBytes not populated")
	}
}

func TestReceiveMessageEmpty(t *testing.T) {
	sess, _ := pipeSession(t, "Probe")
	svc := &fakeService{sessionFn: func(ctx context.Context, device string) (*session.Session, error) {
		return sess, nil
	}}
	h := testRouter(svc)

	rec := doRequest(t, h, http.MethodGet, "/api/v1/bluetooth/devices/Probe/messages", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestExchangeRoundTrip(t *testing.T) {
	sess, remote := pipeSession(t, "Probe")
	svc := &fakeService{sessionFn: func(ctx context.Context, device string) (*session.Session, error) {
		return sess, nil
	}}
	h := testRouter(svc)

	go func() {
		buf := make([]byte, 64)
		if _, err := remote.Read(buf); err != nil {
			return
		}
		remote.Write([]byte("PONG\r\n"))
	}()

	rec := doRequest(t, h, http.MethodPost, "/api/v1/bluetooth/devices/Probe/exchange?timeout=1", `{"send_message":"PING\r\n"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out models.MessageRecord
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ReceivedMessage == nil || *out.ReceivedMessage != "PONG" {
		t.Errorf("ReceivedMessage = %v", out.ReceivedMessage)
	}
}
