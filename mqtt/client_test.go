package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"elm327-scanner/bus"
	"elm327-scanner/common"
)

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
	got  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 64)}
}

func (r *recorder) publish(topic string, retained bool, payload []byte) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, published{topic, retained, payload})
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T, n int) []published {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for publish %d of %d", i+1, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.msgs...)
}

type fakeScanner struct {
	result *common.ScanResult
	err    error
	reqs   chan common.ScanRequest
}

func (f *fakeScanner) Scan(ctx context.Context, req common.ScanRequest) (*common.ScanResult, error) {
	if f.reqs != nil {
		f.reqs <- req
	}
	return f.result, f.err
}

func newTestClient(s Scanner) (*Client, *recorder, *bus.PubSubBus) {
	config := DefaultConfig()
	config.CommandTopic = "garage/command"
	config.DataTopic = "garage/diag"
	b := bus.New(16, false)
	c := NewClient(config, s, b)
	rec := newRecorder()
	c.publish = rec.publish
	return c, rec, b
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Broker == "" {
		t.Error("Expected non-empty broker address")
	}
	if config.ClientID == "" {
		t.Error("Expected non-empty client ID")
	}
	if config.DataTopic == "" || config.CommandTopic == "" {
		t.Error("Expected non-empty topics")
	}
	if config.QoS > 2 {
		t.Errorf("Expected QoS between 0 and 2, got %d", config.QoS)
	}
}

func TestGenerateClientID(t *testing.T) {
	id1 := generateClientID()
	id2 := generateClientID()

	if id1 == id2 {
		t.Error("Expected unique client IDs")
	}
	if !strings.HasPrefix(id1, "elm327-scanner-") || len(id1) != len("elm327-scanner-")+8 {
		t.Errorf("Unexpected client ID %q", id1)
	}
}

func TestTopics(t *testing.T) {
	c, _, b := newTestClient(&fakeScanner{})
	defer b.Close()

	if got := c.RequestTopic(); got != "garage/command/+/request" {
		t.Errorf("Unexpected request topic %s", got)
	}
	if got := c.ResponseTopic("r1"); got != "garage/command/r1/response" {
		t.Errorf("Unexpected response topic %s", got)
	}
	if got := c.StateTopic(); got != "garage/diag/state" {
		t.Errorf("Unexpected state topic %s", got)
	}

	withVIN := &common.ScanResult{Identity: common.VehicleIdentity{VIN: "1G1JC5444R7252367"}, DeviceInfo: common.DeviceInfo{DeviceID: "dev"}}
	if got := c.ReportTopic(withVIN); got != "garage/diag/1G1JC5444R7252367/report" {
		t.Errorf("Unexpected report topic %s", got)
	}
	noVIN := &common.ScanResult{DeviceInfo: common.DeviceInfo{DeviceID: common.SimulatorDeviceID}}
	if got := c.ReportTopic(noVIN); got != "garage/diag/simulator/report" {
		t.Errorf("Unexpected report topic %s", got)
	}

	if got := c.requestID("garage/command/abc/request"); got != "abc" {
		t.Errorf("Expected request id abc, got %s", got)
	}
	if got := c.requestID("garage/command/a/b/request"); got != "unknown" {
		t.Errorf("Expected unknown request id, got %s", got)
	}
}

func TestScanRequestRoundTrip(t *testing.T) {
	scanner := &fakeScanner{
		result: &common.ScanResult{ScanID: "scan-1", DeviceInfo: common.DeviceInfo{DeviceID: "emulator"}},
		reqs:   make(chan common.ScanRequest, 1),
	}
	c, rec, b := newTestClient(scanner)
	defer b.Close()
	c.startLoops()
	defer c.Stop()

	c.handleRequest("garage/command/r42/request", []byte(`{"correlation_id":"corr-1","scan":{"scanType":"full","checkinId":"ck"}}`))

	req := <-scanner.reqs
	if req.ScanType != common.ScanFull || req.CheckinID != "ck" {
		t.Errorf("Unexpected scan request %+v", req)
	}

	// Отчет (через шину) и ответ, в любом порядке
	msgs := rec.wait(t, 2)
	byTopic := map[string]published{}
	for _, m := range msgs {
		byTopic[m.topic] = m
	}

	resp, ok := byTopic["garage/command/r42/response"]
	if !ok {
		t.Fatalf("No response published, got %v", msgs)
	}
	var decoded CommandResponse
	if err := json.Unmarshal(resp.payload, &decoded); err != nil {
		t.Fatalf("Bad response payload: %v", err)
	}
	if decoded.CorrelationID != "corr-1" || decoded.Status != "success" {
		t.Errorf("Unexpected response %+v", decoded)
	}

	if _, ok := byTopic["garage/diag/emulator/report"]; !ok {
		t.Errorf("No report published, got %v", msgs)
	}
}

func TestScanFailureResponse(t *testing.T) {
	scanner := &fakeScanner{err: &common.ScanError{State: "reading_codes", Err: errors.New("boom")}}
	c, rec, b := newTestClient(scanner)
	defer b.Close()
	c.startLoops()
	defer c.Stop()

	c.handleRequest("garage/command/r1/request", []byte(`{"scan":{}}`))

	msgs := rec.wait(t, 1)
	var decoded CommandResponse
	if err := json.Unmarshal(msgs[0].payload, &decoded); err != nil {
		t.Fatalf("Bad response payload: %v", err)
	}
	if decoded.Status != "error" || !strings.Contains(decoded.Error, "boom") {
		t.Errorf("Unexpected response %+v", decoded)
	}
	if decoded.CorrelationID != "r1" {
		t.Errorf("Expected correlation id to default to request id, got %s", decoded.CorrelationID)
	}
}

func TestScanTimeoutResponse(t *testing.T) {
	scanner := &fakeScanner{err: &common.ScanError{State: "reading_codes", Err: &common.TimeoutError{Command: "03", After: time.Second}}}
	c, rec, b := newTestClient(scanner)
	defer b.Close()
	c.startLoops()
	defer c.Stop()

	c.handleRequest("garage/command/r2/request", []byte(`{"scan":{}}`))

	msgs := rec.wait(t, 1)
	var decoded CommandResponse
	if err := json.Unmarshal(msgs[0].payload, &decoded); err != nil {
		t.Fatalf("Bad response payload: %v", err)
	}
	if decoded.Status != "error" || !strings.HasPrefix(decoded.Error, "adapter did not answer: ") {
		t.Errorf("Unexpected response %+v", decoded)
	}
	if !strings.Contains(decoded.Error, `"03"`) {
		t.Errorf("Expected the timed out command in %q", decoded.Error)
	}
}

func TestInvalidRequests(t *testing.T) {
	c, rec, b := newTestClient(&fakeScanner{})
	defer b.Close()

	c.handleRequest("garage/command/x/request", []byte(`not json`))
	c.handleRequest("garage/command/y/request", []byte(`{"scan":{"scanType":"deep"}}`))

	msgs := rec.wait(t, 2)
	for _, m := range msgs {
		var decoded CommandResponse
		if err := json.Unmarshal(m.payload, &decoded); err != nil {
			t.Fatalf("Bad response payload: %v", err)
		}
		if decoded.Status != "error" {
			t.Errorf("Expected error response on %s, got %+v", m.topic, decoded)
		}
	}
	if len(c.requests) != 0 {
		t.Errorf("Invalid requests must not be queued")
	}
}

func TestStatePublishedRetained(t *testing.T) {
	c, rec, b := newTestClient(&fakeScanner{})
	defer b.Close()
	c.startLoops()
	defer c.Stop()

	b.Publish(bus.TopicState, common.ConnectionState{Connected: true, Step: "Connected"})

	msgs := rec.wait(t, 1)
	if msgs[0].topic != "garage/diag/state" || !msgs[0].retained {
		t.Errorf("Unexpected state publish %+v", msgs[0])
	}
}

func TestIsConnected(t *testing.T) {
	client := &Client{}
	if client.IsConnected() {
		t.Error("Expected IsConnected to return false for nil client")
	}
	if err := client.mqttPublish("t", false, nil); !errors.Is(err, common.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected without broker connection, got %v", err)
	}
}
