package remote

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"neurorec/internal/config"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, payload any) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}

func (p *fakePublisher) acks(t *testing.T) []Response {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Response
	for _, m := range p.msgs {
		if m.topic != "rig/ack" {
			continue
		}
		var r Response
		require.NoError(t, json.Unmarshal(m.payload, &r))
		out = append(out, r)
	}
	return out
}

type fakeMessage struct{ payload []byte }

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return "rig/cmd" }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeControls struct {
	gate     []bool
	trig     []bool
	enabled  []bool
	meta     map[string]string
	paused   bool
	gateErr  error
	statusOK bool
}

func (c *fakeControls) SetGate(hi bool) error {
	if c.gateErr != nil {
		return c.gateErr
	}
	c.gate = append(c.gate, hi)
	return nil
}

func (c *fakeControls) SetTrigger(hi bool) error {
	c.trig = append(c.trig, hi)
	return nil
}

func (c *fakeControls) SetRecordingEnabled(on bool) error {
	c.enabled = append(c.enabled, on)
	return nil
}

func (c *fakeControls) SetMetadata(kv map[string]string) error {
	c.meta = kv
	return nil
}

func (c *fakeControls) PauseAcquisition() error {
	c.paused = true
	return nil
}

func (c *fakeControls) ResumeAcquisition() error {
	c.paused = false
	return nil
}

func (c *fakeControls) StatusData() map[string]any {
	return map[string]any{"running": c.statusOK}
}

func testHandler(ctl Controls) (*Handler, *fakePublisher) {
	pub := &fakePublisher{}
	h := newHandler(config.MQTT{TopicPrefix: "rig", QoS: 1}, pub, ctl, nil)
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h, pub
}

func TestHandleCommands(t *testing.T) {
	ctl := &fakeControls{statusOK: true}
	h, _ := testHandler(ctl)

	resp := h.handle(Command{Command: CmdGate, Params: map[string]any{"high": true}})
	require.Equal(t, "success", resp.Status)
	require.Equal(t, []bool{true}, ctl.gate)

	resp = h.handle(Command{Command: CmdTrigger, Params: map[string]any{"high": false}})
	require.Equal(t, "success", resp.Status)
	require.Equal(t, []bool{false}, ctl.trig)

	resp = h.handle(Command{Command: CmdEnable, Params: map[string]any{"enabled": true}})
	require.Equal(t, "success", resp.Status)
	require.Equal(t, []bool{true}, ctl.enabled)

	resp = h.handle(Command{Command: CmdMetadata, Params: map[string]any{"subject": "m12", "depth_um": 3200.0, "awake": true}})
	require.Equal(t, "success", resp.Status)
	require.Equal(t, map[string]string{"subject": "m12", "depth_um": "3200", "awake": "true"}, ctl.meta)

	require.Equal(t, "success", h.handle(Command{Command: CmdPause}).Status)
	require.True(t, ctl.paused)
	require.Equal(t, "success", h.handle(Command{Command: CmdResume}).Status)
	require.False(t, ctl.paused)

	resp = h.handle(Command{Command: CmdStatus})
	require.Equal(t, true, resp.Data["running"])
}

func TestHandleRejectsBadCommands(t *testing.T) {
	ctl := &fakeControls{gateErr: errors.New("gate mode is not remote")}
	h, _ := testHandler(ctl)

	resp := h.handle(Command{Command: CmdGate, Params: map[string]any{"high": true}})
	require.Equal(t, "error", resp.Status)
	require.Contains(t, resp.Error, "not remote")
	require.Nil(t, resp.Data)

	resp = h.handle(Command{Command: CmdTrigger, Params: map[string]any{"high": "yes"}})
	require.Equal(t, "error", resp.Status)
	require.Contains(t, resp.Error, `"high"`)

	resp = h.handle(Command{Command: CmdMetadata, Params: map[string]any{"nested": map[string]any{"a": 1.0}}})
	require.Equal(t, "error", resp.Status)

	resp = h.handle(Command{Command: "selfdestruct"})
	require.Equal(t, "error", resp.Status)
	require.Contains(t, resp.Error, "unknown command")
}

func TestMessagesAreProcessedAndAcknowledged(t *testing.T) {
	ctl := &fakeControls{}
	h, pub := testHandler(ctl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.wg.Add(1)
	go h.processCommands(ctx)

	h.onMessage(nil, fakeMessage{payload: []byte(`{"command":"enable","params":{"enabled":false}}`)})
	h.onMessage(nil, fakeMessage{payload: []byte(`not json`)})

	require.Eventually(t, func() bool { return len(pub.acks(t)) == 2 }, 2*time.Second, 5*time.Millisecond)
	h.Stop()

	byCmd := map[string]Response{}
	for _, a := range pub.acks(t) {
		byCmd[a.CommandAck] = a
	}
	require.Equal(t, "invalid JSON", byCmd["unknown"].Error)
	require.Equal(t, "success", byCmd[CmdEnable].Status)
	require.Equal(t, "2026-03-01T12:00:00Z", byCmd[CmdEnable].Timestamp)
	require.Equal(t, []bool{false}, ctl.enabled)
}

func TestPublishStatus(t *testing.T) {
	h, pub := testHandler(&fakeControls{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.wg.Add(1)
	go h.publishStatuses(ctx)

	h.PublishStatus(map[string]any{"line": "ON 00h00m01.0s"})
	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.msgs) == 1
	}, 2*time.Second, 5*time.Millisecond)
	h.Stop()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Equal(t, "rig/status", pub.msgs[0].topic)
	require.JSONEq(t, `{"line":"ON 00h00m01.0s"}`, string(pub.msgs[0].payload))
}

// heldToken completes only once release is closed.
type heldToken struct{ release chan struct{} }

func (t heldToken) Wait() bool {
	<-t.release
	return true
}

func (t heldToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.release:
		return true
	case <-time.After(d):
		return false
	}
}
func (t heldToken) Error() error          { return nil }
func (t heldToken) Done() <-chan struct{} { return t.release }

type stalledBroker struct {
	release chan struct{}

	mu   sync.Mutex
	seqs []float64
}

func (b *stalledBroker) Publish(_ string, _ byte, _ bool, payload any) mqtt.Token {
	var v map[string]any
	_ = json.Unmarshal(payload.([]byte), &v)
	b.mu.Lock()
	b.seqs = append(b.seqs, v["seq"].(float64))
	b.mu.Unlock()
	return heldToken{release: b.release}
}

func (b *stalledBroker) sent() []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]float64(nil), b.seqs...)
}

func TestPublishStatusDoesNotWaitForSlowBroker(t *testing.T) {
	broker := &stalledBroker{release: make(chan struct{})}
	h := newHandler(config.MQTT{TopicPrefix: "rig", QoS: 1}, broker, &fakeControls{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.wg.Add(1)
	go h.publishStatuses(ctx)

	start := time.Now()
	for i := 0; i < 50; i++ {
		h.PublishStatus(map[string]any{"seq": i})
	}
	require.Less(t, time.Since(start), 200*time.Millisecond, "callers never wait on the broker")
	require.Positive(t, h.DroppedStatuses())

	close(broker.release)
	require.Eventually(t, func() bool {
		sent := broker.sent()
		return len(sent) > 0 && sent[len(sent)-1] == 49
	}, 2*time.Second, 5*time.Millisecond, "the newest snapshot is always delivered")
	h.Stop()
	require.LessOrEqual(t, len(broker.sent()), statusQueueSize+1)
}
