package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"neurorec/internal/config"
	"neurorec/internal/logging"
)

const (
	commandQueueSize = 16
	statusQueueSize  = 4
	subscribeTimeout = 5 * time.Second
	publishTimeout   = 2 * time.Second
)

// Command names.
const (
	CmdGate     = "gate"
	CmdTrigger  = "trigger"
	CmdEnable   = "enable"
	CmdMetadata = "metadata"
	CmdPause    = "pause"
	CmdResume   = "resume"
	CmdStatus   = "status"
)

// Command is one control message.
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response acknowledges a command.
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Controls is the recording surface commands act on.
type Controls interface {
	SetGate(hi bool) error
	SetTrigger(hi bool) error
	SetRecordingEnabled(on bool) error
	SetMetadata(kv map[string]string) error
	PauseAcquisition() error
	ResumeAcquisition() error
	StatusData() map[string]any
}

// publisher is the part of mqtt.Client the handler uses to reply.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Handler executes MQTT commands against Controls.
type Handler struct {
	cfg      config.MQTT
	client   mqtt.Client
	pub      publisher
	ctl      Controls
	logger   *slog.Logger
	commands chan Command
	statuses chan any
	stop     chan struct{}
	now      func() time.Time

	droppedStatuses atomic.Uint64

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHandler returns a handler replying through client.
func NewHandler(cfg config.MQTT, client mqtt.Client, ctl Controls, logger *slog.Logger) *Handler {
	h := newHandler(cfg, client, ctl, logger)
	h.client = client
	return h
}

func newHandler(cfg config.MQTT, pub publisher, ctl Controls, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		cfg:      cfg,
		pub:      pub,
		ctl:      ctl,
		logger:   logging.NewComponentLogger(logger, "remote"),
		commands: make(chan Command, commandQueueSize),
		statuses: make(chan any, statusQueueSize),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

func (h *Handler) topic(leaf string) string { return h.cfg.TopicPrefix + "/" + leaf }

// Start subscribes to the command topic and processes commands until ctx
// ends or Stop is called.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.topic("cmd")
	token := h.client.Subscribe(topic, byte(h.cfg.QoS), h.onMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		return errors.New("mqtt command subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt command subscription failed: %w", err)
	}
	h.logger.Info("remote command handler started", logging.String("topic", topic))

	h.wg.Add(2)
	go h.processCommands(ctx)
	go h.publishStatuses(ctx)
	return nil
}

// Stop unsubscribes and ends command processing.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			h.client.Unsubscribe(h.topic("cmd")).WaitTimeout(publishTimeout)
		}
		close(h.stop)
		h.wg.Wait()
		h.logger.Info("remote command handler stopped")
	})
}

func (h *Handler) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		logging.WarnWithContext(h.logger, "invalid remote command", "remote_command_invalid",
			logging.String(logging.FieldErrorHint, `send JSON like {"command":"gate","params":{"high":true}}`),
			logging.Error(err),
		)
		h.respond(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}
	h.logger.Debug("remote command received", logging.String("command", cmd.Command))
	select {
	case h.commands <- cmd:
	default:
		logging.WarnWithContext(h.logger, "remote command queue full; dropping command", "remote_command_dropped",
			logging.String("command", cmd.Command),
			logging.String(logging.FieldErrorHint, "send commands at a lower rate"),
		)
		h.respond(Response{CommandAck: cmd.Command, Status: "error", Error: "command queue full"})
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case cmd := <-h.commands:
			h.respond(h.handle(cmd))
		}
	}
}

// handle executes cmd and builds its acknowledgement.
func (h *Handler) handle(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, Status: "success"}
	var err error
	switch cmd.Command {
	case CmdGate:
		var hi bool
		if hi, err = boolParam(cmd.Params, "high"); err == nil {
			err = h.ctl.SetGate(hi)
			resp.Data = map[string]any{"high": hi}
		}
	case CmdTrigger:
		var hi bool
		if hi, err = boolParam(cmd.Params, "high"); err == nil {
			err = h.ctl.SetTrigger(hi)
			resp.Data = map[string]any{"high": hi}
		}
	case CmdEnable:
		var on bool
		if on, err = boolParam(cmd.Params, "enabled"); err == nil {
			err = h.ctl.SetRecordingEnabled(on)
			resp.Data = map[string]any{"enabled": on}
		}
	case CmdMetadata:
		var kv map[string]string
		if kv, err = stringParams(cmd.Params); err == nil {
			err = h.ctl.SetMetadata(kv)
			resp.Data = map[string]any{"keys": len(kv)}
		}
	case CmdPause:
		err = h.ctl.PauseAcquisition()
	case CmdResume:
		err = h.ctl.ResumeAcquisition()
	case CmdStatus:
		resp.Data = h.ctl.StatusData()
	default:
		err = fmt.Errorf("unknown command %q", cmd.Command)
	}
	if err != nil {
		resp.Status = "error"
		resp.Data = nil
		resp.Error = err.Error()
		h.logger.Info("remote command rejected",
			logging.String("command", cmd.Command),
			logging.Error(err),
		)
	}
	return resp
}

func (h *Handler) respond(resp Response) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339Nano)
	if err := h.publish(h.topic("ack"), resp); err != nil {
		logging.WarnWithContext(h.logger, "remote ack not sent", "remote_publish_failed",
			logging.String("command", resp.CommandAck),
			logging.String(logging.FieldErrorHint, "check the MQTT broker connection"),
			logging.Error(err),
		)
	}
}

// PublishStatus queues a status snapshot for <prefix>/status and returns
// without waiting on the broker. When the queue is full the oldest snapshot
// is discarded.
func (h *Handler) PublishStatus(v any) {
	for {
		select {
		case h.statuses <- v:
			return
		default:
		}
		select {
		case <-h.statuses:
			h.droppedStatuses.Add(1)
		default:
		}
	}
}

// DroppedStatuses reports how many snapshots were discarded unsent.
func (h *Handler) DroppedStatuses() uint64 {
	return h.droppedStatuses.Load()
}

func (h *Handler) publishStatuses(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case v := <-h.statuses:
			if err := h.publish(h.topic("status"), v); err != nil {
				h.logger.Debug("status not published",
					logging.Uint64("dropped", h.DroppedStatuses()),
					logging.Error(err),
				)
			}
		}
	}
}

func (h *Handler) publish(topic string, v any) error {
	if h.pub == nil {
		return errors.New("mqtt client unavailable")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	token := h.pub.Publish(topic, byte(h.cfg.QoS), false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("publish timeout")
	}
	return token.Error()
}

func boolParam(params map[string]any, key string) (bool, error) {
	v, ok := params[key].(bool)
	if !ok {
		return false, fmt.Errorf("missing or invalid %q parameter (expected bool)", key)
	}
	return v, nil
}

// stringParams flattens scalar params into metadata strings.
func stringParams(params map[string]any) (map[string]string, error) {
	if len(params) == 0 {
		return nil, errors.New("metadata needs at least one parameter")
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64, bool:
			out[k] = fmt.Sprint(val)
		default:
			return nil, fmt.Errorf("metadata %q must be a string, number or bool", k)
		}
	}
	return out, nil
}
