package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// callTimeout bounds a single request. LogTail follow calls add their wait.
const callTimeout = 10 * time.Second

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Client) call(method string, req, resp any, extra time.Duration) error {
	_ = c.conn.SetDeadline(time.Now().Add(callTimeout + extra))
	return c.client.Call(ServiceName+"."+method, req, resp)
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call("Status", StatusRequest{}, &resp, 0); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartRun starts a recording session.
func (c *Client) StartRun() (*StartRunResponse, error) {
	var resp StartRunResponse
	if err := c.call("StartRun", StartRunRequest{}, &resp, 0); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopRun ends the current recording session.
func (c *Client) StopRun() (*StopRunResponse, error) {
	var resp StopRunResponse
	if err := c.call("StopRun", StopRunRequest{}, &resp, 0); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetRecordingEnabled toggles recording.
func (c *Client) SetRecordingEnabled(on bool) error {
	var resp AckResponse
	return c.call("SetRecordingEnabled", SetRecordingEnabledRequest{Enabled: on}, &resp, 0)
}

// SetGate drives a remote gate.
func (c *Client) SetGate(hi bool) error {
	var resp AckResponse
	return c.call("SetGate", SetLevelRequest{High: hi}, &resp, 0)
}

// SetTrigger drives a remote trigger.
func (c *Client) SetTrigger(hi bool) error {
	var resp AckResponse
	return c.call("SetTrigger", SetLevelRequest{High: hi}, &resp, 0)
}

// SetNextFileName names the next segment's files.
func (c *Client) SetNextFileName(name string) error {
	var resp AckResponse
	return c.call("SetNextFileName", SetNextFileNameRequest{Name: name}, &resp, 0)
}

// ForceCounters overrides the next gate and trigger indices.
func (c *Client) ForceCounters(g, t int) error {
	var resp AckResponse
	return c.call("ForceCounters", ForceCountersRequest{G: g, T: t}, &resp, 0)
}

// SetMetadata merges remote metadata keys.
func (c *Client) SetMetadata(kv map[string]string) error {
	var resp AckResponse
	return c.call("SetMetadata", SetMetadataRequest{Values: kv}, &resp, 0)
}

// ListSegments returns catalogued data files.
func (c *Client) ListSegments(req ListSegmentsRequest) (*ListSegmentsResponse, error) {
	var resp ListSegmentsResponse
	if err := c.call("ListSegments", req, &resp, 0); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LogTail returns log events from the daemon.
func (c *Client) LogTail(req LogTailRequest) (*LogTailResponse, error) {
	var resp LogTailResponse
	extra := time.Duration(req.WaitMillis) * time.Millisecond
	if err := c.call("LogTail", req, &resp, extra); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestNotification triggers a notification test via the daemon.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	var resp TestNotificationResponse
	if err := c.call("TestNotification", TestNotificationRequest{}, &resp, 0); err != nil {
		return &resp, err
	}
	return &resp, nil
}
