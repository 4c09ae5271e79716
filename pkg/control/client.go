package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrNotConnected is returned when calling a closed client.
var ErrNotConnected = errors.New("control client not connected")

// Client talks to a control server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the control server at addr. Extra options are appended
// after the defaults, so callers can swap the dialer or credentials.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}, opts...)

	//nolint:staticcheck // Dial is the connection API available in this gRPC version.
	conn, err := grpc.Dial(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial control server: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection. The connection must force the JSON
// codec; Dial does this.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return ErrNotConnected
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) invoke(ctx context.Context, method string, req, reply interface{}) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, reply, grpc.ForceCodec(jsonCodec{}))
}

// Load creates a session.
func (c *Client) Load(ctx context.Context, req *LoadRequest) (*StatusReply, error) {
	reply := new(StatusReply)
	if err := c.invoke(ctx, "Load", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Run resumes continuous execution.
func (c *Client) Run(ctx context.Context, session string) (*StatusReply, error) {
	return c.session(ctx, "Run", session)
}

// Pause halts execution after the current instruction.
func (c *Client) Pause(ctx context.Context, session string) (*StatusReply, error) {
	return c.session(ctx, "Pause", session)
}

// Step executes one instruction.
func (c *Client) Step(ctx context.Context, session string) (*StatusReply, error) {
	return c.session(ctx, "Step", session)
}

// Crash crashes the session with reason.
func (c *Client) Crash(ctx context.Context, session, reason string) (*StatusReply, error) {
	reply := new(StatusReply)
	if err := c.invoke(ctx, "Crash", &CrashRequest{Session: session, Reason: reason}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Status returns the session status.
func (c *Client) Status(ctx context.Context, session string) (*StatusReply, error) {
	return c.session(ctx, "Status", session)
}

// StackTrace returns the session's call stack.
func (c *Client) StackTrace(ctx context.Context, session string) ([]int64, error) {
	reply := new(StackTraceReply)
	if err := c.invoke(ctx, "StackTrace", &SessionRequest{Session: session}, reply); err != nil {
		return nil, err
	}
	return reply.StackTrace, nil
}

// Wait blocks until the session halts or timeout elapses.
func (c *Client) Wait(ctx context.Context, session string, timeout time.Duration) (*StatusReply, error) {
	reply := new(StatusReply)
	req := &WaitRequest{Session: session, TimeoutMs: timeout.Milliseconds()}
	if err := c.invoke(ctx, "Wait", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Output drains the session's buffered output.
func (c *Client) Output(ctx context.Context, session string) (*OutputReply, error) {
	reply := new(OutputReply)
	if err := c.invoke(ctx, "Output", &SessionRequest{Session: session}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// List lists every session.
func (c *Client) List(ctx context.Context) ([]StatusReply, error) {
	reply := new(ListReply)
	if err := c.invoke(ctx, "List", &ListRequest{}, reply); err != nil {
		return nil, err
	}
	return reply.Sessions, nil
}

// CloseSession shuts a session down and returns its final status.
func (c *Client) CloseSession(ctx context.Context, session string) (*StatusReply, error) {
	return c.session(ctx, "Close", session)
}

func (c *Client) session(ctx context.Context, method, session string) (*StatusReply, error) {
	reply := new(StatusReply)
	if err := c.invoke(ctx, method, &SessionRequest{Session: session}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}
