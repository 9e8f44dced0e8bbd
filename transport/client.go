package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/nuln/sboxd"
)

// Client issues Calls to a Server, one connection per call.
type Client struct {
	socketPath string

	// Session is sent with every call. The server ignores it unless the
	// client runs as root.
	Session string
}

// NewClient returns a client for the server on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call runs one operation and returns its terminal reply. onProgress, if
// set, receives each progress reply first. Errors are transport failures;
// a failed operation is a reply with returnValue false.
func (c *Client) Call(ctx context.Context, operation string, params map[string]any, onProgress func(sboxd.Reply)) (sboxd.Reply, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := encMode.NewEncoder(conn).Encode(Call{
		Operation: operation,
		Params:    params,
		Session:   c.Session,
	}); err != nil {
		return nil, fmt.Errorf("sending call: %w", err)
	}

	dec := decMode.NewDecoder(conn)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("connection closed before the final reply")
			}
			return nil, fmt.Errorf("reading reply: %w", err)
		}
		reply := sboxd.Reply(normalize(f.Reply))
		if f.Final {
			return reply, nil
		}
		if onProgress != nil {
			onProgress(reply)
		}
	}
}
