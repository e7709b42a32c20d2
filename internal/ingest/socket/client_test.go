package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"

	"telemetrygw/internal/errs"
)

// testClient speaks the socket protocol from the client side.
type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

// dialClient connects and answers the password challenge. A rejected password
// returns errs.ErrAuthFailed.
func dialClient(ctx context.Context, network, address, password string) (*testClient, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	c := &testClient{conn: conn, r: bufio.NewReader(conn)}
	prompt := make([]byte, len(PromptPassword))
	if _, err := io.ReadFull(c.r, prompt); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read prompt: %w", err)
	}
	if string(prompt) != PromptPassword {
		conn.Close()
		return nil, fmt.Errorf("unexpected prompt %q", prompt)
	}
	if _, err := io.WriteString(conn, password+"\n"); err != nil {
		conn.Close()
		return nil, err
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read verdict: %w", err)
	}
	if line != AccessGranted {
		conn.Close()
		return nil, errs.ErrAuthFailed
	}
	return c, nil
}

// Send writes one message without waiting for a reply.
func (c *testClient) Send(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(append(body, '\n'))
	return err
}

// ReadLine returns the next reply line without its newline.
func (c *testClient) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	return strings.TrimSuffix(line, "\n"), err
}

// Request sends v and decodes the reply into out.
func (c *testClient) Request(v, out any) error {
	if err := c.Send(v); err != nil {
		return err
	}
	line, err := c.ReadLine()
	if err != nil {
		return err
	}
	if strings.HasPrefix(line, "Error:") {
		return fmt.Errorf("server: %s", line)
	}
	return json.Unmarshal([]byte(line), out)
}

func (c *testClient) Close() error { return c.conn.Close() }
