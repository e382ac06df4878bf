// Package client implements a connection to a pathkvs server speaking the
// line protocol. It is used by the interactive shell and the perf tool.
package client

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/pathkvs/lib/kv"
	"github.com/ValentinKolb/pathkvs/rpc/common"
)

// Mode mirrors the session state on the server side.
type Mode uint8

const (
	ModeDirect Mode = iota
	ModeTransaction
	ModeSnapshot
)

// Entry is one key/value pair returned by a scan.
type Entry struct {
	Key   string
	Value string
}

// Client is a connection to a pathkvs server. It is single-owner like the
// server-side transaction it drives.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	timeout time.Duration
	mode    Mode
}

// Dial connects to the configured endpoint.
func Dial(config common.ClientConfig) (*Client, error) {
	conn, err := net.Dial("tcp", config.Endpoint)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:    conn,
		r:       bufio.NewReader(conn),
		w:       bufio.NewWriter(conn),
		timeout: time.Duration(config.TimeoutSecond) * time.Second,
	}, nil
}

// Mode returns the session mode as tracked client-side.
func (c *Client) Mode() Mode {
	return c.mode
}

// Read performs a point read. The boolean reports whether the key exists.
func (c *Client) Read(key string) (string, bool, error) {
	status, rest, err := c.roundTrip(key)
	if err != nil {
		return "", false, err
	}
	switch status {
	case common.RespOK:
		return rest, true, nil
	case common.RespAbsent:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("read %q: %s", key, rest)
	}
}

// Write stores value under key (buffered if a transaction is open).
func (c *Client) Write(key, value string) error {
	return c.expectOK(key + "=" + value)
}

// ScanKeys lists the keys starting with begin and ending with end.
func (c *Client) ScanKeys(begin, end string) ([]string, error) {
	status, rest, err := c.roundTrip(begin + "*" + end)
	if err != nil {
		return nil, err
	}
	if status != common.RespOK {
		return nil, fmt.Errorf("scan: %s", rest)
	}
	count, err := strconv.Atoi(rest)
	if err != nil {
		return nil, fmt.Errorf("scan: bad count %q", rest)
	}
	keys := make([]string, 0, count)
	for i := 0; i < count; i++ {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		keys = append(keys, line)
	}
	return keys, nil
}

// Scan lists the matching keys together with their values.
func (c *Client) Scan(begin, end string) ([]Entry, error) {
	status, rest, err := c.roundTrip(begin + "*" + end + "=")
	if err != nil {
		return nil, err
	}
	if status != common.RespOK {
		return nil, fmt.Errorf("scan: %s", rest)
	}
	count, err := strconv.Atoi(rest)
	if err != nil {
		return nil, fmt.Errorf("scan: bad count %q", rest)
	}
	entries := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		key, value, _ := strings.Cut(line, "=")
		entries = append(entries, Entry{Key: key, Value: value})
	}
	return entries, nil
}

// Start begins a transaction, discarding any previous session state.
func (c *Client) Start() error {
	if err := c.expectOK("start"); err != nil {
		return err
	}
	c.mode = ModeTransaction
	return nil
}

// Snap freezes a read-only snapshot session.
func (c *Client) Snap() error {
	if err := c.expectOK("snap"); err != nil {
		return err
	}
	c.mode = ModeSnapshot
	return nil
}

// Commit finishes the session. It returns kv.ErrConflict when the server
// aborted the transaction; the caller retries from scratch.
func (c *Client) Commit() error {
	status, rest, err := c.roundTrip("commit")
	if err != nil {
		return err
	}
	c.mode = ModeDirect
	switch status {
	case common.RespOK:
		return nil
	case common.RespConflict:
		return kv.ErrConflict
	default:
		return fmt.Errorf("commit: %s", rest)
	}
}

// Rollback discards the session's pending state.
func (c *Client) Rollback() error {
	if err := c.expectOK("rollback"); err != nil {
		return err
	}
	c.mode = ModeDirect
	return nil
}

// Close tells the server goodbye and closes the connection.
func (c *Client) Close() error {
	_, _ = c.w.WriteString("quit\n")
	_ = c.w.Flush()
	return c.conn.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// roundTrip sends one request line and reads the status line, split into the
// status token and the remainder.
func (c *Client) roundTrip(line string) (status, rest string, err error) {
	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return "", "", err
		}
	}
	if _, err := c.w.WriteString(line + "\n"); err != nil {
		return "", "", err
	}
	if err := c.w.Flush(); err != nil {
		return "", "", err
	}
	resp, err := c.readLine()
	if err != nil {
		return "", "", err
	}
	status, rest, _ = strings.Cut(resp, " ")
	return status, rest, nil
}

func (c *Client) expectOK(line string) error {
	status, rest, err := c.roundTrip(line)
	if err != nil {
		return err
	}
	if status != common.RespOK {
		return fmt.Errorf("%s", rest)
	}
	return nil
}

func (c *Client) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line[:len(line)-1], "\r"), nil
}
