// Package station maintains the bots' TCP link to a DIM relay station.
// Messages travel as 4-byte big-endian length-prefixed JSON frames; the
// payloads inside stay end-to-end encrypted, the link only moves them.
package station

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dimgroup/limits"
	"github.com/opd-ai/dimgroup/protocol"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 15 * time.Second

	// Reconnect backoff bounds. The delay doubles per failed dial and
	// resets once a connection goes through.
	initialBackoff = time.Second
	maxBackoff     = time.Minute
)

// ErrNotConnected is returned by Send while the station link is down.
// Messages are not queued here; callers decide what survives a dead link.
var ErrNotConnected = errors.New("station not connected")

// Handler consumes one inbound message frame. It runs on the read loop, so
// it should hand work off rather than block.
type Handler func(msg *protocol.ReliableMessage)

// Client is the framed TCP link to one station. It dials on Start, delivers
// inbound frames to the handler, and redials with capped exponential
// backoff whenever the connection drops.
type Client struct {
	addr    string
	handler Handler

	// Backoff bounds, set from the package defaults.
	minBackoff time.Duration
	maxBackoff time.Duration

	mutex    sync.Mutex
	conn     net.Conn
	running  bool
	stopChan chan struct{}
}

// NewClient prepares a link to the station at addr. Nothing is dialed until
// Start.
func NewClient(addr string, handler Handler) *Client {
	return &Client{
		addr:       addr,
		handler:    handler,
		minBackoff: initialBackoff,
		maxBackoff: maxBackoff,
		stopChan:   make(chan struct{}),
	}
}

// Start launches the connect-and-read loop.
func (c *Client) Start() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.running {
		return
	}
	c.running = true
	go c.loop()
	logrus.WithFields(logrus.Fields{
		"station": c.addr,
	}).Info("station: client started")
}

// Stop terminates the loop and closes the connection.
func (c *Client) Stop() {
	c.mutex.Lock()
	if !c.running {
		c.mutex.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	conn := c.conn
	c.conn = nil
	c.mutex.Unlock()

	if conn != nil {
		conn.Close()
	}
	logrus.Info("station: client stopped")
}

// Send encodes msg and writes it as one frame. Concurrent sends serialize
// on the connection.
func (c *Client) Send(msg *protocol.ReliableMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := limits.ValidateMessageSize(data); err != nil {
		return err
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(data)))
	copy(frame[4:], data)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Client) setConn(conn net.Conn) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.conn = conn
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

func (c *Client) loop() {
	backoff := c.minBackoff
	for {
		conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
		if err != nil {
			if c.stopped() {
				return
			}
			logrus.WithError(err).WithFields(logrus.Fields{
				"station":  c.addr,
				"retry_in": backoff,
			}).Warn("station: connect failed")
			select {
			case <-c.stopChan:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}

		logrus.WithFields(logrus.Fields{
			"station": c.addr,
		}).Info("station: connected")
		c.setConn(conn)
		backoff = c.minBackoff

		err = c.readLoop(conn)
		c.setConn(nil)
		conn.Close()
		if c.stopped() {
			return
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"station": c.addr,
		}).Warn("station: connection lost")
	}
}

// readLoop delivers frames until the connection breaks. Frames that fail to
// decode are dropped; frames with an insane declared size kill the
// connection, since the stream offset can no longer be trusted.
func (c *Client) readLoop(conn net.Conn) error {
	var header [4]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return fmt.Errorf("failed to read frame header: %w", err)
		}
		size := int(binary.BigEndian.Uint32(header[:]))
		if err := limits.ValidateFrameSize(size); err != nil {
			return fmt.Errorf("bad frame header: %w", err)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(conn, data); err != nil {
			return fmt.Errorf("failed to read frame body: %w", err)
		}

		var msg protocol.ReliableMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"size": size,
			}).Warn("station: dropping malformed frame")
			continue
		}
		c.handler(&msg)
	}
}
