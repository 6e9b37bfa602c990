// Package viewer adapts a websocket connection into a receive-only channel subscriber
package viewer

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned by Send after the connection has closed
	ErrClosed = errors.New("viewer connection closed")

	// ErrSlow is returned by Send when the viewer's queue is full
	ErrSlow = errors.New("viewer too slow, chunk dropped")
)

// Config holds the connection timings and queue length
type Config struct {
	// WriteWait is the time allowed to write a message to the viewer
	WriteWait time.Duration

	// PongWait is the time allowed to read the next pong from the viewer
	PongWait time.Duration

	// PingPeriod must be less than PongWait
	PingPeriod time.Duration

	// MaxMessageSize limits what the viewer may send us
	MaxMessageSize int64

	// SendBuffer is the number of chunks queued before Send reports ErrSlow
	SendBuffer int
}

// DefaultConfig returns the timings used when none are configured
func DefaultConfig() Config {
	pongWait := 60 * time.Second
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       pongWait,
		PingPeriod:     (pongWait * 9) / 10,
		MaxMessageSize: 4096,
		SendBuffer:     256,
	}
}

// withDefaults replaces any unset or non-positive value with its default,
// keeping PingPeriod shorter than PongWait
func (c Config) withDefaults() Config {

	d := DefaultConfig()

	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}

	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}

	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}

	if c.PingPeriod <= 0 {
		c.PingPeriod = c.PongWait
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}

	if c.SendBuffer < 1 {
		c.SendBuffer = 1
	}

	return c
}

// 4096 Bytes is the approx average message size
// this number does not limit message size
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade switches the request to a websocket, echoing the first subprotocol
// offered by the client. Chrome needs this for jsmpeg's "null" subprotocol.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {

	var header http.Header

	if offered := websocket.Subprotocols(r); len(offered) > 0 {
		header = http.Header{"Sec-Websocket-Protocol": []string{offered[0]}}
	}

	return upgrader.Upgrade(w, r, header)
}

// Conn is a viewer connection. It satisfies registry.Subscriber.
type Conn struct {
	id         string
	conn       *websocket.Conn
	config     Config
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	onClose    func(*Conn)
	wg         sync.WaitGroup
	RemoteAddr string
	UserAgent  string
}

// New wraps conn. onClose runs exactly once, after the connection has closed
// for whatever reason. Call Run to start the pumps.
func New(conn *websocket.Conn, config Config, onClose func(*Conn)) *Conn {

	config = config.withDefaults()

	return &Conn{
		id:      uuid.New().String(),
		conn:    conn,
		config:  config,
		send:    make(chan []byte, config.SendBuffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// ID returns the unique identity of this connection
func (c *Conn) ID() string {
	return c.id
}

// Done is closed when the connection closes
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send queues data to be written as one binary message. It never blocks.
// The slice is not copied, so the caller must not modify it afterwards.
func (c *Conn) Send(data []byte) error {

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSlow
	}
}

// Run starts the read and write pumps
func (c *Conn) Run() {

	c.wg.Add(2)

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go c.writePump()
	go c.readPump()
}

// Wait blocks until both pumps have exited
func (c *Conn) Wait() {
	c.wg.Wait()
}

// Close closes the connection and runs onClose. It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()

		log.WithFields(log.Fields{"id": c.id, "remoteAddr": c.RemoteAddr}).Debug("Viewer closed")

		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// Shutdown tells the viewer we are going away, then closes
func (c *Conn) Shutdown(reason string) {

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)

	// WriteControl is safe to call concurrently with the write pump
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.config.WriteWait))

	if err != nil {
		log.WithFields(log.Fields{"id": c.id, "error": err.Error()}).Trace("Failed sending close message to viewer")
	}

	c.Close()
}

// readPump discards everything the viewer sends, keeping the read deadline
// fresh with pongs so that dead connections are detected.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Conn) readPump() {

	defer func() {
		c.Close()
		c.wg.Done()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)

	err := c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))

	if err != nil {
		log.Errorf("readPump deadline error: %v", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithFields(log.Fields{"id": c.id, "error": err.Error()}).Debug("Viewer read error")
			}
			return
		}

		log.WithFields(log.Fields{"id": c.id, "type": mt, "size": len(data)}).Trace("Ignored message from viewer")
	}
}

// writePump writes queued chunks to the viewer, one binary message each.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Conn) writePump() {

	ticker := time.NewTicker(c.config.PingPeriod)

	defer func() {
		ticker.Stop()
		c.Close()
		c.wg.Done()
	}()

	for {
		select {

		case data := <-c.send:

			err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err != nil {
				log.Errorf("writePump deadline error: %s", err.Error())
				return
			}

			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				log.WithFields(log.Fields{"id": c.id, "error": err.Error()}).Debug("Failed writing to viewer")
				return
			}

		case <-ticker.C:

			err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err != nil {
				log.Errorf("writePump ping deadline error: %s", err.Error())
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
