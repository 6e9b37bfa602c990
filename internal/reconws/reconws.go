/*
   reconws is a websocket client for watching a live channel, that
   reconnects automatically if the connection is lost
   Copyright (C) 2019 Timothy Drysdale <timothy.d.drysdale@gmail.com>

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package reconws

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

var (
	errEmptyURL = errors.New("can't dial an empty url")
	errScheme   = errors.New("url needs to start with ws or wss")
	errUserInfo = errors.New("url can't contain user name and password")
)

// Message is one websocket message received from the relay
type Message struct {
	Data []byte
	Type int
}

// Client connects (retrying/reconnecting if necessary) to a live channel
// and passes every message it receives to In
type Client struct {
	// In receives the messages; it is never closed
	In chan Message

	// Subprotocols offered when dialling; jsmpeg offers "null"
	Subprotocols []string

	Retry RetryConfig

	ID string

	mu          sync.Mutex
	connected   chan struct{}
	connectedAt time.Time
}

// RetryConfig represents the parameters for when to retry to connect
type RetryConfig struct {
	Factor float64
	Jitter bool
	Min    time.Duration
	Max    time.Duration
}

// New returns a pointer to a new reconnecting websocket Client
func New() *Client {
	return &Client{
		In:           make(chan Message, 64),
		Subprotocols: []string{"null"},
		Retry: RetryConfig{Factor: 2,
			Min:    1 * time.Second,
			Max:    10 * time.Second,
			Jitter: false},
		ID:        uuid.New().String()[0:6],
		connected: make(chan struct{}),
	}
}

// Connected returns a channel that is closed once the current (or next)
// dial succeeds. Useful for tests.
func (c *Client) Connected() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ConnectedAt returns when the last successful dial happened
func (c *Client) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// Reconnect dials url, and dials again with backoff whenever the connection
// fails or is closed, until ctx is cancelled. Run it in its own goroutine.
func (c *Client) Reconnect(ctx context.Context, url string) {

	id := "reconws.Reconnect(" + c.ID + ")"

	boff := &backoff.Backoff{
		Min:    c.Retry.Min,
		Max:    c.Retry.Max,
		Factor: c.Retry.Factor,
		Jitter: c.Retry.Jitter,
	}

	for {

		err := c.Dial(ctx, url)

		if err == nil {
			boff.Reset()
			log.Tracef("%s: dial finished successfully, resetting timeout to zero", id)
		}

		wait := boff.Duration()

		if err != nil {
			log.WithFields(log.Fields{"error": err.Error(), "wait": wait.String()}).Debugf("%s: dial failed, waiting before retry", id)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Dial the websocket server once.
// If dial fails then return immediately
// If dial succeeds then pass on messages until the connection
// closes (nil error) or the context is cancelled
func (c *Client) Dial(ctx context.Context, urlStr string) error {

	id := "reconws.Dial(" + c.ID + ")"

	if urlStr == "" {
		return errEmptyURL
	}

	// parse to check, dial with original string
	u, err := url.Parse(urlStr)

	if err != nil {
		return err
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errScheme
	}

	if u.User != nil {
		return errUserInfo
	}

	log.WithField("to", u.String()).Tracef("%s: connecting", id)

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
		Subprotocols:     c.Subprotocols,
	}

	//assume our context has been given a deadline if needed
	conn, _, err := dialer.DialContext(ctx, urlStr, nil)

	if err != nil {
		return err
	}

	c.mu.Lock()
	c.connectedAt = time.Now()
	close(c.connected)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connected = make(chan struct{}) //reset for next time
		c.mu.Unlock()
	}()

	log.WithField("to", u.String()).Infof("%s: connected", id)

	readClosed := make(chan struct{})

	go func() {
		defer close(readClosed)
		for {
			mt, data, err := conn.ReadMessage()

			// log as info since we expect an error here on a normal exit
			if err != nil {
				log.WithField("error", err.Error()).Infof("%s: error reading from conn; closing", id)
				return
			}

			select {
			case c.In <- Message{Data: data, Type: mt}:
				log.Tracef("%s: received %d-byte message", id, len(data))
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case <-readClosed:
	case <-ctx.Done():
		// Cleanly close the connection by sending a close message
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if err != nil {
			log.WithField("error", err.Error()).Debugf("%s: error sending close message", id)
		}
	}

	_ = conn.Close()
	<-readClosed

	log.Tracef("%s: done", id)

	return nil
}
