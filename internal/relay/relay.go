// Package relay serves uploads on /upload/{secret} to websocket viewers on /live/{name}.ts
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

// Relay runs a relay until closed is closed, returning the error that
// stopped it early, if any
func Relay(closed <-chan struct{}, parentwg *sync.WaitGroup, config Config) error {

	defer parentwg.Done()

	s, err := New(config)

	if err != nil {
		log.WithField("error", err.Error()).Error("Failed configuring relay")
		return err
	}

	l, err := net.Listen("tcp", ":"+strconv.Itoa(config.Listen))

	if err != nil {
		log.WithFields(log.Fields{"port": config.Listen, "error": err.Error()}).Error("Failed to listen")
		return err
	}

	if err := s.Serve(closed, l); err != nil {
		log.WithField("error", err.Error()).Error("Relay stopped with error")
		return err
	}

	log.Trace("Relay done")

	return nil
}

// Serve handles connections on l until closed is closed, then stops
// accepting requests, closes every viewer and waits for them to finish
func (s *Server) Serve(closed <-chan struct{}, l net.Listener) error {

	if s.config.MaxConnections > 0 {
		l = netutil.LimitListener(l, s.config.MaxConnections)
	}

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	served := make(chan error, 1)

	go func() {
		served <- srv.Serve(l)
	}()

	log.WithFields(log.Fields{"addr": l.Addr().String(), "directory": s.directory.Len()}).Info("Relay listening")

	select {
	case <-closed:
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	log.Debug("Starting to close http.Server")

	// hijacked websockets are not tracked by the http.Server,
	// so the viewers are closed separately
	s.CloseViewers("relay stopping")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithField("error", err.Error()).Warn("Could not gracefully shutdown http.Server")
		_ = srv.Close()
	}

	log.Debug("Stopped http.Server")

	return nil
}
