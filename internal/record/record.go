// Package record saves the chunks received from a live channel
package record

import (
	"context"
	"os"

	"github.com/client9/reopen"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/talosh/websocket-relay/internal/reconws"
)

// Open returns a writer for path, or stdout if path is "-".
// File writers can be reopened after logrotate has moved the file.
func Open(path string) (reopen.Writer, error) {

	if path == "-" {
		return reopen.Stdout, nil
	}

	f, err := reopen.NewFileWriter(path)

	if err != nil {
		return nil, err
	}

	return f, nil
}

// Run writes the data of every binary message from in to w until ctx is
// cancelled. A signal on hup reopens w. Text messages are skipped.
func Run(ctx context.Context, hup <-chan os.Signal, in <-chan reconws.Message, w reopen.Writer) error {

	var total int

	for {
		select {

		case <-ctx.Done():
			log.WithField("bytes", total).Debug("Recorder stopped")
			return nil

		case <-hup:
			if err := w.Reopen(); err != nil {
				log.WithField("error", err.Error()).Error("Failed reopening recording")
				return err
			}
			log.Info("Reopened recording after SIGHUP")

		case msg := <-in:
			if msg.Type != websocket.BinaryMessage {
				log.WithField("size", len(msg.Data)).Trace("Skipped non-binary message")
				continue
			}

			n, err := w.Write(msg.Data)
			total += n

			if err != nil {
				log.WithField("error", err.Error()).Error("Failed writing recording")
				return err
			}
		}
	}
}
