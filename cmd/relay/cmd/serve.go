/*
   relay streams live uploads to websocket viewers
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
package cmd

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" //ok in production https://medium.com/google-cloud/continuous-profiling-of-go-programs-96d4416af77b
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	log "github.com/sirupsen/logrus"
	"github.com/talosh/websocket-relay/internal/relay"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "relay live uploads to websocket viewers",
	Long: `Serve accepts a live stream at /upload/<secret> and broadcasts
each chunk to the viewers of /live/<secret>.ts. The built-in channels
(english, french, german, ...) are always available. Set parameters with
environment variables or flags, for example:

export RELAY_PORT=8888
export RELAY_SECRETS="s3cr3t-one,s3cr3t-two"
export RELAY_LOG_LEVEL=info
export RELAY_LOG_FORMAT=json
export RELAY_LOG_FILE=/var/log/relay/relay.log
export RELAY_CHUNK_SIZE=65536
export RELAY_MAX_BODY_SIZE=1073741824
export RELAY_MAX_CONNECTIONS=0
export RELAY_SEND_BUFFER=256
export RELAY_WRITE_WAIT=10s
export RELAY_PONG_WAIT=60s
export RELAY_PROFILE=false
export RELAY_PORT_PROFILE=6061
relay serve

Notes:
RELAY_MAX_BODY_SIZE=0 and RELAY_MAX_CONNECTIONS=0 remove those limits
RELAY_SEND_BUFFER is the number of chunks queued for a slow viewer before chunks are dropped for that viewer
Send SIGHUP after rotating RELAY_LOG_FILE
`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("RELAY")
		viper.AutomaticEnv()

		viper.SetDefault("port", 8888)
		viper.SetDefault("secrets", "")
		viper.SetDefault("log_file", "stdout")
		viper.SetDefault("log_format", "json")
		viper.SetDefault("log_level", "info")
		viper.SetDefault("chunk_size", 64*1024)
		viper.SetDefault("max_body_size", 1024*1024*1024)
		viper.SetDefault("max_connections", 0)
		viper.SetDefault("send_buffer", 256)
		viper.SetDefault("write_wait", "10s")
		viper.SetDefault("pong_wait", "60s")
		viper.SetDefault("profile", false)
		viper.SetDefault("port_profile", 6061)

		port := viper.GetInt("port")
		secretsStr := viper.GetString("secrets")
		logFile := viper.GetString("log_file")
		logFormat := viper.GetString("log_format")
		logLevel := viper.GetString("log_level")
		chunkSize := viper.GetInt("chunk_size")
		maxBodySize := viper.GetInt64("max_body_size")
		maxConnections := viper.GetInt("max_connections")
		sendBuffer := viper.GetInt("send_buffer")
		writeWaitStr := viper.GetString("write_wait")
		pongWaitStr := viper.GetString("pong_wait")
		profile := viper.GetBool("profile")
		portProfile := viper.GetInt("port_profile")

		// Sanity checks
		ok := true

		if chunkSize < 1 {
			fmt.Println("RELAY_CHUNK_SIZE must be at least 1")
			ok = false
		}

		if sendBuffer < 1 {
			fmt.Println("RELAY_SEND_BUFFER must be at least 1")
			ok = false
		}

		// parse durations
		writeWait, err := time.ParseDuration(writeWaitStr)

		if err != nil {
			fmt.Println("cannot parse duration in RELAY_WRITE_WAIT=" + writeWaitStr)
			ok = false
		} else if writeWait <= 0 {
			fmt.Println("RELAY_WRITE_WAIT must be positive")
			ok = false
		}

		pongWait, err := time.ParseDuration(pongWaitStr)

		if err != nil {
			fmt.Println("cannot parse duration in RELAY_PONG_WAIT=" + pongWaitStr)
			ok = false
		} else if pongWait <= 0 {
			fmt.Println("RELAY_PONG_WAIT must be positive")
			ok = false
		}

		if !ok {
			os.Exit(1)
		}

		if err := setupLogging("RELAY", logLevel, logFormat, logFile); err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		config := relay.NewDefaultConfig().
			WithListen(port).
			WithSecrets(splitSecrets(secretsStr)).
			WithChunkSize(chunkSize).
			WithMaxBodySize(maxBodySize).
			WithMaxConnections(maxConnections).
			WithSendBuffer(sendBuffer)

		config.Viewer.WriteWait = writeWait
		config.Viewer.PongWait = pongWait
		config.Viewer.PingPeriod = (pongWait * 9) / 10
		config.Version = versionString()

		// Report useful info
		log.Infof("relay version: %s", versionString())

		if redacted, err := config.Redacted(); err == nil {
			log.WithField("config", redacted).Info("Relay configuration")
		} else {
			log.WithField("error", err.Error()).Warn("Could not redact configuration for logging")
		}

		log.Infof("Log file: [%s]", logFile)
		log.Infof("Log format: [%s]", logFormat)
		log.Infof("Log level: [%s]", logLevel)
		log.Infof("Profiling is on: [%t]", profile)

		// Optionally start the profiling server
		if profile {
			go func() {
				url := "localhost:" + strconv.Itoa(portProfile)
				err := http.ListenAndServe(url, nil)
				if err != nil {
					log.Error(err.Error())
				}
			}()
		}

		var wg sync.WaitGroup

		closed := make(chan struct{})

		c := make(chan os.Signal, 1)

		signal.Notify(c, os.Interrupt)

		go func() {
			for range c {
				close(closed)
				wg.Wait()
				os.Exit(0)
			}
		}()

		errs := make(chan error, 1)

		wg.Add(1)

		go func() {
			errs <- relay.Relay(closed, &wg, *config)
		}()

		wg.Wait()

		if err := <-errs; err != nil {
			log.WithField("error", err.Error()).Error("Relay failed")
			os.Exit(1)
		}

	},
}

// splitSecrets accepts secrets separated by commas and/or whitespace
func splitSecrets(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8888, "port to listen on")
	serveCmd.Flags().String("secrets", "", "comma separated upload secrets, in addition to the built-in channels")
	serveCmd.Flags().String("log-level", "info", "trace, debug, info, warn, error, fatal or panic")

	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("secrets", serveCmd.Flags().Lookup("secrets"))
	_ = viper.BindPFlag("log_level", serveCmd.Flags().Lookup("log-level"))
}
