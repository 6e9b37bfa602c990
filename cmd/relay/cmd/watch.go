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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/talosh/websocket-relay/internal/reconws"
	"github.com/talosh/websocket-relay/internal/record"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "record a live channel to a file or stdout",
	Long: `Watch connects to a live channel as a viewer, and writes every chunk
it receives to a file, or to stdout if the file is "-". It reconnects
automatically if the connection drops. Set parameters with environment
variables, for example:

export RELAY_WATCH_URL=ws://localhost:8888/live/english.ts
export RELAY_WATCH_FILE=english.ts
export RELAY_WATCH_LOG_LEVEL=warn
export RELAY_WATCH_LOG_FORMAT=text
export RELAY_WATCH_LOG_FILE=stderr
relay watch

Send SIGHUP to reopen RELAY_WATCH_FILE after moving it.
Pipe to a player with RELAY_WATCH_FILE=- relay watch | ffplay -
`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("RELAY_WATCH")
		viper.AutomaticEnv()

		viper.SetDefault("url", "") //so we can check it's been provided
		viper.SetDefault("file", "-")
		viper.SetDefault("log_level", "warn")
		viper.SetDefault("log_format", "text")
		viper.SetDefault("log_file", "stderr") // stdout may be carrying the recording

		url := viper.GetString("url")
		file := viper.GetString("file")
		logLevel := viper.GetString("log_level")
		logFormat := viper.GetString("log_format")
		logFile := viper.GetString("log_file")

		if url == "" {
			fmt.Println("You must set RELAY_WATCH_URL")
			os.Exit(1)
		}

		if err := setupLogging("RELAY_WATCH", logLevel, logFormat, logFile); err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		w, err := record.Open(file)

		if err != nil {
			fmt.Printf("cannot open RELAY_WATCH_FILE=%s: %s\n", file, err.Error())
			os.Exit(1)
		}

		log.WithFields(log.Fields{"url": url, "file": file}).Info("Watching channel")

		ctx, cancel := context.WithCancel(context.Background())

		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)

		go func() {
			<-c
			cancel()
		}()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)

		client := reconws.New()

		go client.Reconnect(ctx, url)

		if err := record.Run(ctx, hup, client.In, w); err != nil {
			log.WithField("error", err.Error()).Error("Recording stopped")
			cancel()
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
