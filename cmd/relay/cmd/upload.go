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
	"io"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/talosh/websocket-relay/internal/upload"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "send a live stream to a relay",
	Long: `Upload streams a file, or stdin if the file is "-", to a relay's
/upload/<secret> endpoint. Set parameters with environment variables,
for example:

export RELAY_UPLOAD_URL=http://localhost:8888
export RELAY_UPLOAD_SECRET=english
export RELAY_UPLOAD_FILE=-
export RELAY_UPLOAD_LOG_LEVEL=warn
export RELAY_UPLOAD_LOG_FORMAT=text
export RELAY_UPLOAD_LOG_FILE=stderr
ffmpeg -i input.mp4 -f mpegts -codec:v mpeg1video -codec:a mp2 - | relay upload
`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("RELAY_UPLOAD")
		viper.AutomaticEnv()

		viper.SetDefault("url", "http://localhost:8888")
		viper.SetDefault("secret", "") //so we can check it's been provided
		viper.SetDefault("file", "-")
		viper.SetDefault("log_level", "warn")
		viper.SetDefault("log_format", "text")
		viper.SetDefault("log_file", "stderr")

		base := viper.GetString("url")
		secret := viper.GetString("secret")
		file := viper.GetString("file")
		logLevel := viper.GetString("log_level")
		logFormat := viper.GetString("log_format")
		logFile := viper.GetString("log_file")

		if secret == "" {
			fmt.Println("You must set RELAY_UPLOAD_SECRET")
			os.Exit(1)
		}

		if err := setupLogging("RELAY_UPLOAD", logLevel, logFormat, logFile); err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		var in io.Reader = os.Stdin

		if file != "-" {
			f, err := os.Open(file)
			if err != nil {
				fmt.Printf("cannot open RELAY_UPLOAD_FILE=%s: %s\n", file, err.Error())
				os.Exit(1)
			}
			defer f.Close()
			in = f
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)

		go func() {
			<-c
			cancel()
		}()

		url := upload.URL(base, secret)

		log.WithFields(log.Fields{"url": base, "file": file}).Info("Uploading")

		if err := upload.Stream(ctx, nil, url, in); err != nil {
			log.WithField("error", err.Error()).Error("Upload failed")
			fmt.Println(err.Error())
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}
