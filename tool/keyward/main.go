/*
Copyright 2025 Keyward Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/keyward/keyward"
	"github.com/keyward/keyward/lib/service"
)

func main() {
	app := kingpin.New("keyward", "Guardian-based key recovery and dead-man's-switch service.")
	debug := app.Flag("debug", "Enable verbose logging.").Envar("DEBUG").Bool()
	envFile := app.Flag("env-file", "Load environment variables from a file.").Default(".env").String()

	start := app.Command("start", "Start the keyward API server.")
	ver := app.Command("version", "Print the version.")

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	// a missing env file is fine, the environment may be set by the
	// platform
	godotenv.Load(*envFile)

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	switch command {
	case start.FullCommand():
		if err := onStart(); err != nil {
			logrus.WithError(err).Fatal("Keyward failed to start.")
		}
	case ver.FullCommand():
		fmt.Printf("keyward v%s\n", keyward.Version)
	}
}

func onStart() error {
	cfg, err := service.ConfigFromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	process, err := service.NewKeyward(ctx, cfg)
	if err != nil {
		return err
	}
	defer process.Close()

	return process.Run(ctx)
}
