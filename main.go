// Copyright 2022 The notifyrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/syslog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alwitt/notifyrelay/cmd"
	"github.com/alwitt/notifyrelay/common"
	"github.com/alwitt/notifyrelay/dataplane"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	Syslog     bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
	// Overrides of the config file
	Port     int    `validate:"gte=0,lt=65536"`
	Backend  string `validate:"omitempty,oneof=redis nats memory"`
	RedisURL string `validate:"omitempty,uri"`
	NATSURL  string `validate:"omitempty,uri"`
}

var cmdArgs cliArgs

var publishArgs cmd.PublishParams

var logTags log.Fields

// @title notifyrelay
// @version v0.1.0
// @description Relays session scoped pub/sub notifications to websocket clients

// @host localhost:4003
// @BasePath /
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Relays session scoped pub/sub notifications to websocket clients",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.BoolFlag{
				Name:        "syslog",
				Usage:       "Send JSON formatted logs to the local syslog daemon",
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.Syslog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "info",
				DefaultText: "info",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
			// Config overrides
			&cli.IntFlag{
				Name:        "port",
				Usage:       "HTTP server listen port. Overrides the config file.",
				Aliases:     []string{"p"},
				EnvVars:     []string{"PORT"},
				DefaultText: "4003",
				Destination: &cmdArgs.Port,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "backend",
				Usage:       "Pub/sub backend: [redis nats memory]. Overrides the config file.",
				Aliases:     []string{"b"},
				EnvVars:     []string{"RELAY_BACKEND"},
				DefaultText: "redis",
				Destination: &cmdArgs.Backend,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "redis-url",
				Usage:       "Redis connection URL. Overrides the config file.",
				EnvVars:     []string{"REDIS_URL"},
				DefaultText: "redis://localhost:6379",
				Destination: &cmdArgs.RedisURL,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "nats-url",
				Usage:       "NATS server URI. Overrides the config file.",
				EnvVars:     []string{"NATS_URL"},
				DefaultText: "nats://127.0.0.1:4222",
				Destination: &cmdArgs.NATSURL,
				Required:    false,
			},
		},
		// Running without a subcommand serves
		Action: startRelayServer,
		// Components
		Commands: []*cli.Command{
			{
				Name:        "serve",
				Usage:       "Run the notification relay server",
				Description: "Serves the websocket end-point relaying session notifications",
				Action:      startRelayServer,
			},
			{
				Name:        "publish",
				Usage:       "Publish one notification to a session",
				Description: "Publish a JSON message through the configured backend",
				ArgsUsage:   "<json-message>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "session",
						Usage:       "Target session ID",
						Aliases:     []string{"s"},
						Destination: &publishArgs.SessionID,
						Required:    true,
					},
					&cli.StringFlag{
						Name:        "event",
						Usage:       "Client side event name. Defaults to \"message\".",
						Aliases:     []string{"e"},
						Destination: &publishArgs.EventName,
						Required:    false,
					},
				},
				Action: publishNotification,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() error {
	if cmdArgs.Syslog {
		writer, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "notifyrelay")
		if err != nil {
			return fmt.Errorf("unable to connect to syslog: %w", err)
		}
		log.SetHandler(apexJSON.New(writer))
	} else if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
	return nil
}

// applyConfigOverrides apply the CMD args which override config file values
func applyConfigOverrides() {
	if cmdArgs.Port > 0 {
		viper.Set("http.server_config.listen_port", cmdArgs.Port)
	}
	if cmdArgs.Backend != "" {
		viper.Set("relay.backend", cmdArgs.Backend)
	}
	if cmdArgs.RedisURL != "" {
		viper.Set("redis.url", cmdArgs.RedisURL)
	}
	if cmdArgs.NATSURL != "" {
		viper.Set("nats.server_uri", cmdArgs.NATSURL)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	if err := setupLogging(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to setup logging")
		return nil, err
	}
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	applyConfigOverrides()
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, runTimeContext context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// Graceful shutdown on SIGINT (Ctrl+C) or SIGTERM
		signal.Notify(cc, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-runTimeContext.Done():
		}
	}()
}

// closeBackend release the backend client
func closeBackend(backend dataplane.Backend) {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := backend.Close(ctxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Backend close failed")
	}
}

// ============================================================================
// Relay server

// startRelayServer run the relay server
func startRelayServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	backend, err := cmd.DefineBackend(config, cmdArgs.Hostname)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define %s backend", config.Relay.Backend,
		)
		return err
	}
	defer closeBackend(backend)

	// Reachability is reported, not required
	{
		ctxt, cancel := context.WithTimeout(runTimeContext, time.Second*5)
		if err := backend.Ping(ctxt); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"%s backend currently unreachable", config.Relay.Backend,
			)
		}
		cancel()
	}

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunRelayServer(runTimeContext, config, cmdArgs.Hostname, backend)
}

// ============================================================================
// Publish tool

// publishNotification publish one notification through the configured backend
func publishNotification(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one JSON message argument, got %d", c.NArg())
	}
	if config.Relay.Backend == common.BackendMemory {
		log.WithFields(logTags).Warn("The in-process backend has no subscribers outside this process")
	}
	publishArgs.Message = c.Args().First()

	backend, err := cmd.DefineBackend(config, cmdArgs.Hostname)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define %s backend", config.Relay.Backend,
		)
		return err
	}
	defer closeBackend(backend)

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	return cmd.PublishNotification(ctxt, backend, publishArgs)
}
