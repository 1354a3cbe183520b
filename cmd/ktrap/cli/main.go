// Copyright 2026 The ktrap Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for ktrap.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"runtime"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"ktrap.dev/ktrap/cmd/ktrap/cmd"
	"ktrap.dev/ktrap/pkg/config"
	"ktrap.dev/ktrap/pkg/log"
)

var (
	configFile = flag.String("config", "", "path to the machine configuration (TOML). The built-in default machine is used if unset.")
	logFormat  = flag.String("log-format", "", "log format: text, json or logrus. Overrides the configuration.")
	logFile    = flag.String("log", "", "file to append logs to. Defaults to stderr.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
)

// Main is the main entrypoint.
func Main() {
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf := config.Default()
	if *configFile != "" {
		var err error
		if conf, err = config.Load(*configFile); err != nil {
			cmd.Fatalf("loading configuration: %v", err)
		}
	}
	if *logFormat != "" {
		conf.LogFormat = *logFormat
	}

	var out io.Writer = os.Stderr
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", *logFile, err)
		}
		out = f
		cmd.ErrorLogger = f
	}
	log.SetTarget(newEmitter(conf.LogFormat, out))
	log.SetLevel(conf.Level())
	if *debug {
		log.SetLevel(log.Debug)
	}

	log.Infof("ktrap: %s, %s/%s, %d cores, PID %d", runtime.Version(), runtime.GOOS, runtime.GOARCH, conf.Cores, os.Getpid())
	log.Debugf("Args: %v", os.Args)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	status := subcommands.Execute(ctx, conf)
	stop()
	if status != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, status: %v", status)
	}
	os.Exit(int(status))
}

// forEachCmd invokes the passed callback for each command supported by ktrap.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Run), "")
	cb(new(cmd.Causes), "")
	cb(new(cmd.Dump), "")

	const metricGroup = "metrics"
	cb(new(cmd.Metrics), metricGroup)
}

func newEmitter(format string, w io.Writer) log.Emitter {
	switch format {
	case config.LogFormatText:
		return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}
	case config.LogFormatJSON:
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	case config.LogFormatLogrus:
		return log.NewLogrusEmitter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true}, &log.Writer{Next: w})
	}
	cmd.Fatalf("invalid log format %q, must be 'text', 'json', or 'logrus'", format)
	panic("unreachable")
}
