// Package main runs a chatring ring peer.
//
// The peer binds the first free ring endpoint from the configuration; its
// position in the endpoint list is its ring index. It then asks the ring
// for the primary, joins it (or is elected) and serves until SIGINT or
// SIGTERM, when it saves its directory and exits.
//
// Usage:
//
//	server [-config chatring.yaml]
//
// Settings come from the built-in defaults, the optional YAML file and the
// CHATRING_* environment variables, in that order. The exit status names
// the fatal cause; see internal/exitcode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dreamware/chatring/internal/config"
	"github.com/dreamware/chatring/internal/exitcode"
	"github.com/dreamware/chatring/internal/logging"
	"github.com/dreamware/chatring/internal/server"
)

// logFatal is a variable so tests can intercept the fatal exit.
var logFatal = func(code exitcode.Code, err error) {
	log.Printf("server: %v", err)
	os.Exit(int(code))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if code, err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		logFatal(code, err)
	}
}

// run starts a peer and blocks until ctx is done. It returns the exit code
// for a fatal error.
func run(ctx context.Context, args []string, stderr io.Writer) (exitcode.Code, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return exitcode.ErrConfig, err
	}
	if fs.NArg() > 0 {
		return exitcode.ErrConfig, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return exitcode.ErrConfig, err
	}
	logger := logging.Component(logging.New(stderr, cfg.Log.Level, cfg.Log.Format), "server")

	srv, err := server.Open(ctx, cfg, logger)
	if err != nil {
		return codeOf(err, exitcode.ErrOpenSocket), err
	}
	if err := srv.Run(ctx); err != nil {
		return codeOf(err, exitcode.ErrListen), err
	}
	return exitcode.OK, nil
}

// codeOf returns the code carried by err, or fallback.
func codeOf(err error, fallback exitcode.Code) exitcode.Code {
	var coded *exitcode.Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return fallback
}
