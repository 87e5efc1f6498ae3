// Package main runs a chatring front end.
//
// A front end binds the first free address from the configured front-end
// list; its position is the shard it serves. It links to the ring primary
// and relays the sessions of every client whose username hashes to its
// shard.
//
// Usage:
//
//	frontend [-config chatring.yaml] [server-port]
//
// server-port names a ring peer (on the host of the first ring endpoint)
// to ask for the primary before the configured endpoints are tried.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dreamware/chatring/internal/config"
	"github.com/dreamware/chatring/internal/exitcode"
	"github.com/dreamware/chatring/internal/frontend"
	"github.com/dreamware/chatring/internal/logging"
	"github.com/dreamware/chatring/internal/ring"
	"github.com/dreamware/chatring/internal/transport"
)

// logFatal is a variable so tests can intercept the fatal exit.
var logFatal = func(code exitcode.Code, err error) {
	log.Printf("frontend: %v", err)
	os.Exit(int(code))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if code, err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		logFatal(code, err)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) (exitcode.Code, error) {
	fs := flag.NewFlagSet("frontend", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return exitcode.ErrConfig, err
	}
	if fs.NArg() > 1 {
		return exitcode.ErrConfig, fmt.Errorf("unexpected arguments: %v", fs.Args()[1:])
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return exitcode.ErrConfig, err
	}
	var seed string
	if fs.NArg() == 1 {
		if seed, err = seedAddr(cfg.Ring.Endpoints[0], fs.Arg(0)); err != nil {
			return exitcode.IncorrectHost, err
		}
	}
	logger := logging.Component(logging.New(stderr, cfg.Log.Level, cfg.Log.Format), "frontend")

	fe, err := frontend.New(frontend.Config{
		Ring:              ring.NewTopology(cfg.Ring.Endpoints),
		FrontEnds:         cfg.FrontEnds,
		Seed:              seed,
		Dialer:            transport.NewDialer(cfg.Ring.DialTimeout),
		KeepaliveInterval: cfg.Keepalive.Interval,
		KeepaliveTimeout:  cfg.Keepalive.Timeout,
		Logger:            logger,
	})
	if err != nil {
		return exitcode.ErrConfig, err
	}
	if err := fe.Listen(ctx); err != nil {
		if errors.Is(err, transport.ErrNoEndpoint) {
			return exitcode.ErrBindingSocket, err
		}
		return exitcode.ErrOpenSocket, err
	}
	if err := fe.Run(ctx); err != nil {
		return exitcode.ErrListen, err
	}
	return exitcode.OK, nil
}

// seedAddr joins the host of ringAddr with port.
func seedAddr(ringAddr, port string) (string, error) {
	host, _, err := net.SplitHostPort(ringAddr)
	if err != nil {
		return "", err
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return "", fmt.Errorf("invalid server port %q", port)
	}
	return net.JoinHostPort(host, port), nil
}
