// Package main is the chatring line client.
//
// Usage:
//
//	client [-config chatring.yaml] <@handle> [host port]
//
// Without host and port the client connects to the front end that serves
// its shard. Input lines are commands:
//
//	SEND <text>        publish text to your followers
//	FOLLOW <@handle>   receive everything @handle sends
//
// Received messages are printed one per line. End of input logs out.
package main

import (
	"bufio"
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
	"strings"
	"syscall"
	"time"

	"github.com/dreamware/chatring/internal/config"
	"github.com/dreamware/chatring/internal/exitcode"
	"github.com/dreamware/chatring/internal/frontend"
	"github.com/dreamware/chatring/internal/transport"
	"github.com/dreamware/chatring/internal/wire"
)

const (
	sigil          = "@"
	minHandleBytes = 4
	maxHandleBytes = wire.MaxUsernameLength
)

var (
	errHandle  = errors.New("handle must start with @ and be 4 to 20 characters long")
	errUsage   = errors.New("usage: SEND <text> | FOLLOW <@handle>")
	errDenied  = errors.New("login denied: too many sessions")
	errWiped   = errors.New("session closed by the front end")
	errNoReply = errors.New("front end closed the connection before the login reply")
)

// logFatal is a variable so tests can intercept the fatal exit.
var logFatal = func(code exitcode.Code, err error) {
	log.Printf("client: %v", err)
	os.Exit(int(code))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if code, err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		logFatal(code, err)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (exitcode.Code, error) {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return exitcode.NotEnoughArguments, err
	}
	rest := fs.Args()
	if len(rest) != 1 && len(rest) != 3 {
		return exitcode.NotEnoughArguments, errors.New("usage: client <@handle> [host port]")
	}
	handle := rest[0]
	if err := validateHandle(handle); err != nil {
		return exitcode.IncorrectHandle, err
	}

	var addr string
	if len(rest) == 3 {
		a, err := hostAddr(rest[1], rest[2])
		if err != nil {
			return exitcode.IncorrectHost, err
		}
		addr = a
	} else {
		cfg, err := config.Load(*path)
		if err != nil {
			return exitcode.ErrConfig, err
		}
		reg, err := frontend.NewShardRegistry(cfg.FrontEnds)
		if err != nil {
			return exitcode.ErrConfig, err
		}
		addr = reg.AddrForUser(handle)
	}

	conn, err := transport.NewDialer(5*time.Second).Dial(ctx, addr)
	if err != nil {
		return exitcode.ErrStartingConnection, err
	}
	defer conn.Close()

	early, err := login(conn, handle)
	if err != nil {
		return exitcode.ErrLogin, err
	}
	fmt.Fprintf(stdout, "logged in as %s\n", handle)
	for _, msg := range early {
		if line := format(msg); line != "" {
			fmt.Fprintln(stdout, line)
		}
	}

	done := make(chan error, 1)
	go func() { done <- receive(conn, stdout) }()

	lines := make(chan string)
	go readLines(stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return exitcode.OK, logout(conn, handle)
		case err := <-done:
			if errors.Is(err, errWiped) {
				fmt.Fprintln(stdout, err)
				return exitcode.OK, nil
			}
			return exitcode.ErrStartingConnection, err
		case line, ok := <-lines:
			if !ok {
				return exitcode.OK, logout(conn, handle)
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			req, err := parseLine(line)
			if err != nil {
				fmt.Fprintln(stdout, err)
				continue
			}
			req.Author = handle
			if err := conn.Send(req); err != nil {
				return exitcode.ErrStartingConnection, err
			}
		}
	}
}

func validateHandle(h string) error {
	if !strings.HasPrefix(h, sigil) || len(h) < minHandleBytes || len(h) > maxHandleBytes {
		return errHandle
	}
	return nil
}

func hostAddr(host, port string) (string, error) {
	if host == "" {
		return "", errors.New("empty host")
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return "", fmt.Errorf("invalid port %q", port)
	}
	return net.JoinHostPort(host, port), nil
}

// login sends LOGIN and waits for the reply. Notifications queued while
// the user was offline arrive before it and are returned in order.
func login(conn *transport.Conn, handle string) ([]wire.Notification, error) {
	if err := conn.Send(wire.Notification{
		Type:      wire.TypeLogin,
		Command:   wire.CommandLogin,
		Author:    handle,
		Timestamp: time.Now().Unix(),
		Sender:    wire.NoIndex,
	}); err != nil {
		return nil, err
	}
	var early []wire.Notification
	for {
		msg, err := conn.Receive()
		if err != nil {
			// A front end that refuses the session explains why and hangs up.
			if n := len(early); n > 0 && early[n-1].Type == wire.TypeInfo {
				return nil, errors.New(early[n-1].Message)
			}
			return nil, errNoReply
		}
		switch msg.Type {
		case wire.TypeLogin:
			if msg.Data == 0 {
				return nil, errDenied
			}
			return early, nil
		case wire.TypeWipe:
			return nil, errWiped
		default:
			early = append(early, msg)
		}
	}
}

func logout(conn *transport.Conn, handle string) error {
	return conn.Send(wire.Notification{
		Type:      wire.TypeLogout,
		Command:   wire.CommandLogout,
		Author:    handle,
		Timestamp: time.Now().Unix(),
		Sender:    wire.NoIndex,
	})
}

// receive prints records from the front end until the connection ends.
func receive(conn *transport.Conn, out io.Writer) error {
	for {
		msg, err := conn.Receive()
		if err != nil {
			return err
		}
		if msg.Type == wire.TypeWipe {
			return errWiped
		}
		if line := format(msg); line != "" {
			fmt.Fprintln(out, line)
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// parseLine turns an input line into a request.
func parseLine(line string) (wire.Notification, error) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	req := wire.Notification{
		Type:      wire.TypeMessage,
		Timestamp: time.Now().Unix(),
		Sender:    wire.NoIndex,
	}
	switch strings.ToUpper(verb) {
	case "SEND":
		if arg == "" {
			return req, errUsage
		}
		req.Command = wire.CommandSend
		req.Message = arg
	case "FOLLOW":
		if arg == "" || strings.ContainsAny(arg, " \t") {
			return req, errUsage
		}
		if !strings.HasPrefix(arg, sigil) {
			arg = sigil + arg
		}
		req.Command = wire.CommandFollow
		req.Target = arg
	default:
		return req, errUsage
	}
	req.Bound()
	return req, nil
}

func format(n wire.Notification) string {
	ts := time.Unix(n.Timestamp, 0).Format(time.TimeOnly)
	switch n.Type {
	case wire.TypeMessage:
		return fmt.Sprintf("%s %s: %s", ts, n.Author, n.Message)
	case wire.TypeInfo:
		return fmt.Sprintf("%s * %s", ts, n.Message)
	default:
		return ""
	}
}
