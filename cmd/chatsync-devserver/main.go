// chatsync-devserver runs the in-memory reference backend: socket logins
// at /ws/{userId}/{token} and the REST API on the same port.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/orchestra-mcp/chatsync/src/devserver"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var addr string
	var users []string
	var open, mute, verbose bool

	flagSet := pflag.NewFlagSet("chatsync-devserver", pflag.ContinueOnError)
	flagSet.StringVarP(&addr, "addr", "a", ":8080", "listen address")
	flagSet.StringSliceVar(&users, "user", nil, "register user:token[:nickname]; repeatable")
	flagSet.BoolVar(&open, "open", true, "accept any credentials on socket login")
	flagSet.BoolVar(&mute, "mute", false, "leave heartbeats unanswered")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	srv := devserver.New(devserver.Options{Open: open, Mute: mute}, logger)
	for _, u := range users {
		parts := strings.SplitN(u, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("--user %q: want user:token[:nickname]", u)
		}
		nickname := parts[0]
		if len(parts) == 3 {
			nickname = parts[2]
		}
		srv.Data().Register(parts[0], parts[1], nickname)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sig:
		logger.Info().Msg("shutting down")
		return srv.Shutdown()
	}
}
