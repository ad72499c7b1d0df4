// chatsync logs in to a chat backend, keeps the session alive and prints
// every SDK event until interrupted. With --to and --text it sends one
// message after login; with --history it prints the newest page of a
// conversation.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/client"
	"github.com/orchestra-mcp/chatsync/src/dispatch"
	"github.com/orchestra-mcp/chatsync/src/errs"
	"github.com/orchestra-mcp/chatsync/src/metrics"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, userID, token, socketURL, baseURL, to, text, history, metricsAddr string
	var logLevel int

	flagSet := pflag.NewFlagSet("chatsync", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML config file (defaults plus CHATSYNC_* env when omitted)")
	flagSet.StringVarP(&userID, "user", "u", "", "user id to log in as")
	flagSet.StringVarP(&token, "token", "t", "", "session token")
	flagSet.StringVar(&socketURL, "socket-url", "", "override socketURL")
	flagSet.StringVar(&baseURL, "base-url", "", "override baseURL")
	flagSet.StringVar(&to, "to", "", "send --text to this user after login")
	flagSet.StringVar(&text, "text", "", "message text for --to")
	flagSet.StringVar(&history, "history", "", "print the newest history page of this conversation after login")
	flagSet.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flagSet.IntVar(&logLevel, "log-level", -1, "0 verbose, 1 key events, 2 silent")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if userID == "" || token == "" {
		return fmt.Errorf("--user and --token are required")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if socketURL != "" {
		cfg.SocketURL = socketURL
	}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if logLevel >= 0 {
		cfg.LogLevel = logLevel
	}

	logger := cfg.NewLogger(zerolog.ConsoleWriter{Out: os.Stderr})
	opts := client.Options{Logger: logger}
	if metricsAddr != "" {
		opts.Metrics = metrics.New("chatsync")
		handler := fasthttpadaptor.NewFastHTTPHandler(opts.Metrics.Handler())
		go func() {
			if err := fasthttp.ListenAndServe(metricsAddr, handler); err != nil {
				logger.Error().Err(err).Str("addr", metricsAddr).Msg("metrics listener stopped")
			}
		}()
	}
	c, err := client.New(cfg, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, name := range []string{
		types.EventNetChanged,
		types.EventConversationListChanged,
		types.EventMessageReceived,
		types.EventMessageRevoked,
		types.EventMessageDeleted,
		types.EventPrivateReadReceipt,
		types.EventKickedOut,
	} {
		c.On(name, printEvent)
	}

	loggedIn := make(chan errs.Result[types.Profile], 1)
	c.Connect(userID, token, func(r errs.Result[types.Profile]) { loggedIn <- r })
	r := <-loggedIn
	if !r.IsOk() {
		return r.Err
	}
	fmt.Printf("logged in as %s\n", r.Value.UserID)

	if to != "" {
		msg, err := c.CreateTextMessage(to, types.ConversationPrivate, text)
		if err != nil {
			return err
		}
		sent := make(chan errs.Result[types.Message], 1)
		c.SendMessage(msg, func(r errs.Result[types.Message]) { sent <- r })
		if r := <-sent; !r.IsOk() {
			return r.Err
		}
		fmt.Printf("sent %s to %s\n", msg.MessageID, to)
	}

	if history != "" {
		page := make(chan errs.Result[client.HistoryPage], 1)
		c.GetHistoryMessageList(client.HistoryQuery{ConversationID: history}, func(r errs.Result[client.HistoryPage]) { page <- r })
		r := <-page
		if !r.IsOk() {
			return r.Err
		}
		for _, m := range r.Value.Messages {
			fmt.Printf("%6d %s -> %s: %s\n", m.Sequence, m.From, m.To, m.Body)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	c.DisConnect()
	return nil
}

func loadConfig(path string) (*config.ClientConfig, error) {
	if path == "" {
		cfg := config.ConfigFromEnv()
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg)
	return cfg, cfg.Validate()
}

func printEvent(ev dispatch.Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte(fmt.Sprint(ev.Payload))
	}
	fmt.Printf("%s %s %s\n", ev.Timestamp.Format("15:04:05.000"), ev.Name, payload)
}
