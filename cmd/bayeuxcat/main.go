// Command bayeuxcat subscribes to Bayeux channels and prints every delivery
// as a JSON line, or publishes a single message.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fayeclient/bayeux"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bayeuxcat: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := defaultConfig()
	var configFile string

	root := &cobra.Command{
		Use:           "bayeuxcat",
		Short:         "Talk to a Bayeux (CometD/Faye) server from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configFile == "" {
				return nil
			}
			return loadConfig(cmd.Flags(), &cfg, configFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "YAML config file")
	flags.StringVarP(&cfg.Endpoint, "endpoint", "e", cfg.Endpoint, "Bayeux endpoint URL")
	flags.StringVarP(&cfg.Transport, "transport", "t", cfg.Transport, "connection type (websocket or long-polling)")
	flags.StringToStringVarP(&cfg.Headers, "header", "H", cfg.Headers, "extra request header, as key=value")
	flags.StringVar(&cfg.AccessToken, "token", cfg.AccessToken, "bearer token sent in the Authorization header")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text or json)")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")

	root.AddCommand(
		subscribeCmd(&cfg),
		publishCmd(&cfg),
		versionCmd(),
	)
	return root
}

func subscribeCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe [channel...]",
		Short: "Print deliveries on the given channels until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Channels = append(cfg.Channels, args...)
			if len(cfg.Channels) == 0 {
				return errors.New("at least one channel is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return subscribe(ctx, cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&cfg.Buffer, "buffer", cfg.Buffer, "deliveries buffered before the engine blocks")
	cmd.Flags().BoolVar(&cfg.Replay.Enabled, "replay", cfg.Replay.Enabled, "enable the replay extension")
	cmd.Flags().StringVar(&cfg.Replay.RedisAddr, "replay-redis", cfg.Replay.RedisAddr, "persist replay ids in Redis at this address")
	return cmd
}

func publishCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <channel> <json>",
		Short: "Publish one message and print the server's acknowledgement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("data is not valid JSON: %s", args[1])
			}
			return publish(cmd.Context(), cfg, bayeux.Channel(args[0]), json.RawMessage(args[1]), cmd.OutOrStdout())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "bayeuxcat", version)
		},
	}
}

// delivery is the line printed for every message received
type delivery struct {
	Channel bayeux.Channel  `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
	ID      string          `json:"id,omitempty"`
}

func subscribe(ctx context.Context, cfg *config, out io.Writer) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	logger, err := cfg.logger()
	if err != nil {
		return err
	}
	s, err := newSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	client, err := bayeux.NewClient(cfg.Endpoint, s.options...)
	if err != nil {
		return err
	}
	deliveries := make(chan bayeux.Message, cfg.Buffer)
	seen := make(map[string]bool, len(cfg.Channels))
	for _, name := range cfg.Channels {
		if seen[name] {
			continue
		}
		seen[name] = true
		if err := client.Subscribe(ctx, bayeux.Channel(name), deliveries); err != nil {
			return err
		}
	}

	errs := client.Start(ctx)
	enc := json.NewEncoder(out)
	for {
		select {
		case m := <-deliveries:
			if err := enc.Encode(delivery{Channel: m.Channel, Data: m.Data, ID: m.ID}); err != nil {
				return err
			}
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
			return disconnect(client.Disconnect, logger)
		}
	}
}

func publish(ctx context.Context, cfg *config, channel bayeux.Channel, data json.RawMessage, out io.Writer) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	logger, err := cfg.logger()
	if err != nil {
		return err
	}
	s, err := newSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	engine, err := bayeux.NewEngine(s.options...)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Connect(ctx, cfg.Endpoint); err != nil {
		return err
	}
	ack, err := engine.Publish(ctx, channel, data)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(out).Encode(ack); err != nil {
		return err
	}
	return disconnect(engine.Disconnect, logger)
}

// loadConfig reads path into cfg and then reapplies every flag set on the
// command line so flags win over the file
func loadConfig(flags *pflag.FlagSet, cfg *config, path string) error {
	changed := map[string]string{}
	headers := cfg.Headers
	flags.Visit(func(f *pflag.Flag) {
		if f.Name != "header" {
			changed[f.Name] = f.Value.String()
		}
	})

	cfg.Headers = nil
	if err := cfg.loadFile(path); err != nil {
		return err
	}
	for name, value := range changed {
		if err := flags.Set(name, value); err != nil {
			return err
		}
	}
	if len(headers) > 0 && cfg.Headers == nil {
		cfg.Headers = make(map[string]string, len(headers))
	}
	for k, v := range headers {
		cfg.Headers[k] = v
	}
	return nil
}

func disconnect(fn func(context.Context) error, logger logrus.FieldLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil && !errors.Is(err, bayeux.ErrClientNotConnected) {
		logger.WithError(err).Warn("disconnect failed")
	}
	return nil
}
