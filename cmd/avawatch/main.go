package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"AVA-Chain/internal/bus"
	"AVA-Chain/internal/config"
	"AVA-Chain/internal/relay"
	"AVA-Chain/internal/transport/client"
	"AVA-Chain/pkg/logger"
)

type options struct {
	url         string
	maxAttempts int
	baseDelay   time.Duration
	history     int
	wait        time.Duration
	amqpURL     string
	exchange    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		cfg = config.Default()
	}
	opts := &options{
		url:         cfg.Watch.URL,
		maxAttempts: cfg.Watch.MaxAttempts,
		baseDelay:   cfg.Watch.BaseDelay.Duration,
		history:     cfg.Watch.HistorySize,
		amqpURL:     cfg.Relay.URL,
		exchange:    cfg.Relay.Exchange,
	}

	root := &cobra.Command{
		Use:           "avawatch",
		Short:         "Follow AVA agent messages over websocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return logger.Init(logger.Config{Level: "warn", Format: "text", OutputPaths: []string{"stderr"}})
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watch(cmd.Context(), opts, nil)
		},
	}
	root.PersistentFlags().StringVar(&opts.url, "url", opts.url, "websocket endpoint")
	root.PersistentFlags().IntVar(&opts.maxAttempts, "max-attempts", opts.maxAttempts, "reconnect attempts before giving up")
	root.PersistentFlags().DurationVar(&opts.baseDelay, "base-delay", opts.baseDelay, "linear reconnect backoff step")
	root.PersistentFlags().IntVar(&opts.history, "history", opts.history, "messages kept for de-duplication")

	send := &cobra.Command{
		Use:   "send <command>",
		Short: "Send a command frame and print the replies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			return watch(cmd.Context(), opts, func(c *client.Client) error {
				return c.Emit("command", map[string]any{"command": command})
			})
		},
	}
	send.Flags().DurationVar(&opts.wait, "wait", 0, "exit after this long; 0 waits for interrupt")

	var provider, apiKey, model string
	var private bool
	settings := &cobra.Command{
		Use:   "settings",
		Short: "Switch the observer's AI provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.wait == 0 {
				opts.wait = 2 * time.Second
			}
			return watch(cmd.Context(), opts, func(c *client.Client) error {
				return c.Emit("settings", map[string]any{"settings": map[string]any{
					"aiProvider": map[string]string{
						"provider":  provider,
						"apiKey":    apiKey,
						"modelName": model,
					},
					"enablePrivateCompute": private,
				}})
			})
		},
	}
	settings.Flags().StringVar(&provider, "provider", "echo", "provider name: echo, openai or groq")
	settings.Flags().StringVar(&apiKey, "api-key", "", "provider API key")
	settings.Flags().StringVar(&model, "model", "", "model name")
	settings.Flags().BoolVar(&private, "private-compute", false, "request private compute")
	settings.Flags().DurationVar(&opts.wait, "wait", 0, "exit after this long")

	tail := &cobra.Command{
		Use:   "relay",
		Short: "Tail task updates mirrored to RabbitMQ",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrinter(cmd.OutOrStdout())
			return relay.Tail(cmd.Context(), relay.Config{URL: opts.amqpURL, Exchange: opts.exchange}, func(u bus.TaskUpdate) {
				p.update(u)
			})
		},
	}
	tail.Flags().StringVar(&opts.amqpURL, "amqp-url", opts.amqpURL, "RabbitMQ URL")
	tail.Flags().StringVar(&opts.exchange, "exchange", opts.exchange, "exchange carrying task-update")

	root.AddCommand(send, settings, tail)
	return root
}

// watch 连接服务端并打印去重后的消息；after 在首次连接成功后执行一次。
func watch(ctx context.Context, opts *options, after func(*client.Client) error) error {
	if opts.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.wait)
		defer cancel()
	}

	log, err := client.NewMessageLog(opts.history)
	if err != nil {
		return err
	}
	p := newPrinter(os.Stdout)
	c := client.New(opts.url, client.WithBaseDelay(opts.baseDelay), client.WithMaxAttempts(opts.maxAttempts))
	defer c.Close()

	if _, err := log.Attach(c, p.message); err != nil {
		return err
	}
	if _, err := c.Subscribe("agent-event", "printer", func(f client.Frame) {
		var ev bus.SystemEvent
		if f.Decode(&ev) == nil {
			p.event(ev)
		}
	}); err != nil {
		return err
	}

	gaveUp := make(chan struct{})
	var once sync.Once
	if _, err := c.Subscribe(client.ConnectionType, "printer", func(f client.Frame) {
		var st struct {
			Status string `json:"status"`
		}
		if f.Decode(&st) != nil {
			return
		}
		p.status(st.Status)
		if st.Status == client.StatusDisconnected {
			once.Do(func() { close(gaveUp) })
		}
	}); err != nil {
		return err
	}

	if err := c.Connect(ctx); err != nil && after != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	if after != nil {
		g.Go(func() error { return after(c) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-gaveUp:
			return fmt.Errorf("连接 %s 失败，已放弃重连", opts.url)
		}
	})
	return g.Wait()
}
