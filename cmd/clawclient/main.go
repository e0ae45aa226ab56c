// clawclient 是一个最小的终端观众：打印收到的事件，把标准输入的每一行作为聊天发回。
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/client"
	"github.com/zhouzirui/clawstream/backend/internal/logging"
	"github.com/zhouzirui/clawstream/backend/internal/model/stream"
)

var (
	hubURL   string
	clawID   string
	clawName string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "clawclient",
	Short: "Subscribe to a clawstream hub from the terminal",
	Long: `clawclient connects to a hub, prints frames, chat and transcripts as they
arrive and sends each line read from stdin back as chat.
Lines starting with /react or /observe are sent as reactions or observations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&hubURL, "url", "http://localhost:8080", "hub address")
	rootCmd.Flags().StringVar(&clawID, "id", "", "claw id (required)")
	rootCmd.Flags().StringVar(&clawName, "name", "", "display name (defaults to id)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level")
	_ = rootCmd.MarkFlagRequired("id")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	logger, err := logging.New(logLevel, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	p := &printer{out: out}
	c, err := client.New(client.Options{
		URL:      hubURL,
		ClawID:   clawID,
		ClawName: clawName,
		OnFrame:  p.frame,
		OnChat:   p.chat,
		OnTranscript: func(t stream.TranscriptEvent) {
			p.printf("[transcript] %s", t.Text)
		},
		OnStateChange: func(s client.State) {
			p.printf("[%s]", s)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	go readLines(ctx, c, in, logger)

	err = c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readLines 在标准输入关闭前持续发送
func readLines(ctx context.Context, c *client.Client, in io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := sendLine(c, scanner.Text()); err != nil {
			logger.Warn("send failed", zap.Error(err))
		}
	}
}

func sendLine(c *client.Client, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case strings.HasPrefix(line, "/react "):
		return c.SendReaction(strings.TrimSpace(strings.TrimPrefix(line, "/react ")))
	case strings.HasPrefix(line, "/observe "):
		return c.SendObservation(strings.TrimSpace(strings.TrimPrefix(line, "/observe ")))
	default:
		return c.SendChat(line)
	}
}

type printer struct {
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) frame(f stream.Frame) {
	ts := time.UnixMilli(f.Timestamp).Format(time.TimeOnly)
	line := fmt.Sprintf("[frame %s] %s %dx%d %d bytes", ts, f.Format, f.Width, f.Height, len(f.Image))
	if f.Summary != "" {
		line += " | " + f.Summary
	}
	p.printf("%s", line)
}

func (p *printer) chat(e stream.ChatEvent) {
	p.printf("<%s> %s", e.DisplayName, e.Text)
}
