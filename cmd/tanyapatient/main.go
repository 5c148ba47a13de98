package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tanyarelay/internal/client"
	"tanyarelay/internal/logging"
)

const (
	statusOnlineText  = "Dokter online"
	statusOfflineText = "Dokter tidak tersedia saat ini. Anda bisa mengirim pesan; dokter akan menanggapi nanti."
	connectingText    = "Sedang terhubung..."
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tanyapatient",
		Short: "Terminal patient client for the Tanya Dokter relay",
	}
	rootCmd.PersistentFlags().String("server", "http://localhost:3000", "Relay base URL")
	rootCmd.PersistentFlags().String("name", "", "Display name sent with questions")
	rootCmd.PersistentFlags().String("client-id", "", "Client id (generated when empty)")
	rootCmd.PersistentFlags().String("ws-path", "/ws", "WebSocket path on the relay")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(askCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive session; type /connect to reconnect, /quit to leave",
		RunE: func(cmd *cobra.Command, args []string) error {
			delay, _ := cmd.Flags().GetDuration("reconnect-delay")
			session, err := newSession(cmd, delay)
			if err != nil {
				return err
			}
			defer session.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runChat(ctx, session, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().Duration("reconnect-delay", client.DefaultReconnectDelay, "Fixed delay between reconnect attempts")
	return cmd
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask [question]",
		Short: "Submit one question through the fallback endpoint",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession(cmd, 0)
			if err != nil {
				return err
			}
			defer session.Close()

			out := newPrinter(cmd.OutOrStdout())
			session.OnEntry(out.entry)

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			// never connected, so Send takes the POST path
			delivery, err := session.Send(ctx, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("question not delivered (%s): %w", delivery, err)
			}
			return nil
		},
	}
}

func newSession(cmd *cobra.Command, delay time.Duration) (*client.Session, error) {
	server, _ := cmd.Flags().GetString("server")
	name, _ := cmd.Flags().GetString("name")
	clientID, _ := cmd.Flags().GetString("client-id")
	wsPath, _ := cmd.Flags().GetString("ws-path")
	level, _ := cmd.Flags().GetString("log-level")

	if err := logging.Configure(logging.Options{
		Level:  level,
		Format: logging.FormatConsole,
		Output: cmd.ErrOrStderr(),
	}); err != nil {
		return nil, err
	}

	return client.NewSession(client.Config{
		ServerURL:      server,
		WebSocketPath:  wsPath,
		ClientID:       clientID,
		Name:           name,
		ReconnectDelay: delay,
	})
}

// printer serialises output from the session callbacks and the input loop.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) line(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, text)
}

func (p *printer) entry(e client.Entry) {
	p.line(e.String())
}

func (p *printer) status(online bool) {
	if online {
		p.line("● " + statusOnlineText)
		return
	}
	p.line("○ " + statusOfflineText)
}

// runChat reads one question per line until EOF, /quit or ctx ends.
func runChat(ctx context.Context, session *client.Session, in io.Reader, out io.Writer) error {
	p := newPrinter(out)
	session.OnEntry(p.entry)
	session.OnStatus(p.status)

	p.line(fmt.Sprintf("Client id: %s", session.ClientID()))
	session.Connect()

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/quit":
				return nil
			case "/connect":
				if !session.Connect() {
					p.line(connectingText)
				}
				continue
			}

			if _, err := session.Send(ctx, line); err != nil {
				logger := logging.For("tanyapatient")
				logger.Debug().Err(err).Msg("send failed")
			}
		}
	}
}
