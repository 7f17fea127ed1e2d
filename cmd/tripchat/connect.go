package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/putto11262002/tripchat/internal/config"
	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
	"github.com/putto11262002/tripchat/pkg/client"
	"github.com/putto11262002/tripchat/pkg/dispatch"
	"github.com/putto11262002/tripchat/pkg/metrics"
	"github.com/spf13/cobra"
)

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect with session.token, print updates and read commands from stdin",
		Long: `Connect with session.token and print every update. Commands read from stdin:

  rooms                          list rooms
  start <peer> <direct|guide>    start a chat
  send <room> <text>             send a message
  history <room>                 load the latest page
  read <room>                    mark everything read
  quote <room> <amount> [cur]    offer a quote (guides)
  accept <quote> | decline <quote>
  watch <user>                   watch presence`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			if cfg.Session.Token == "" {
				return errors.New("session.token is required")
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, cfg, log, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func clientConfig(cfg *config.Config) client.Config {
	return client.Config{
		URL:              cfg.Server.URL,
		APIURL:           cfg.Server.APIURL,
		Token:            cfg.Session.Token,
		AckTimeout:       cfg.Timeouts.Ack,
		PresenceTimeout:  cfg.Timeouts.PresenceCheck,
		PresenceInterval: cfg.Presence.Interval,
		ReconnectBase:    cfg.Reconnect.Base,
		ReconnectMax:     cfg.Reconnect.Max,
		PageSize:         cfg.History.PageSize,
		MaxFileSize:      cfg.Media.MaxBytes,
		CacheFile:        cfg.Cache.SQLiteFile,
		NATSURL:          cfg.Notify.NATSURL,
		NotifySubject:    cfg.Notify.Subject,
	}
}

func runConnect(ctx context.Context, cfg *config.Config, log *slog.Logger, in io.Reader, out io.Writer) error {
	reg := prometheus.NewRegistry()
	c, err := client.New(clientConfig(cfg), client.WithLogger(log), client.WithMetrics(metrics.New(reg)))
	if err != nil {
		return err
	}
	log.Info("session", slog.String("user", c.ID.UserID), slog.String("role", string(c.ID.Role)))

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler(reg)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", slog.String("error", err.Error()))
			}
		}()
		defer srv.Close()
	}

	updates := c.Subscribe()
	go func() {
		for u := range updates {
			printUpdate(out, c, u)
		}
	}()
	go readCommands(ctx, c, in, out)

	return c.Run(ctx)
}

func printUpdate(out io.Writer, c *client.Client, u dispatch.Update) {
	switch u.Kind {
	case dispatch.MessagesChanged:
		ids := chat.NewUserSet(u.MessageIDs...)
		for _, m := range c.Messages(u.RoomID) {
			if len(ids) > 0 && !ids.Has(m.ID) {
				continue
			}
			fmt.Fprintf(out, "[%s] %s %s: %s (%s)\n", u.RoomID, m.CreatedAt.Format(time.Kitchen), m.SenderID, m.Preview(), m.State)
		}
		if u.Err != nil {
			fmt.Fprintf(out, "[%s] send failed: %s\n", u.RoomID, chat.Notice(u.Err))
		}
	case dispatch.QuoteChanged:
		if q := u.Quote; q != nil {
			fmt.Fprintf(out, "[%s] quote %s %.2f %s %s\n", u.RoomID, q.ID, q.Amount, q.Currency, q.State)
		}
	case dispatch.PresenceChanged:
		if p := u.Presence; p != nil {
			fmt.Fprintf(out, "presence %s %s\n", p.UserID, p.Status)
		}
	case dispatch.ConnectionChanged:
		fmt.Fprintf(out, "connected=%t\n", u.Connected)
	case dispatch.Notice:
		fmt.Fprintf(out, "notice: %s\n", chat.Notice(u.Err))
	default:
		fmt.Fprintf(out, "%s %s\n", u.Kind, u.RoomID)
	}
}

func readCommands(ctx context.Context, c *client.Client, in io.Reader, out io.Writer) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if err := runCommand(ctx, c, out, fields); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

var errUsage = errors.New("bad arguments, see --help")

func runCommand(ctx context.Context, c *client.Client, out io.Writer, f []string) error {
	arg := func(i int) string {
		if i < len(f) {
			return f[i]
		}
		return ""
	}
	switch f[0] {
	case "rooms":
		for _, s := range c.Rooms() {
			fmt.Fprintf(out, "%s %s %q unread=%d\n", s.Room.ID, s.Room.Kind, s.Room.Name, s.Unread)
		}
	case "start":
		if len(f) < 3 {
			return errUsage
		}
		room, err := c.StartChat(ctx, proto.StartChatPayload{PeerID: f[1], Kind: chat.RoomKind(f[2])})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "room %s\n", room.ID)
	case "send":
		if len(f) < 3 {
			return errUsage
		}
		_, err := c.SendMessage(ctx, chat.MessageInput{RoomID: f[1], Text: strings.Join(f[2:], " ")})
		return err
	case "history":
		page, err := c.LoadHistory(ctx, arg(1), nil)
		if err != nil {
			return err
		}
		for _, m := range page.Messages {
			fmt.Fprintf(out, "%s %s: %s\n", m.CreatedAt.Format(time.RFC3339), m.SenderID, m.Preview())
		}
	case "read":
		return c.MarkRead(ctx, arg(1))
	case "quote":
		amount, err := strconv.ParseFloat(arg(2), 64)
		if err != nil {
			return errUsage
		}
		_, err = c.CreateQuote(ctx, chat.QuoteInput{RoomID: arg(1), Amount: amount, Currency: arg(3)})
		return err
	case "accept":
		_, err := c.AcceptQuote(ctx, arg(1))
		return err
	case "decline":
		_, err := c.DeclineQuote(ctx, arg(1))
		return err
	case "watch":
		return c.WatchPresence(ctx, arg(1))
	default:
		return fmt.Errorf("unknown command %q", f[0])
	}
	return nil
}
