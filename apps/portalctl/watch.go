package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	echoapi "github.com/trezcool/unihub/apps/api/echo"
	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/portal"
	"github.com/trezcool/unihub/core/realtime"
	"github.com/trezcool/unihub/storage/realtime/wsclient"
)

type watchOptions struct {
	channelID  string
	token      string
	apiURL     string
	gatewayURL string
}

// sessionFromToken reads the session claims. The API verifies the signature.
func sessionFromToken(token string) (portal.Session, error) {
	claims := new(echoapi.Claims)
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return portal.Session{}, errors.Wrap(err, "parsing token")
	}
	sess := claims.Session()
	if err := sess.Valid(); err != nil {
		return portal.Session{}, err
	}
	return sess, nil
}

func defaultAPIURL(conf *core.Config) string {
	host, port, err := net.SplitHostPort(conf.Server.Address)
	if err != nil {
		return "http://" + conf.Server.Host
	}
	if host == "" {
		host = conf.Server.Host
	}
	return "http://" + net.JoinHostPort(host, port)
}

// watch shows a channel live until ctx is done. Lines read from cli.in are posted to it.
func (cli *commandLine) watch(ctx context.Context, opts watchOptions) error {
	sess, err := sessionFromToken(opts.token)
	if err != nil {
		return err
	}

	rt := wsclient.New(opts.gatewayURL, wsclient.Options{
		Token:  opts.token,
		Buffer: cli.conf.Realtime.DeliveryBuffer,
		Logger: cli.logger,
	})
	defer func() { _ = rt.Close() }()

	var mu sync.Mutex
	rc := cli.conf.Realtime
	view := portal.NewChannelView(portal.ViewOptions{
		Session:       sess,
		Data:          wsclient.NewAPI(opts.apiURL, opts.token),
		Realtime:      rt,
		QuietInterval: rc.TypingQuietInterval,
		Heartbeat:     rc.TypingHeartbeat,
		TypingExpiry:  rc.TypingExpiry,
		Reconnect:     realtime.ExponentialReconnect(rc.ReconnectMaxElapsed),
		OnChange: func(st portal.ViewState) {
			mu.Lock()
			defer mu.Unlock()
			render(cli.out, st)
		},
		OnError: func(err error) {
			cli.logger.Warn(fmt.Sprintf("live updates: %v", err), err, sess)
		},
		Logger: cli.logger,
	})
	if err = view.Mount(ctx, opts.channelID); err != nil {
		return errors.Wrap(err, "opening channel")
	}
	defer view.Unmount()

	mu.Lock()
	render(cli.out, view.State())
	mu.Unlock()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cli.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
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
				lines = nil // stdin closed, keep watching
				continue
			}
			view.Input()
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, err := view.Send(ctx, line); err != nil {
				mu.Lock()
				_, _ = fmt.Fprintf(cli.out, "! not sent: %v\n", err)
				mu.Unlock()
			}
		}
	}
}

func render(w io.Writer, st portal.ViewState) {
	status := ""
	if !st.Live {
		status = " (offline)"
	}
	_, _ = fmt.Fprintf(w, "\n# %s [%s] - %d members%s\n", st.Channel.Name, st.Channel.Type, len(st.Members), status)
	for _, m := range st.Messages {
		name := m.Author.Name
		if name == "" {
			name = portal.UnknownUserName
		}
		pin := ""
		if m.IsPinned {
			pin = " (pinned)"
		}
		_, _ = fmt.Fprintf(w, "%s  %s: %s%s\n", m.CreatedAt.Local().Format("Jan 02 15:04"), name, m.Content, pin)
	}
	if line := typingLine(st.Typing); line != "" {
		_, _ = fmt.Fprintln(w, line)
	}
}

func typingLine(users []realtime.TypingUser) string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		name := u.Name
		if name == "" {
			name = portal.UnknownUserName
		}
		names = append(names, name)
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	}
	return fmt.Sprintf("%s and %d others are typing...", names[0], len(names)-1)
}

func (cli *commandLine) watchCmd() *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a channel live; lines typed on stdin are posted to it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := cli.readToken(opts.token)
			if err != nil {
				return err
			}
			opts.token = token

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return cli.watch(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.channelID, "channel", "", "The channel id")
	cmd.Flags().StringVar(&opts.token, "token", "", fmt.Sprintf("The session token (default $%s, else prompted)", tokenEnv))
	cmd.Flags().StringVar(&opts.apiURL, "api", defaultAPIURL(cli.conf), "The API base URL")
	cmd.Flags().StringVar(&opts.gatewayURL, "gateway", cli.conf.Realtime.GatewayURL, "The realtime gateway URL")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}
