package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/teamdesk/chatsync"
)

const requestTimeout = 15 * time.Second

var (
	// Styles
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	selfStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))
)

// getClient creates a REST client from the stored configuration. With
// requireLogin, a missing token is an error.
func getClient(requireLogin bool) (*chatsync.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if requireLogin && cfg.Auth.Token == "" {
		return nil, nil, fmt.Errorf("not logged in; run 'chatsync login <email> <password>' first")
	}

	opts := []chatsync.ClientOption{chatsync.WithLogger(logger)}
	if cfg.Server.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Server.BaseURL))
	}
	if cfg.Server.SocketURL != "" {
		opts = append(opts, chatsync.WithSocketURL(cfg.Server.SocketURL))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...), cfg, nil
}

func identityOf(cfg *Config) chatsync.Identity {
	return chatsync.Identity{ID: cfg.Auth.UserID, Name: cfg.Auth.Name, Role: cfg.Auth.Role}
}

// getSession logs in from the stored token, dials the realtime connection
// and returns a session over it. The caller must Close the session.
func getSession(ctx context.Context) (*chatsync.Session, error) {
	client, cfg, err := getClient(true)
	if err != nil {
		return nil, err
	}
	if expired, err := chatsync.TokenExpired(cfg.Auth.Token, time.Now()); err == nil && expired {
		refreshCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		err := refreshToken(refreshCtx, client)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("token expired and could not be refreshed, run 'chatsync login' again: %w", err)
		}
		logger.Debug("token_refreshed")
	}

	metrics, err := sessionMetrics()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	conn, err := client.Dial(dialCtx, chatsync.RealtimeConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: -1,
		Metrics:              metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.OnStateChange(func(s chatsync.RealtimeState) {
		switch s {
		case chatsync.StateReconnecting:
			fmt.Println(pendingStyle.Render("… connection lost, reconnecting"))
		case chatsync.StateConnected:
			fmt.Println(okStyle.Render("✓ connected"))
		}
	})

	s := chatsync.NewSession(client, conn, identityOf(cfg),
		chatsync.WithSessionLogger(logger),
		chatsync.WithMetrics(metrics),
	)
	if err := s.JoinPersonal(ctx); err != nil {
		logger.Sugar().Debugw("join_personal_failed", "error", err)
	}
	return s, nil
}

// refreshToken trades the client's expired token for a new one and stores
// it in the config file.
func refreshToken(ctx context.Context, client *chatsync.Client) error {
	token, err := client.Auth.Refresh(ctx)
	if err != nil {
		return err
	}
	cfg, err := readConfigFile()
	if err != nil {
		return err
	}
	cfg.Auth.Token = token
	return saveConfig(cfg)
}

// withTimeout returns a context bounded by requestTimeout and tied to the
// command's context.
func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, requestTimeout)
}

// ============================================================================
// Rendering
// ============================================================================

func renderMessage(m chatsync.Message, self string) string {
	name := senderStyle.Render(m.SenderName)
	if m.SenderID == self {
		name = selfStyle.Render(m.SenderName)
	}

	var state string
	switch m.DeliveryState {
	case chatsync.DeliveryPending:
		state = " " + pendingStyle.Render("(sending)")
	case chatsync.DeliveryFailed:
		state = " " + failedStyle.Render("(failed, /retry "+m.ID+")")
	}

	return fmt.Sprintf("%s %s%s\n  %s", name, dateStyle.Render(humanize.Time(m.CreatedAt)), state, m.Body)
}

func renderMessages(msgs []chatsync.Message, self string) {
	if len(msgs) == 0 {
		fmt.Println(dateStyle.Render("No messages yet."))
		return
	}
	for _, m := range msgs {
		fmt.Println(renderMessage(m, self))
	}
}

func renderRoom(r chatsync.Conversation) string {
	name := r.Name
	if name == "" {
		name = "Untitled"
	}
	return fmt.Sprintf("%-10s %s %s  %s",
		string(r.Kind),
		senderStyle.Render(name),
		idStyle.Render(r.ID),
		dateStyle.Render(humanize.Comma(int64(len(r.MemberIDs)))+" members"))
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
