package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/teamdesk/chatsync"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email> <password>",
	Short: "Log in and store the session token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient(false)
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		res, err := client.Auth.Login(ctx, args[0], args[1])
		if err != nil {
			if errors.Is(err, chatsync.ErrUnauthorized) {
				return fmt.Errorf("login failed: invalid email or password")
			}
			return fmt.Errorf("login failed: %w", err)
		}

		id := res.Identity
		if id.ID == "" {
			if profile, err := client.Auth.Profile(ctx); err == nil {
				id = *profile
			}
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{
			Token:    res.Token,
			UserID:   id.ID,
			Name:     id.Name,
			Role:     id.Role,
			LoggedIn: time.Now().UTC().Format(time.RFC3339),
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println(okStyle.Render("Login successful!"))
		fmt.Printf("  User ID: %s\n", id.ID)
		fmt.Printf("  Name:    %s\n", id.Name)
		fmt.Printf("  Role:    %s\n", id.Role)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and login status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println(headerStyle.Render("Configuration"))
		fmt.Printf("  Base URL:   %s\n", valueOrDefault(cfg.Server.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		if cfg.Server.SocketURL != "" {
			fmt.Printf("  Socket URL: %s\n", cfg.Server.SocketURL)
		}

		fmt.Println()
		fmt.Println(headerStyle.Render("Auth"))
		if cfg.Auth.Token == "" {
			fmt.Println("  Not logged in.")
			return nil
		}
		fmt.Printf("  User:      %s (%s)\n", cfg.Auth.Name, cfg.Auth.UserID)
		if cfg.Auth.Role != "" {
			fmt.Printf("  Role:      %s\n", cfg.Auth.Role)
		}
		if t, err := time.Parse(time.RFC3339, cfg.Auth.LoggedIn); err == nil {
			fmt.Printf("  Logged in: %s\n", humanize.Time(t))
		}

		var tokenStatus string
		if expired, err := chatsync.TokenExpired(cfg.Auth.Token, time.Now()); err != nil {
			tokenStatus = "present (not a JWT)"
		} else if expired {
			tokenStatus = failedStyle.Render("EXPIRED")
		} else {
			tokenStatus = okStyle.Render("valid")
		}
		fmt.Printf("  Token:     %s\n", tokenStatus)

		client, _, err := getClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		fmt.Println()
		fmt.Println(headerStyle.Render("Live status"))
		profile, err := client.Auth.Profile(ctx)
		if err != nil {
			fmt.Printf("  Error fetching profile: %v\n", err)
			return nil
		}
		fmt.Printf("  Profile:   %s (%s)\n", profile.Name, profile.Role)
		if rooms, err := client.Rooms.List(ctx, cfg.Auth.UserID); err == nil {
			fmt.Printf("  Rooms:     %d\n", len(rooms))
		}
		return nil
	},
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
