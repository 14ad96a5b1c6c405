package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/teamdesk/chatsync"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// rooms list
	roomsListAll  bool
	roomsListJSON bool

	// rooms create
	roomsCreateType    string
	roomsCreateMembers string
	roomsCreateProject string

	// history
	historyJSON  bool
	historyLimit int

	// friends list
	friendsJSON bool

	// export
	exportFormat string
	exportOutput string
)

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List and create chat rooms",
}

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your rooms",
	Long:  "List your project and group rooms. With --all, private chats are listed too.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		var rooms []chatsync.Conversation
		if roomsListAll {
			rooms, err = client.Rooms.List(ctx, cfg.Auth.UserID)
		} else {
			rooms, err = client.Rooms.ListShared(ctx, cfg.Auth.UserID)
		}
		if err != nil {
			return fmt.Errorf("failed to list rooms: %w", err)
		}

		if roomsListJSON {
			return printJSON(rooms)
		}
		if len(rooms) == 0 {
			fmt.Println("No rooms.")
			return nil
		}
		fmt.Println(headerStyle.Render(fmt.Sprintf("%d room(s)", len(rooms))))
		for _, r := range rooms {
			fmt.Println(renderRoom(r))
		}
		return nil
	},
}

var roomsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		members := splitList(roomsCreateMembers)
		if !contains(members, cfg.Auth.UserID) && cfg.Auth.UserID != "" {
			members = append([]string{cfg.Auth.UserID}, members...)
		}

		room, err := client.Rooms.Create(ctx, &chatsync.CreateConversationOptions{
			Name:      args[0],
			Kind:      chatsync.ConversationKind(roomsCreateType),
			MemberIDs: members,
			CreatedBy: cfg.Auth.UserID,
			ProjectID: roomsCreateProject,
		})
		if err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
		fmt.Println(okStyle.Render("Room created."))
		fmt.Println(renderRoom(*room))
		return nil
	},
}

// ============================================================================
// history / send
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Print a room's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		msgs, err := client.Messages.History(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}
		if historyJSON {
			return printJSON(msgs)
		}
		renderMessages(msgs, cfg.Auth.UserID)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <text>",
	Short: "Send one message and wait for the server to confirm it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		s, err := getSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		room := args[0]
		if _, err := s.Open(ctx, room); err != nil {
			return fmt.Errorf("failed to open room: %w", err)
		}
		m, err := s.Send(ctx, room, strings.Join(args[1:], " "))
		if err != nil {
			return fmt.Errorf("message %s not delivered: %w", m.ID, err)
		}
		fmt.Printf("Sent %s\n", idStyle.Render(m.ID))
		return nil
	},
}

// ============================================================================
// friends
// ============================================================================

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Friend list commands",
}

var friendsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your friends",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		friends, err := client.Friends.List(ctx, cfg.Auth.UserID)
		if err != nil {
			return fmt.Errorf("failed to list friends: %w", err)
		}
		if friendsJSON {
			return printJSON(friends)
		}
		if len(friends) == 0 {
			fmt.Println("No friends yet.")
			return nil
		}
		for _, f := range friends {
			fmt.Printf("%s %s\n", senderStyle.Render(f.Name), idStyle.Render(f.ID))
		}
		return nil
	},
}

// ============================================================================
// export
// ============================================================================

// transcript is the exported form of a room's history.
type transcript struct {
	Room     string             `json:"room" yaml:"room"`
	Count    int                `json:"count" yaml:"count"`
	Messages []chatsync.Message `json:"messages" yaml:"messages"`
}

var exportCmd = &cobra.Command{
	Use:   "export <room-id>",
	Short: "Export a room's history as JSON or YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		msgs, err := client.Messages.History(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		t := transcript{Room: args[0], Count: len(msgs), Messages: msgs}

		var data []byte
		switch strings.ToLower(exportFormat) {
		case "json":
			data, err = json.MarshalIndent(t, "", "  ")
			data = append(data, '\n')
		case "yaml", "yml":
			data, err = yaml.Marshal(t)
		default:
			return fmt.Errorf("unknown format %q (valid: json, yaml)", exportFormat)
		}
		if err != nil {
			return fmt.Errorf("failed to encode transcript: %w", err)
		}

		if exportOutput == "" || exportOutput == "-" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(exportOutput, data, 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", exportOutput, err)
		}
		fmt.Fprintf(os.Stderr, "Exported %d message(s) to %s\n", len(msgs), exportOutput)
		return nil
	},
}

// ============================================================================
// Helpers
// ============================================================================

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	roomsListCmd.Flags().BoolVar(&roomsListAll, "all", false, "Include private chats")
	roomsListCmd.Flags().BoolVar(&roomsListJSON, "json", false, "Output JSON")

	roomsCreateCmd.Flags().StringVar(&roomsCreateType, "type", "group", "Room kind: group, project or private")
	roomsCreateCmd.Flags().StringVar(&roomsCreateMembers, "members", "", "Comma-separated list of member user IDs")
	roomsCreateCmd.Flags().StringVar(&roomsCreateProject, "project", "", "Project ID for project rooms")

	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Only print the last n messages")

	friendsListCmd.Flags().BoolVar(&friendsJSON, "json", false, "Output JSON")

	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "Output format: json or yaml")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")

	roomsCmd.AddCommand(roomsListCmd)
	roomsCmd.AddCommand(roomsCreateCmd)
	friendsCmd.AddCommand(friendsListCmd)

	rootCmd.AddCommand(roomsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(friendsCmd)
	rootCmd.AddCommand(exportCmd)
}
