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

	"github.com/spf13/cobra"
	"github.com/teamdesk/chatsync"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(dmCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <room-id>",
	Short: "Chat live in a room",
	Long: `Open a room, print its history and follow new messages.

Each line typed is sent to the room. Commands:
  /retry <id>   resend a failed message
  /reload       reload the room history
  /quit         leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := getSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		return runChat(ctx, s, args[0], "")
	},
}

var dmCmd = &cobra.Command{
	Use:   "dm <friend-id>",
	Short: "Chat privately with a friend",
	Long:  "Open the private room shared with a friend, creating it on first use, and chat live.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := getSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		friend := chatsync.Friend{ID: args[0]}
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		friends, err := s.Client().Friends.List(reqCtx, s.Identity().ID)
		cancel()
		if err == nil {
			for _, f := range friends {
				if f.ID == friend.ID {
					friend = f
				}
			}
		}
		if friend.Name == "" {
			friend.Name = s.Client().Normalizer().Friend(friend.ID).Name
		}

		reqCtx, cancel = context.WithTimeout(ctx, requestTimeout)
		room, _, err := s.OpenPrivate(reqCtx, friend)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to open private chat: %w", err)
		}

		// One-to-one messages sent outside any room.
		reqCtx, cancel = context.WithTimeout(ctx, requestTimeout)
		direct, err := s.LoadDirect(reqCtx, friend.ID)
		cancel()
		switch {
		case err != nil:
			logger.Sugar().Debugw("direct_history_failed", "friend", friend.ID, "error", err)
		case len(direct) > 0:
			fmt.Println(headerStyle.Render("Direct messages with " + friend.Name))
			renderMessages(direct, s.Identity().ID)
		}
		return runChat(ctx, s, room.ID, room.Name)
	},
}

// chatView prints view changes as they happen. Entries are printed once
// when they appear and again when their delivery state changes. Nothing is
// printed before prime.
type chatView struct {
	mu       sync.Mutex
	s        *chatsync.Session
	room     string
	out      io.Writer
	printed  map[string]chatsync.DeliveryState
	ready    bool
	typing   bool
	markRead func(messageID string)
}

func newChatView(s *chatsync.Session, room string) *chatView {
	return &chatView{s: s, room: room, out: os.Stdout, printed: make(map[string]chatsync.DeliveryState)}
}

// prime marks msgs as already shown and prints whatever arrived since
// they were read.
func (v *chatView) prime(msgs []chatsync.Message) {
	v.mu.Lock()
	for _, m := range msgs {
		v.printed[m.ID] = m.DeliveryState
	}
	v.ready = true
	v.mu.Unlock()
	v.refresh(v.room)
}

func (v *chatView) refresh(conversationID string) {
	if conversationID != v.room {
		if n := v.s.UnreadCount(conversationID); n > 0 {
			fmt.Fprintln(v.out, dateStyle.Render(fmt.Sprintf("(%d unread in %s)", n, conversationID)))
		}
		return
	}
	snap := v.s.Snapshot(conversationID)
	self := v.s.Identity().ID

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.ready {
		return
	}
	for _, m := range snap.Messages {
		if m.ClientID != "" {
			// The acknowledged copy of a line we already printed as pending.
			if state, ok := v.printed[m.ClientID]; ok && state == chatsync.DeliveryPending {
				v.printed[m.ClientID] = m.DeliveryState
				v.printed[m.ID] = m.DeliveryState
				continue
			}
		}
		state, ok := v.printed[m.ID]
		if ok && state == m.DeliveryState {
			continue
		}
		v.printed[m.ID] = m.DeliveryState
		if ok && m.DeliveryState == chatsync.DeliveryPending {
			continue
		}
		fmt.Fprintln(v.out, renderMessage(m, self))
		if !ok && m.SenderID != self && v.markRead != nil {
			v.markRead(m.ID)
		}
	}
	if snap.IsTyping != v.typing {
		v.typing = snap.IsTyping
		if snap.IsTyping {
			fmt.Fprintln(v.out, dateStyle.Render(snap.TypingUser+" is typing…"))
		}
	}
}

// openChat starts following the room and loads its history. The view is
// subscribed first so nothing merged during or after the load is missed.
func openChat(ctx context.Context, s *chatsync.Session, view *chatView) ([]chatsync.Message, error) {
	s.OnChange(view.refresh)
	openCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return s.Open(openCtx, view.room)
}

func runChat(ctx context.Context, s *chatsync.Session, room, title string) error {
	if title == "" {
		title = room
	}
	view := newChatView(s, room)
	view.markRead = func(id string) {
		go func() {
			reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()
			if err := s.Client().Messages.MarkRead(reqCtx, id, s.Identity().ID); err != nil {
				logger.Sugar().Debugw("mark_read_failed", "id", id, "error", err)
			}
		}()
	}

	msgs, err := openChat(ctx, s, view)
	if err != nil {
		return fmt.Errorf("failed to open room: %w", err)
	}

	fmt.Println(headerStyle.Render(title))
	renderMessages(msgs, s.Identity().ID)
	view.prime(msgs)
	s.OnRoomUpdated(func(c chatsync.Conversation) {
		fmt.Println(dateStyle.Render("room updated: " + c.Name))
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case line == "/reload":
				reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
				msgs, err := s.Reload(reqCtx)
				cancel()
				if err != nil {
					fmt.Println(failedStyle.Render("reload failed: " + err.Error()))
					continue
				}
				renderMessages(msgs, s.Identity().ID)
				view.prime(msgs)
			case strings.HasPrefix(line, "/retry "):
				id := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.Retry(ctx, id); err != nil {
						fmt.Println(failedStyle.Render("retry failed: " + err.Error()))
					}
				}()
			default:
				_ = s.NotifyTyping(ctx)
				wg.Add(1)
				go func(body string) {
					defer wg.Done()
					if _, err := s.Send(ctx, room, body); err != nil {
						logger.Sugar().Debugw("send_failed", "error", err)
					}
				}(line)
			}
		}
	}
}
