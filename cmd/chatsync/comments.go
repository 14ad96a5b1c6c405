package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/teamdesk/chatsync"
)

var commentsReplyTo string

var commentsCmd = &cobra.Command{
	Use:   "comments",
	Short: "Read and write blog comments",
}

var commentsListCmd = &cobra.Command{
	Use:   "list <blog-id>",
	Short: "Print a blog post's comment thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		tree, err := client.Comments.List(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load comments: %w", err)
		}
		if tree.Len() == 0 {
			fmt.Println("No comments yet.")
			return nil
		}
		fmt.Println(headerStyle.Render(fmt.Sprintf("%d comment(s)", tree.Len())))
		tree.Walk(func(c chatsync.Comment, depth int) bool {
			indent := strings.Repeat("  ", depth)
			fmt.Printf("%s%s %s %s\n%s  %s\n",
				indent, senderStyle.Render(c.AuthorName),
				dateStyle.Render(humanize.Time(c.CreatedAt)),
				idStyle.Render(c.ID),
				indent, c.Body)
			return true
		})
		return nil
	},
}

var commentsAddCmd = &cobra.Command{
	Use:   "add <blog-id|comment-id> <text>",
	Short: "Comment on a blog post, or reply with --reply",
	Long: `Comment on a blog post.

With --reply, the first argument is the comment being answered, and
--reply names the nested reply to answer within it (or "-" for the
comment itself).`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		body := strings.Join(args[1:], " ")
		var c chatsync.Comment
		if commentsReplyTo != "" {
			parent := commentsReplyTo
			if parent == "-" {
				parent = ""
			}
			c, err = client.Comments.Reply(ctx, args[0], body, parent)
		} else {
			c, err = client.Comments.Add(ctx, args[0], body)
		}
		if err != nil {
			return fmt.Errorf("failed to post comment: %w", err)
		}
		fmt.Printf("Posted %s\n", idStyle.Render(c.ID))
		return nil
	},
}

var commentsDeleteCmd = &cobra.Command{
	Use:   "delete <comment-id>",
	Short: "Delete a comment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		if err := client.Comments.Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete comment: %w", err)
		}
		fmt.Printf("Deleted %s.\n", args[0])
		return nil
	},
}

func init() {
	commentsAddCmd.Flags().StringVar(&commentsReplyTo, "reply", "", `Reply to the comment given as first argument; value is a nested reply id or "-"`)

	commentsCmd.AddCommand(commentsListCmd)
	commentsCmd.AddCommand(commentsAddCmd)
	commentsCmd.AddCommand(commentsDeleteCmd)
	rootCmd.AddCommand(commentsCmd)
}
