package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deskline/chatcore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	convStatus string
	convInbox  int64
	convSearch string
	convUnread bool
	convAge    string
	convLabels []string
	convCached bool

	// messages
	messagesCached bool
	messagesLimit  int

	// send
	sendFiles []string

	// cache clear
	cacheClearOthers bool
)

// ============================================================================
// inboxes
// ============================================================================

var inboxesCmd = &cobra.Command{
	Use:   "inboxes",
	Short: "List the inboxes of the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(nil)
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		inboxes, err := e.gw.ListInboxes(ctx, e.workspace())
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(inboxes)
		}
		if len(inboxes) == 0 {
			fmt.Println("No inboxes found.")
			return nil
		}
		for _, in := range inboxes {
			fmt.Printf("  %-6d %-30s %s\n", in.ID, in.Name, in.ChannelType)
		}
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	Long: "List conversations, newest activity first. The cached list is shown when the\n" +
		"provider cannot be reached.",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(nil)
		if err != nil {
			return err
		}
		defer e.close()

		status := chatcore.ConversationStatus(convStatus)
		if status != "" && status != chatcore.StatusAll && !status.Valid() {
			return fmt.Errorf("unknown status %q", convStatus)
		}

		vf := chatcore.ViewFilter{
			Search:     convSearch,
			UnreadOnly: convUnread,
			Age:        chatcore.AgeBucket(convAge),
			Labels:     convLabels,
		}
		var view []chatcore.Conversation
		if convCached {
			view = chatcore.FilterConversations(e.cache.GetConversations(e.workspace()), vf, time.Now())
		} else {
			list := chatcore.NewConversationList(e.gw, e.cache, e.workspace(), chatcore.WithListLogger(e.logger))
			defer list.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := list.Load(ctx, chatcore.ListFilter{Status: status, InboxID: convInbox}); err != nil {
				fmt.Fprintf(os.Stderr, "warning: showing cached conversations: %v\n", err)
			}
			view = list.View(vf)
		}
		if jsonOutput {
			return printJSON(view)
		}
		if len(view) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range view {
			preview := ""
			if c.LastMessage != nil {
				preview = truncate(c.LastMessage.Content, 50)
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("  #%-6d %-9s %s  %s%s\n", c.ID, c.Status, formatUnix(c.Timestamp),
				valueOrDefault(c.Meta.Sender.Name, "unknown"), unread)
			if preview != "" {
				fmt.Printf("          %s\n", preview)
			}
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		e, err := setup(nil)
		if err != nil {
			return err
		}
		defer e.close()

		var msgs []chatcore.Message
		if messagesCached {
			msgs = e.cache.GetMessages(id, e.workspace())
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			fresh, err := e.gw.ListMessages(ctx, id, e.workspace())
			switch {
			case err == nil:
				msgs = chatcore.SortMessages(fresh)
				e.cache.CacheMessages(id, msgs, e.workspace())
			case chatcore.IsNotFound(err):
				return fmt.Errorf("conversation %d not found", id)
			default:
				fmt.Fprintf(os.Stderr, "warning: showing cached messages: %v\n", err)
				msgs = e.cache.GetMessages(id, e.workspace())
			}
		}

		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}
		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send a message, optionally with attachments",
	Long: "Send a message to a conversation. Attach files with --file (repeatable).\n" +
		"The conversation is opened first, so sending also marks it read.",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		var text string
		if len(args) == 2 {
			text = args[1]
		}
		uploads, err := readUploads(sendFiles)
		if err != nil {
			return err
		}

		e, err := setup(nil)
		if err != nil {
			return err
		}
		defer e.close()

		tl := chatcore.NewTimeline(e.gw, e.cache, e.workspace(), chatcore.WithTimelineLogger(e.logger))
		defer tl.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := tl.Open(ctx, id); err != nil {
			if errors.Is(err, chatcore.ErrConversationNotFound) {
				return fmt.Errorf("conversation %d not found", id)
			}
			e.logger.Warn("conversation fetch failed, sending anyway", zap.Int64("conversation_id", id), zap.Error(err))
		}

		msg, err := tl.Send(ctx, chatcore.SendInput{Content: text, Files: uploads})
		if err != nil {
			var sendErr *chatcore.SendError
			if errors.As(err, &sendErr) {
				return fmt.Errorf("%v. Nothing was sent; retry when ready", sendErr)
			}
			return err
		}
		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Message %d sent to conversation %d\n", msg.ID, id)
		for _, a := range msg.Attachments {
			fmt.Printf("  %s: %s\n", a.Kind, valueOrDefault(a.FileName, a.URL))
		}
		return nil
	},
}

func readUploads(paths []string) ([]chatcore.Upload, error) {
	uploads := make([]chatcore.Upload, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		uploads = append(uploads, chatcore.Upload{
			FileName:    filepath.Base(p),
			ContentType: mime.TypeByExtension(filepath.Ext(p)),
			Data:        data,
			PreviewURL:  "file://" + p,
		})
	}
	return uploads, nil
}

// ============================================================================
// cache
// ============================================================================

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local conversation cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop the cache of the configured workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(nil)
		if err != nil {
			return err
		}
		defer e.close()

		if cacheClearOthers {
			e.cache.ClearOtherWorkspaces(e.workspace())
			fmt.Println("Cleared cached data of every other workspace.")
			return nil
		}
		e.cache.ClearWorkspaceCache(e.workspace())
		fmt.Printf("Cleared cached data of workspace %q.\n", e.workspace())
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop cache records older than cache.max_age",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(nil)
		if err != nil {
			return err
		}
		defer e.close()

		maxAge, err := e.cfg.cacheMaxAge()
		if err != nil {
			return fmt.Errorf("invalid cache.max_age: %w", err)
		}
		n := e.cache.PruneOlderThan(maxAge)
		stats := e.cache.Stats()
		fmt.Printf("Pruned %d records; %d conversations and %d message lists remain.\n",
			n, stats.Conversations, stats.MessageLists)
		return nil
	},
}

// ============================================================================
// Helpers
// ============================================================================

func parseConversationID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscan(strings.TrimPrefix(s, "#"), &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", s)
	}
	return id, nil
}

func printMessage(m chatcore.Message) {
	who := "agent"
	switch m.MessageType {
	case chatcore.MessageIncoming:
		who = "customer"
		if m.Sender != nil && m.Sender.Name != "" {
			who = m.Sender.Name
		}
	case chatcore.MessageActivity:
		who = "activity"
	}
	fmt.Printf("[%s] %s: %s\n", formatUnix(m.CreatedAt), who, m.Content)
	for _, a := range m.Attachments {
		fmt.Printf("    %s: %s\n", a.Kind, valueOrDefault(a.FileName, a.URL))
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().StringVar(&convStatus, "status", "open", "Status filter: open, resolved, pending, snoozed or all")
	conversationsCmd.Flags().Int64Var(&convInbox, "inbox", 0, "Only conversations of this inbox")
	conversationsCmd.Flags().StringVar(&convSearch, "search", "", "Match contact name, phone, e-mail or conversation id")
	conversationsCmd.Flags().BoolVar(&convUnread, "unread", false, "Only conversations with unread messages")
	conversationsCmd.Flags().StringVar(&convAge, "age", "", "Last activity: today, week, month or older")
	conversationsCmd.Flags().StringSliceVar(&convLabels, "label", nil, "Only conversations carrying one of these labels")
	conversationsCmd.Flags().BoolVar(&convCached, "cached", false, "Read from the local cache only")

	messagesCmd.Flags().BoolVar(&messagesCached, "cached", false, "Read from the local cache only")
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 0, "Show only the last N messages")

	sendCmd.Flags().StringArrayVar(&sendFiles, "file", nil, "Attach a file (repeatable)")

	cacheClearCmd.Flags().BoolVar(&cacheClearOthers, "others", false, "Clear every workspace except the configured one")
	cacheCmd.AddCommand(cacheClearCmd, cachePruneCmd)

	rootCmd.AddCommand(inboxesCmd, conversationsCmd, messagesCmd, sendCmd, cacheCmd)
}
