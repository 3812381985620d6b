package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"marketchat/internal/app/dto"
	"marketchat/internal/client"
	"marketchat/internal/infra/obs"
	"marketchat/internal/infra/rpc"
	"marketchat/internal/infra/ws"
)

type Options struct {
	Server string `short:"s" long:"server" default:"http://localhost:8080" description:"HTTP base URL of chatd"`
	GRPC   string `long:"grpc" description:"use the gRPC API at this address instead of HTTP"`
	User   string `short:"u" long:"user" required:"true" description:"acting user id"`
	Env    string `long:"env" default:"dev" description:"logging environment"`
}

type Conversations struct{}

type History struct {
	Page  int `short:"p" long:"page" default:"1" description:"page counted from the newest message"`
	Limit int `short:"l" long:"limit" default:"30" description:"messages per page"`
	Args  struct {
		ConversationID string `positional-arg-name:"conversation-id" required:"true"`
	} `positional-args:"yes"`
}

type Send struct {
	Conversation string `short:"c" long:"conversation" description:"existing conversation id"`
	To           string `long:"to" description:"counterpart user id for a first message"`
	Listing      string `long:"listing" description:"listing id for a first message"`
	Args         struct {
		Content []string `positional-arg-name:"content" required:"1"`
	} `positional-args:"yes"`
}

type Read struct {
	Args struct {
		ConversationID string `positional-arg-name:"conversation-id" required:"true"`
	} `positional-args:"yes"`
}

type Chat struct {
	Conversation string `short:"c" long:"conversation" required:"true" description:"conversation id"`
	To           string `long:"to" required:"true" description:"counterpart user id"`
}

var (
	opts   Options
	parser = flags.NewParser(&opts, flags.Default)
)

func main() {
	parser.AddCommand("conversations", "List conversations", "Lists the user's conversations, newest activity first.", &Conversations{})
	parser.AddCommand("history", "Show history", "Prints one page of a conversation.", &History{})
	parser.AddCommand("send", "Send a message", "Sends one message and waits for it to be stored.", &Send{})
	parser.AddCommand("read", "Mark read", "Marks the conversation read for the user.", &Read{})
	parser.AddCommand("chat", "Interactive chat", "Joins the conversation and sends each stdin line.", &Chat{})

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func logger() *slog.Logger {
	return obs.NewLoggerTo(os.Stderr, opts.Env, "")
}

// backend returns the request/response API and a synchronous send transport.
func backend() (client.API, client.Transport, func(), error) {
	if opts.GRPC != "" {
		c, err := rpc.NewClient(rpc.Config{Addr: opts.GRPC}, logger())
		if err != nil {
			return nil, nil, nil, err
		}
		return c, rpcTransport{c: c}, func() { _ = c.Close() }, nil
	}
	api := client.NewAPIClient(opts.Server, opts.User)
	return api, api, func() {}, nil
}

type rpcTransport struct {
	c *rpc.Client
}

func (t rpcTransport) Submit(ctx context.Context, out client.Outgoing) (*dto.Message, error) {
	msg, err := t.c.SendMessage(ctx, rpc.SendMessageRequest{
		ConversationID: out.ConversationID,
		SenderID:       out.SenderID,
		CounterpartID:  out.CounterpartID,
		ListingID:      out.ListingID,
		Content:        out.Content,
		ClientID:       out.TempID,
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (x *Conversations) Execute([]string) error {
	ctx, cancel := commandContext()
	defer cancel()
	api, tr, done, err := backend()
	if err != nil {
		return err
	}
	defer done()
	s := client.NewSession(tr)
	if err := s.Refresh(ctx, api, opts.User); err != nil {
		return err
	}
	for _, c := range s.Conversations() {
		unread := int64(0)
		if c.UnreadCount != nil {
			unread = *c.UnreadCount
		}
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Snippet
		}
		fmt.Printf("%s\tlisting=%s\tbuyer=%s\tseller=%s\tunread=%d\t%s\n", c.ID, c.ListingID, c.BuyerID, c.SellerID, unread, last)
	}
	return nil
}

func (x *History) Execute([]string) error {
	ctx, cancel := commandContext()
	defer cancel()
	api, tr, done, err := backend()
	if err != nil {
		return err
	}
	defer done()
	s := client.NewSession(tr)
	page, err := s.Open(ctx, api, x.Args.ConversationID, x.Page, x.Limit)
	if err != nil {
		return err
	}
	for _, it := range s.Messages(x.Args.ConversationID) {
		printItem(os.Stdout, it)
	}
	fmt.Printf("page %d, %d of %d messages\n", page.Page, len(page.Messages), page.Total)
	return nil
}

func (x *Send) Execute([]string) error {
	ctx, cancel := commandContext()
	defer cancel()
	_, tr, done, err := backend()
	if err != nil {
		return err
	}
	defer done()
	s := client.NewSession(tr)
	tempID, err := s.Send(ctx, client.Outgoing{
		ConversationID: x.Conversation,
		SenderID:       opts.User,
		CounterpartID:  x.To,
		ListingID:      x.Listing,
		Content:        strings.Join(x.Args.Content, " "),
	})
	if err != nil {
		return fmt.Errorf("send %s: %w", tempID, err)
	}
	for _, conv := range s.Conversations() {
		for _, it := range s.Messages(conv.ID) {
			if it.TempID == tempID {
				printItem(os.Stdout, it)
			}
		}
	}
	return nil
}

func (x *Read) Execute([]string) error {
	ctx, cancel := commandContext()
	defer cancel()
	api, _, done, err := backend()
	if err != nil {
		return err
	}
	defer done()
	n, err := api.MarkRead(ctx, x.Args.ConversationID, opts.User)
	if err != nil {
		return err
	}
	fmt.Printf("marked %d messages read\n", n)
	return nil
}

func (x *Chat) Execute([]string) error {
	ctx, cancel := commandContext()
	defer cancel()
	log := logger()

	api := client.NewAPIClient(opts.Server, opts.User)
	transport, err := client.Dial(ctx, wsURL(opts.Server), opts.User, log)
	if err != nil {
		return err
	}
	defer transport.Close()

	s := client.NewSession(transport)
	if _, err := s.Open(ctx, api, x.Conversation, 1, 30); err != nil {
		return err
	}
	for _, it := range s.Messages(x.Conversation) {
		printItem(os.Stdout, it)
	}
	if err := transport.Join(opts.User, x.To, x.Conversation); err != nil {
		return err
	}
	if err := transport.MarkRead(x.Conversation, opts.User); err != nil {
		return err
	}

	go func() {
		err := transport.Listen(ctx, s, func(env ws.Envelope) {
			switch env.Event {
			case "message:received":
				items := s.Messages(x.Conversation)
				if len(items) > 0 {
					printItem(os.Stdout, items[len(items)-1])
				}
			case "message:read":
				fmt.Println("-- read")
			case "error":
				fmt.Fprintf(os.Stderr, "error: %s\n", env.Data)
			}
		})
		if err != nil {
			log.Error("connection lost", "error", err)
		}
		cancel()
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// let in-flight confirmations arrive before closing
				time.Sleep(500 * time.Millisecond)
				return nil
			}
			if strings.TrimSpace(line) == "/retry" {
				retryFailed(ctx, s, x.Conversation, log)
				continue
			}
			if _, err := s.OptimisticSend(ctx, x.Conversation, opts.User, line); err != nil && !errors.Is(err, client.ErrEmptyMessage) {
				log.Warn("send failed", "error", err)
			}
		}
	}
}

func retryFailed(ctx context.Context, s *client.Session, conversationID string, log *slog.Logger) {
	for _, it := range s.Messages(conversationID) {
		if it.Status != client.StatusFailed {
			continue
		}
		if err := s.Retry(ctx, it.TempID); err != nil {
			log.Warn("retry failed", "temp_id", it.TempID, "error", err)
		}
	}
}

func printItem(w io.Writer, it client.Item) {
	mark := ""
	switch {
	case it.Status == client.StatusPending:
		mark = " (sending)"
	case it.Status == client.StatusFailed:
		mark = " (failed, /retry)"
	case it.Read:
		mark = " (read)"
	}
	fmt.Fprintf(w, "[%s] %s: %s%s\n", it.CreatedAt.Local().Format("15:04"), it.SenderID, it.Content, mark)
}

func wsURL(server string) string {
	server = strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(server, "https://"):
		server = "wss://" + strings.TrimPrefix(server, "https://")
	case strings.HasPrefix(server, "http://"):
		server = "ws://" + strings.TrimPrefix(server, "http://")
	}
	return server + "/ws"
}

var (
	_ client.API = (*rpc.Client)(nil)
	_ client.API = (*client.APIClient)(nil)
)
