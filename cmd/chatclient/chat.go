package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasklink/chat-realtime/internal/auth"
	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/client"
	"github.com/tasklink/chat-realtime/internal/config"
)

var (
	chatServer   string
	chatToken    string
	chatUser     string
	chatProvider bool
	chatID       string
	chatWith     string
	chatVerbose  bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat",
	Long: `Open an interactive chat session. Lines typed on stdin are sent as
messages. Commands:
  /read        mark the chat read
  /open <id>   switch to another chat
  /close       leave the chat
  /quit        exit

Examples:
  chatclient chat --user U1 --with P9
  chatclient chat --user P9 --provider --chat 3f2c...`,
	RunE: runChat,
}

func init() {
	f := chatCmd.Flags()
	f.StringVar(&chatServer, "server", "http://localhost:8080", "server base URL")
	f.StringVar(&chatToken, "token", "", "token to present (minted from --secret when empty)")
	f.StringVar(&chatUser, "user", "", "user id to mint a token for")
	f.BoolVar(&chatProvider, "provider", false, "act as a provider")
	f.StringVar(&chatID, "chat", "", "chat id to open")
	f.StringVar(&chatWith, "with", "", "counterpart id; creates the chat when --chat is empty")
	f.BoolVarP(&chatVerbose, "verbose", "v", false, "log client internals")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	id := chat.Identity{UserID: chatUser, IsProvider: chatProvider}
	token := chatToken
	if token == "" {
		if chatUser == "" {
			return fmt.Errorf("either --token or --user is required")
		}
		a, err := auth.New(secret, issuer, "")
		if err != nil {
			return err
		}
		if token, err = a.Issue(id, 24*time.Hour); err != nil {
			return err
		}
	}

	rest := &restClient{base: strings.TrimRight(chatServer, "/"), token: token}
	if chatID == "" {
		if chatWith == "" {
			return fmt.Errorf("either --chat or --with is required")
		}
		c, err := rest.ensureChat(ctx, id, chatWith)
		if err != nil {
			return err
		}
		chatID = c.ID
	}

	wsURL, err := websocketURL(chatServer)
	if err != nil {
		return err
	}
	logger := config.Discard()
	if chatVerbose {
		logger, _ = config.SetupLogger("", config.ParseLogLevel("DEBUG"))
	}

	cl := client.New(client.Options{
		Dialer:   client.WSDialer{URL: wsURL, Token: token, WriteTimeout: 5 * time.Second},
		Identity: id,
		Logger:   logger,
	})
	defer cl.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- cl.Run(ctx) }()

	out := cmd.OutOrStdout()
	go render(ctx, out, cl.Updates())

	open := func(target string) {
		cl.OpenChat(target)
		msgs, err := rest.history(ctx, target)
		if err != nil {
			fmt.Fprintf(out, "! history: %v\n", err)
			return
		}
		cl.LoadHistory(target, msgs)
	}
	open(chatID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case line == "/read":
				cl.MarkRead()
			case line == "/close":
				cl.CloseChat()
			case strings.HasPrefix(line, "/open "):
				open(strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
			default:
				if _, err := cl.Send(line); err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			}
		}
	}
}

// render prints what changed between successive views.
func render(ctx context.Context, out io.Writer, updates <-chan client.View) {
	var (
		prev   client.View
		status = map[string]client.Status{}
	)
	for {
		var v client.View
		select {
		case <-ctx.Done():
			return
		case v = <-updates:
		}

		if v.State != prev.State {
			fmt.Fprintf(out, "* %s\n", v.State)
		}
		if v.ChatID != prev.ChatID {
			status = map[string]client.Status{}
		}
		if v.PeerOnline != prev.PeerOnline && v.State == client.StateJoined {
			fmt.Fprintf(out, "* peer %s\n", onlineWord(v.PeerOnline))
		}
		if v.PeerTyping && !prev.PeerTyping {
			fmt.Fprintln(out, "* peer is typing...")
		}
		for _, e := range v.Messages {
			key := e.ID
			if key == "" {
				key = e.TempID
			}
			if e.TempID != "" && e.ID != "" {
				if _, seen := status[e.TempID]; seen {
					delete(status, e.TempID)
					status[e.ID] = client.StatusSending
				}
			}
			if status[key] == e.Status {
				continue
			}
			status[key] = e.Status
			who := "them"
			if e.Mine {
				who = "me"
			}
			fmt.Fprintf(out, "[%s] %-4s %s (%s)\n", e.Timestamp.Local().Format("15:04:05"), who, e.Content, e.Status)
		}
		if v.LastError != nil && (prev.LastError == nil || *v.LastError != *prev.LastError) {
			fmt.Fprintf(out, "! %s: %s\n", v.LastError.Code, v.LastError.Message)
		}
		prev = v
	}
}

func onlineWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// restClient calls the request/response API with a bearer token.
type restClient struct {
	base  string
	token string
}

func (r *restClient) ensureChat(ctx context.Context, self chat.Identity, with string) (chat.Chat, error) {
	body := map[string]string{"providerId": with}
	if self.IsProvider {
		body = map[string]string{"userId": with}
	}
	var c chat.Chat
	err := r.do(ctx, http.MethodPost, "/api/chats", body, &c)
	return c, err
}

func (r *restClient) history(ctx context.Context, chatID string) ([]chat.Message, error) {
	var msgs []chat.Message
	err := r.do(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(chatID)+"/messages", nil, &msgs)
	return msgs, err
}

func (r *restClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, r.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, apiErr.Message)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
