// Command client is a line-oriented terminal client for the chatwire
// gateway: chat, presence and voice calls from a prompt. Useful for
// exercising a deployment without a browser.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"

	"github.com/tavrian/chatwire/internal/auth"
	"github.com/tavrian/chatwire/internal/call"
	"github.com/tavrian/chatwire/internal/client"
	"github.com/tavrian/chatwire/internal/gateway"
	"github.com/tavrian/chatwire/internal/store"
)

func main() {
	serverURL := flag.String("url", "ws://localhost:8080/ws", "gateway websocket endpoint")
	token := flag.String("token", "", "bearer token")
	user := flag.String("user", "", "user id, mints a local token with -secret for development")
	secret := flag.String("secret", "", "jwt secret for -user")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *token == "" && *user != "" && *secret != "" {
		minted, err := auth.NewVerifier(*secret).IssueToken(*user, 24*time.Hour)
		if err != nil {
			fmt.Fprintln(os.Stderr, "mint token:", err)
			os.Exit(1)
		}
		*token = minted
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "either -token or -user with -secret is required")
		os.Exit(1)
	}

	ctx := context.Background()

	c, err := client.Dial(ctx, *serverURL, *token, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer c.Close()
	fmt.Println("connected to", *serverURL)

	iceServers := fetchICEServers(*serverURL, logger)

	engine := call.NewEngine(call.EngineOpts{
		Transport: func(events call.TransportEvents) (call.Transport, error) {
			return call.NewPionTransport(call.PionConfig{ICEServers: iceServers}, events)
		},
		Signaler: c,
		OnChange: func(m call.Machine) {
			if m.Err != "" {
				fmt.Printf("\n[call] %s %s\n> ", m.Status, m.Err)
				return
			}
			fmt.Printf("\n[call] %s\n> ", m.Status)
		},
		Logger: logger,
	})

	wireEvents(c, engine)
	c.OnClose(func(err error) {
		engine.HandleRemoteHangup(context.Background())
		fmt.Println("\nconnection closed:", err)
		os.Exit(0)
	})

	go func() {
		if err := c.Run(ctx); err != nil {
			logger.Debug("client stopped", "error", err)
		}
	}()

	repl(ctx, c, engine)
}

func wireEvents(c *client.Client, engine *call.Engine) {
	c.On(gateway.EventMessageCreated, func(data json.RawMessage) {
		var msg store.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		fmt.Printf("\n[%s] %s: %s\n> ", msg.ConversationID, msg.SenderID, msg.Content)
	})
	c.On(gateway.EventTyping, func(data json.RawMessage) {
		var ev gateway.TypingEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		if ev.IsTyping {
			fmt.Printf("\n[%s] %s is typing...\n> ", ev.ConversationID, ev.UserID)
		}
	})
	c.On(gateway.EventPresence, func(data json.RawMessage) {
		var ev gateway.PresenceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		status := "offline"
		if ev.Online {
			status = "online"
		}
		fmt.Printf("\n* %s is %s\n> ", ev.UserID, status)
	})
	c.On(gateway.EventReadAck, func(data json.RawMessage) {
		var ev gateway.ReadAckEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		fmt.Printf("\n* read up to %s in %s\n> ", ev.LastReadMessageID, ev.ConversationID)
	})

	c.On(gateway.EventCallOffer, func(data json.RawMessage) {
		var sig gateway.CallSignal
		if err := json.Unmarshal(data, &sig); err != nil {
			return
		}
		fmt.Printf("\n[call] incoming from %s (/accept or /reject)\n> ", sig.FromUserID)
		engine.HandleOffer(context.Background(), sig.ConversationID, sig.FromUserID, sig.SDP)
	})
	c.On(gateway.EventCallAnswer, func(data json.RawMessage) {
		var sig gateway.CallSignal
		if err := json.Unmarshal(data, &sig); err != nil {
			return
		}
		engine.HandleAnswer(context.Background(), sig.SDP)
	})
	c.On(gateway.EventCallCandidate, func(data json.RawMessage) {
		var sig gateway.CallSignal
		if err := json.Unmarshal(data, &sig); err != nil {
			return
		}
		engine.HandleCandidate(context.Background(), sig.Candidate)
	})
	c.On(gateway.EventCallHangup, func(data json.RawMessage) {
		engine.HandleRemoteHangup(context.Background())
	})
}

func repl(ctx context.Context, c *client.Client, engine *call.Engine) {
	fmt.Println("commands: /join /leave /read /call /accept /reject /hangup /mute /quit; anything else sends to the joined conversation")
	current := ""

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(line)

		switch {
		case line == "":
		case line == "/quit":
			engine.Hangup(ctx)
			return
		case strings.HasPrefix(line, "/join "):
			current = fields[1]
			report(c.JoinConversation(current))
		case line == "/leave" && current != "":
			report(c.LeaveConversation(current))
			current = ""
		case strings.HasPrefix(line, "/read ") && current != "":
			report(c.AckRead(current, fields[1]))
		case strings.HasPrefix(line, "/call ") && len(fields) == 3:
			if err := engine.StartCall(ctx, fields[1], fields[2]); err != nil {
				fmt.Println("call failed:", err)
			}
		case line == "/accept":
			engine.Accept(ctx)
		case line == "/reject":
			engine.Reject(ctx)
		case line == "/hangup":
			engine.Hangup(ctx)
		case line == "/mute":
			engine.ToggleMute(ctx)
		case strings.HasPrefix(line, "/"):
			fmt.Println("unknown command:", fields[0])
		case current == "":
			fmt.Println("join a conversation first: /join <id>")
		default:
			report(c.SendMessage(current, line))
		}
		fmt.Print("> ")
	}
}

func report(err error) {
	if err != nil {
		fmt.Println("error:", err)
	}
}

// fetchICEServers asks the gateway's REST surface for the TURN relay
// credentials. Falling back to a direct-only configuration keeps calls on
// the same LAN working when the endpoint is unreachable.
func fetchICEServers(wsURL string, logger *slog.Logger) []webrtc.ICEServer {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/api/turn-config"
	u.RawQuery = ""

	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Get(u.String())
	if err != nil {
		logger.Warn("turn config fetch failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	var body struct {
		ICEServers []struct {
			URLs       string `json:"urls"`
			Username   string `json:"username"`
			Credential string `json:"credential"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		logger.Warn("turn config decode failed", "error", err)
		return nil
	}

	servers := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		server := webrtc.ICEServer{URLs: []string{s.URLs}}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return servers
}
