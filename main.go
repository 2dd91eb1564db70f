// main.go
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/petervdpas/martam/internal/call"
	"github.com/petervdpas/martam/internal/config"
	"github.com/petervdpas/martam/internal/identity"
	"github.com/petervdpas/martam/internal/proto"
	"github.com/petervdpas/martam/internal/rendezvous"
	"github.com/petervdpas/martam/internal/session"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Martam v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]

	switch command {
	case "chat":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: chat command requires directory path and display name")
			fmt.Fprintln(os.Stderr, "Usage: martam chat <peer-directory> <display-name>")
			os.Exit(1)
		}
		runChat(args[1], strings.Join(args[2:], " "))

	case "rendezvous":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: rendezvous command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: martam rendezvous <peer-directory>")
			os.Exit(1)
		}
		runRendezvous(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runChat(peerDirArg, displayName string) {
	absDir, cfgPath, cfg := setupDir(peerDirArg)

	// Paths in the config resolve relative to the peer directory.
	if !filepath.IsAbs(cfg.Identity.KeyFile) {
		cfg.Identity.KeyFile = filepath.Join(absDir, cfg.Identity.KeyFile)
	}
	if cfg.Rendezvous.PeerDBPath != "" && !filepath.IsAbs(cfg.Rendezvous.PeerDBPath) {
		cfg.Rendezvous.PeerDBPath = filepath.Join(absDir, cfg.Rendezvous.PeerDBPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	rdvURL := cfg.Rendezvous.URL
	if cfg.Rendezvous.Host {
		srv := rendezvous.New(net.JoinHostPort(cfg.Rendezvous.Bind, strconv.Itoa(cfg.Rendezvous.Port)), cfg.Rendezvous.PeerDBPath)
		if err := srv.Start(ctx); err != nil {
			log.Fatalf("Rendezvous server failed: %v", err)
		}
		rdvURL = srv.URL()
	}

	mgr := session.New(&cfg, rendezvous.NewClient(rdvURL), nil)

	mgr.OnMessage(func(from string, msg proto.Message) {
		switch msg.Type {
		case proto.TypeChat:
			var body struct {
				Text string `json:"text"`
			}
			_ = json.Unmarshal(msg.Payload, &body)
			fmt.Printf("\n[%s] %s\n> ", msg.SenderName, body.Text)
		case proto.TypeCallLog:
			var p proto.CallLogPayload
			_ = json.Unmarshal(msg.Payload, &p)
			fmt.Printf("\n[%s] call %s (%.0fs)\n> ", msg.SenderName, p.Status, float64(p.DurationMS)/1000)
		default:
			fmt.Printf("\n[%s] %s message\n> ", msg.SenderName, msg.Type)
		}
	})
	mgr.OnUndeliverable(func(to string, msg proto.Message, err error) {
		fmt.Printf("\n! could not deliver %s to %s: %v\n> ", msg.Type, to, err)
	})
	mgr.OnRegistrationLost(func() {
		fmt.Printf("\n! nickname registration lost - /switch to log in again\n> ")
	})

	var pending *call.IncomingCall
	mgr.OnIncomingCall(func(ic *call.IncomingCall) {
		pending = ic
		kind := "voice"
		if ic.Video {
			kind = "video"
		}
		fmt.Printf("\n*** incoming %s call from %s - /accept or /reject ***\n> ", kind, ic.RemoteName)
	})

	ident, err := mgr.Login(ctx, displayName)
	if err != nil {
		log.Fatalf("Login failed: %v", err)
	}
	defer mgr.Logout()
	fmt.Printf("Logged in as %s (%s)\n", ident.DisplayName, ident.CanonicalID)
	fmt.Println("Type /help for commands.")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	var target string // peer the bare-text shorthand sends to

	for {
		fmt.Print("> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if target == "" {
				fmt.Println("no target - /msg <name> <text> first")
				continue
			}
			if _, err := mgr.SendChat(target, line); err != nil {
				fmt.Printf("send: %v\n", err)
			}
			continue
		}

		fields := strings.Fields(line)
		cmd, rest := fields[0], fields[1:]

		switch cmd {
		case "/help":
			printChatHelp()

		case "/quit":
			return

		case "/contacts":
			table, err := mgr.Contacts()
			if err != nil {
				fmt.Println(err)
				continue
			}
			for id, c := range table.Snapshot() {
				state := "offline"
				if c.Online {
					state = "online"
				}
				extra := ""
				if c.Blocked {
					extra = " (blocked)"
				}
				fmt.Printf("  %-20s %-16s %s%s\n", id, c.DisplayName, state, extra)
			}

		case "/connect":
			if len(rest) < 1 {
				fmt.Println("usage: /connect <name>")
				continue
			}
			if err := mgr.Connect(canonical(rest[0])); err != nil {
				fmt.Printf("connect: %v\n", err)
			}

		case "/msg":
			if len(rest) < 2 {
				fmt.Println("usage: /msg <name> <text>")
				continue
			}
			target = canonical(rest[0])
			if _, err := mgr.SendChat(target, strings.Join(rest[1:], " ")); err != nil {
				fmt.Printf("send: %v\n", err)
			}

		case "/call", "/videocall":
			if len(rest) < 1 {
				fmt.Println("usage: " + cmd + " <name>")
				continue
			}
			sess, err := mgr.StartCall(ctx, canonical(rest[0]), cmd == "/videocall")
			if err != nil {
				fmt.Printf("call: %v\n", err)
				continue
			}
			sess.OnStage(func(st call.Stage) {
				fmt.Printf("\ncall %s: %s\n> ", sess.RemotePeer(), st)
			})

		case "/accept":
			if _, err := mgr.Answer(); err != nil {
				fmt.Printf("accept: %v\n", err)
			}
			pending = nil

		case "/reject":
			if pending == nil {
				fmt.Println("no incoming call")
				continue
			}
			pending.Reject()
			pending = nil

		case "/hangup":
			if err := mgr.Hangup(); err != nil {
				fmt.Println(err)
			}

		case "/block", "/unblock":
			if len(rest) < 1 {
				fmt.Println("usage: " + cmd + " <name>")
				continue
			}
			var err error
			if cmd == "/block" {
				err = mgr.Block(canonical(rest[0]))
			} else {
				err = mgr.Unblock(canonical(rest[0]))
			}
			if err != nil {
				fmt.Println(err)
			}

		case "/switch":
			if len(rest) < 1 {
				fmt.Println("usage: /switch <new-display-name>")
				continue
			}
			ident, err := mgr.SwitchAccount(ctx, strings.Join(rest, " "))
			if err != nil {
				fmt.Printf("switch: %v\n", err)
				continue
			}
			target = ""
			pending = nil
			fmt.Printf("now %s (%s)\n", ident.DisplayName, ident.CanonicalID)

		default:
			fmt.Printf("unknown command %s - /help\n", cmd)
		}
	}
}

func runRendezvous(peerDirArg string) {
	absDir, cfgPath, cfg := setupDir(peerDirArg)

	// Force host mode regardless of what the config file says.
	cfg.Rendezvous.Host = true
	if cfg.Rendezvous.PeerDBPath != "" && !filepath.IsAbs(cfg.Rendezvous.PeerDBPath) {
		cfg.Rendezvous.PeerDBPath = filepath.Join(absDir, cfg.Rendezvous.PeerDBPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	srv := rendezvous.New(net.JoinHostPort(cfg.Rendezvous.Bind, strconv.Itoa(cfg.Rendezvous.Port)), cfg.Rendezvous.PeerDBPath)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Rendezvous server failed: %v", err)
	}
	<-ctx.Done()
}

func setupDir(peerDirArg string) (absDir, cfgPath string, cfg config.Config) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create peer directory: %v", err)
	}

	cfgPath = filepath.Join(absDir, "martam.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}
	return absDir, cfgPath, cfg
}

// canonical accepts either a display name or an already-canonical ID.
func canonical(name string) string {
	if strings.HasPrefix(strings.ToUpper(name), "MN-") {
		return identity.Canonical(strings.TrimPrefix(strings.ToUpper(name), "MN-"))
	}
	return identity.Canonical(name)
}

func printChatHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /msg <name> <text>     Send a chat message (sets the default target)")
	fmt.Println("  <text>                 Send to the default target")
	fmt.Println("  /connect <name>        Open a link to a peer")
	fmt.Println("  /contacts              List known contacts")
	fmt.Println("  /call <name>           Start a voice call")
	fmt.Println("  /videocall <name>      Start a video call")
	fmt.Println("  /accept  /reject       Answer or decline an incoming call")
	fmt.Println("  /hangup                End the active call")
	fmt.Println("  /block <name>          Hide a contact")
	fmt.Println("  /unblock <name>        Unhide a contact")
	fmt.Println("  /switch <name>         Log out and back in under a new name")
	fmt.Println("  /quit                  Exit")
}

func showUsage() {
	fmt.Println("Martam - peer to peer chat and calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  martam chat <directory> <display-name>   Run the terminal client")
	fmt.Println("  martam rendezvous <directory>            Run a standalone rendezvous server")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  chat <directory> <display-name>")
	fmt.Println("        Log in under the display name and chat from the terminal")
	fmt.Println("        The directory holds martam.json and the peer's key material")
	fmt.Println()
	fmt.Println("  rendezvous <directory>")
	fmt.Println("        Serve nickname registration and resolution for other peers")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Start a rendezvous server")
	fmt.Println("  martam rendezvous ./peers/server")
	fmt.Println()
	fmt.Println("  # Chat as Alice")
	fmt.Println("  martam chat ./peers/alice \"Alice Jones\"")
}

func printBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                     Martam Peer                        ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Println()

	if cfg.Rendezvous.Host {
		fmt.Printf("Rendezvous:     hosting on %s:%d\n", cfg.Rendezvous.Bind, cfg.Rendezvous.Port)
	} else {
		fmt.Printf("Rendezvous:     %s\n", cfg.Rendezvous.URL)
	}
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
