// Command partydemo runs an interactive party session over the
// simulated radio. Start one host process and up to four joiner
// processes on the same machine; whatever one side types arrives on the
// other, fragmented and reassembled exactly as it would be in a game.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/tandemloop/blelink/config"
	"github.com/tandemloop/blelink/logger"
	"github.com/tandemloop/blelink/session"
	"github.com/tandemloop/blelink/wire"
)

func main() {
	role := flag.String("role", "", "host | joiner (interactive prompt when empty)")
	name := flag.String("name", "", "display name shown to peers")
	configPath := flag.String("config", "", "optional YAML config file")
	logLevel := flag.String("log", "", "log level override (trace|debug|info|warn|error)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			pterm.Error.Printfln("Config: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger.SetLevel(logger.ParseLevel(level))

	pterm.Info.Println("blelink party demo")
	pterm.Println()

	r := *role
	if r == "" {
		choice, _ := pterm.DefaultInteractiveSelect.
			WithOptions([]string{"Host   — open a party", "Joiner — find and join a party"}).
			WithDefaultText("Select your role").
			Show()
		pterm.Println()
		if strings.HasPrefix(choice, "Host") {
			r = "host"
		} else {
			r = "joiner"
		}
	}

	display := *name
	if display == "" {
		display, _ = pterm.DefaultInteractiveTextInput.
			WithDefaultText("Display name").
			Show()
		pterm.Println()
		if display == "" {
			display = "Player"
		}
	}

	switch r {
	case "host":
		runHost(cfg, display)
	case "joiner":
		runJoiner(cfg, display)
	default:
		pterm.Error.Printfln("Invalid -role %q: must be host or joiner", r)
		os.Exit(1)
	}
}

func runHost(cfg *config.Config, display string) {
	link := wire.NewWire(uuid.NewString())
	host, err := session.NewHost(cfg, link, display, chatEvents())
	if err != nil {
		pterm.Error.Printfln("Starting host: %v", err)
		os.Exit(1)
	}
	defer host.Close()

	host.StartAdvertising(display)
	pterm.Success.Printfln("Hosting as %q — waiting for joiners (up to %d)", display, cfg.MaxPeers)
	pterm.Println("Type a line to broadcast it; /quit leaves.")

	for {
		line, _ := pterm.DefaultInteractiveTextInput.Show()
		if line == "/quit" {
			return
		}
		if line == "" {
			continue
		}
		if err := host.Send(session.Packet{Payload: []byte(line)}); err != nil {
			pterm.Warning.Printfln("Send: %v", err)
		}
	}
}

func runJoiner(cfg *config.Config, display string) {
	link := wire.NewWire(uuid.NewString())
	joiner, err := session.NewJoiner(cfg, link, display, chatEvents())
	if err != nil {
		pterm.Error.Printfln("Starting joiner: %v", err)
		os.Exit(1)
	}
	defer joiner.Close()

	spinner, _ := pterm.DefaultSpinner.Start("Scanning for parties...")
	found := make(chan wire.Discovery, 8)
	joiner.StartScanning(10*time.Second, func(d wire.Discovery) {
		select {
		case found <- d:
		default:
		}
	})

	var hosts []wire.Discovery
	collect := time.After(3 * time.Second)
collecting:
	for {
		select {
		case d := <-found:
			hosts = append(hosts, d)
			if len(hosts) >= 8 {
				break collecting
			}
		case <-collect:
			break collecting
		}
	}
	joiner.StopScanning()
	spinner.Stop()

	if len(hosts) == 0 {
		pterm.Error.Println("No parties found")
		os.Exit(1)
	}

	options := make([]string, len(hosts))
	for i, d := range hosts {
		options[i] = fmt.Sprintf("%s (%s)", d.Name, d.Handle)
	}
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("Join which party?").
		Show()
	pterm.Println()

	var target wire.Discovery
	for i, opt := range options {
		if opt == choice {
			target = hosts[i]
		}
	}

	if err := joiner.Connect(target); err != nil {
		pterm.Error.Printfln("Join failed: %v", err)
		os.Exit(1)
	}
	pterm.Success.Printfln("Joined %q", target.Name)
	pterm.Println("Type a line to send it to the host; /quit leaves.")

	for {
		line, _ := pterm.DefaultInteractiveTextInput.Show()
		if line == "/quit" {
			joiner.Disconnect()
			return
		}
		if line == "" {
			continue
		}
		if err := joiner.Send(session.Packet{Payload: []byte(line)}); err != nil {
			pterm.Warning.Printfln("Send: %v", err)
		}
	}
}

func chatEvents() session.Events {
	return session.Events{
		OnPeerConnected: func(peerID, displayName string) {
			pterm.Success.Printfln("%s joined the party", displayName)
		},
		OnPeerDisconnected: func(peerID string) {
			pterm.Warning.Printfln("Peer %s left", peerID)
		},
		OnDataReceived: func(peerID string, data []byte) {
			pterm.Printfln("%s> %s", peerID[:8], string(data))
		},
	}
}
