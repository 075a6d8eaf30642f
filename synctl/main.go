package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"scenesync.dev/scenesync/scenesync"
)

const SynctlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Scene sync control.

Runs a relay, joins a session headless, or maintains a relay log.
With --auth the shared secret is read from SYNCTL_AUTH_SECRET or prompted.

Usage:
    synctl relay [--config=<path>] [--bind=<addr>] [--port=<port>]
        [--persist=<dir>] [--auth]
    synctl join [--config=<path>] [--url=<url>] [--room=<room>]
        [--client=<id>] [--type=<type>]... [--auth]
    synctl log dump <path>
    synctl log compact <path>

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<path>      Toml config file.
    --bind=<addr>        Relay bind address.
    --port=<port>        Relay port (default 25600).
    --persist=<dir>      Persist room logs under this directory.
    --url=<url>          Relay url, e.g. ws://127.0.0.1:25600.
    --room=<room>        Room name.
    --client=<id>        Stable client id (uuid). Keeps the relay resume
                         point when the same client rejoins.
    --type=<type>        Replicated data-block type (repeatable).
    --auth               Require (relay) or present (join) session auth.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SynctlVersion)
	if err != nil {
		panic(err)
	}

	if relay_, _ := opts.Bool("relay"); relay_ {
		relay(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if log_, _ := opts.Bool("log"); log_ {
		if dump_, _ := opts.Bool("dump"); dump_ {
			logDump(opts)
		} else if compact_, _ := opts.Bool("compact"); compact_ {
			logCompact(opts)
		}
	}
}

func loadConfig(opts docopt.Opts) *scenesync.Config {
	if path, err := opts.String("--config"); err == nil && path != "" {
		config, err := scenesync.LoadConfig(path)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		return config
	}
	return scenesync.DefaultConfig()
}

func authSecret(opts docopt.Opts) string {
	if auth, _ := opts.Bool("--auth"); !auth {
		return ""
	}
	if secret := os.Getenv("SYNCTL_AUTH_SECRET"); secret != "" {
		return secret
	}
	fmt.Fprint(os.Stderr, "auth secret: ")
	secretBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("cannot read secret: %s", err)
	}
	return string(secretBytes)
}

func relay(opts docopt.Opts) {
	config := loadConfig(opts)
	if bind, err := opts.String("--bind"); err == nil && bind != "" {
		config.Relay.Bind = bind
	}
	if port, err := opts.Int("--port"); err == nil && 0 < port {
		config.Relay.Port = port
	}
	if persist, err := opts.String("--persist"); err == nil && persist != "" {
		config.Relay.PersistDir = persist
	}

	settings := config.Relay.RelaySettings()
	settings.AuthSecret = authSecret(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := scenesync.NewRelay(cancelCtx, settings)
	defer r.Close()
	if err := r.Listen(config.Relay.Address()); err != nil {
		Err.Fatalf("cannot listen on %s: %s", config.Relay.Address(), err)
	}
	Out.Printf("relay listening on %s", r.Addr())

	waitForInterrupt()
	Out.Printf("shutting down")
}

// join runs a headless in-memory client. useful to keep a room warm, to
// sanity check a relay, and as a reference host integration.
func join(opts docopt.Opts) {
	config := loadConfig(opts)
	if url, err := opts.String("--url"); err == nil && url != "" {
		config.Client.Url = url
	}
	if room, err := opts.String("--room"); err == nil && room != "" {
		config.Client.Room = room
	}
	if typesOpt, ok := opts["--type"]; ok {
		if types, ok := typesOpt.([]string); ok && 0 < len(types) {
			config.Client.Types = types
		}
	}

	settings := config.Client.SynchronizerSettings()
	settings.AuthSecret = authSecret(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientId := scenesync.NewId()
	if idStr, err := opts.String("--client"); err == nil && idStr != "" {
		parsedId, parseErr := scenesync.ParseId(idStr)
		if parseErr != nil {
			Err.Fatalf("bad client id %s: %s", idStr, parseErr)
		}
		clientId = parsedId
	}
	graph := scenesync.NewGraph()
	synchronizer := scenesync.NewSynchronizer(cancelCtx, clientId, graph, settings)
	defer synchronizer.Close()
	synchronizer.AutoSync(config.Client.PollInterval())

	Out.Printf("joined %s as %s", config.Client.Room, clientId)

	interrupt := interruptChan()
	for {
		select {
		case <-interrupt:
			Out.Printf("leaving")
			return
		case event := <-synchronizer.Monitor():
			switch event.Kind {
			case scenesync.SyncEventStateChange:
				Out.Printf("state: %s (%d blocks, sequence %d)", event.State, graph.Len(), synchronizer.LastSequence())
			case scenesync.SyncEventWarning:
				Out.Printf("warning: %s", event.Err)
			}
		}
	}
}

func logDump(opts docopt.Opts) {
	path, _ := opts.String("<path>")
	store, records, err := scenesync.OpenLogStore(path)
	if err != nil {
		Err.Fatalf("cannot open %s: %s", path, err)
	}
	store.Close()
	for _, record := range records {
		origin := ""
		if originId, err := scenesync.IdFromBytes(record.OriginClientId); err == nil {
			origin = originId.String()
		}
		Out.Printf("%s origin=%s fields=%d", record, origin, len(record.Payload))
	}
	Out.Printf("%d records", len(records))
}

func logCompact(opts docopt.Opts) {
	path, _ := opts.String("<path>")
	before, after, err := scenesync.CompactLogFile(path)
	if err != nil {
		Err.Fatalf("cannot compact %s: %s", path, err)
	}
	Out.Printf("compacted %s: %d -> %d records", path, before, after)
}

func interruptChan() chan os.Signal {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	return interrupt
}

func waitForInterrupt() {
	<-interruptChan()
}
