// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Program cbchat is a command-line chat client for a causal broadcast network.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creachadair/cbcast"
	"github.com/creachadair/cbcast/channel"
	"github.com/creachadair/cbcast/frame"
	"github.com/creachadair/cbcast/message"
	"github.com/creachadair/cbcast/peers"
	"github.com/creachadair/cbcast/registry"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/value"
)

var runFlags struct {
	ID          string        `flag:"id,Process ID (default: random)"`
	Listen      string        `flag:"listen,default=localhost:0,Address to accept peers on"`
	Advertise   string        `flag:"advertise,Address to register for other peers (default: from -listen)"`
	Peers       string        `flag:"peers,Comma-separated addresses of peers to join"`
	Registry    string        `flag:"registry,Address of a peer registry"`
	Transport   string        `flag:"transport,default=tcp,Peer transport (tcp or quic)"`
	Workers     int           `flag:"workers,default=2,Number of message workers"`
	JoinTimeout time.Duration `flag:"join-timeout,default=5s,How long to wait for a peer to answer HELLO"`
	SendTimeout time.Duration `flag:"send-timeout,default=10s,Timeout for each send to a peer"`
	MaxFrame    int           `flag:"max-frame,default=16777216,Maximum message size in bytes"`
	Debug       bool          `flag:"debug,Enable debug logging"`
	Trace       bool          `flag:"trace,Log every message exchanged with peers"`
}

var registryFlags struct {
	Listen string `flag:"listen,default=localhost:5000,Address to accept registry requests on"`
	Debug  bool   `flag:"debug,Enable debug logging"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "A chat client for a peer-to-peer network with causal broadcast.",
		Commands: []*command.C{
			{
				Name:  "run",
				Usage: "[flags]",
				Help: `Join a chat network and chat on the terminal.

Each line read from stdin is broadcast to the network. Messages from
other processes are printed as they are delivered. The following
commands are also understood:

  /peers  : list connected peers
  /clock  : print the local vector clock
  /quit   : leave the network

If -peers or -registry name any reachable peers, the process joins
their network. Otherwise it waits for the first peer to contact it.`,
				SetFlags: command.Flags(flax.MustBind, &runFlags),
				Run:      runChat,
			},
			{
				Name:     "registry",
				Usage:    "[flags]",
				Help:     "Run a peer registry server.",
				SetFlags: command.Flags(flax.MustBind, &registryFlags),
				Run:      runRegistry,
			},
			{
				Name: "decode",
				Help: `Decode framed messages from stdin and print them.

The input is a stream of length-prefixed frames as exchanged between
peers. Frames that do not contain a valid message are reported and
skipped.`,
				Run: runDecode,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func newLogger(debug bool) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: value.Cond(debug, slog.LevelDebug, slog.LevelInfo),
	}))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// listen opens a listener for the selected transport and returns an accepter,
// a dialer, and the address at which peers can reach the listener.
func listen(transport, addr string, opts *channel.Options) (cbcast.Accepter, cbcast.Dialer, string, error) {
	switch transport {
	case "tcp":
		lst, err := net.Listen(peers.SplitAddress(addr))
		if err != nil {
			return nil, nil, "", err
		}
		return peers.NetAccepter(lst, opts), peers.NetDialer(opts), lst.Addr().String(), nil
	case "quic":
		lst, err := peers.ListenQUIC(addr)
		if err != nil {
			return nil, nil, "", err
		}
		return peers.QUICAccepter(lst, opts), peers.QUICDialer(opts), lst.Addr().String(), nil
	default:
		return nil, nil, "", fmt.Errorf("unknown transport %q", transport)
	}
}

// advertiseAddr returns the address to register for a listener bound at
// bound. If the listener accepts on every interface, the host is omitted so
// that the registry fills in the host from which the node registers.
func advertiseAddr(advertise, bound string) string {
	if advertise != "" {
		return advertise
	}
	host, port, err := net.SplitHostPort(bound)
	if err != nil {
		return bound
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		return net.JoinHostPort("", port)
	}
	return bound
}

func splitPeers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runChat(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	log := newLogger(runFlags.Debug)
	copts := &channel.Options{MaxFrame: runFlags.MaxFrame, SendTimeout: runFlags.SendTimeout}
	acc, dial, addr, err := listen(runFlags.Transport, runFlags.Listen, copts)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("listening", "addr", addr, "transport", runFlags.Transport)

	opts := &cbcast.NodeOptions{
		Workers:     runFlags.Workers,
		JoinTimeout: runFlags.JoinTimeout,
		Dialer:      dial,
		Address:     advertiseAddr(runFlags.Advertise, addr),
		Logger:      log,
	}
	if runFlags.Registry != "" {
		opts.Directory = registry.Client{Addr: runFlags.Registry}
	}

	var μ sync.Mutex
	out := bufio.NewWriter(os.Stdout)
	say := func(format string, args ...any) {
		μ.Lock()
		defer μ.Unlock()
		fmt.Fprintf(out, format+"\n", args...)
		out.Flush()
	}
	node := cbcast.NewNode(runFlags.ID, opts).
		OnDeliver(func(sender, text string) { say("[%s] %s", sender, text) }).
		OnStatus(func(msg string, isError bool) { say("%s %s", value.Cond(isError, "!", "*"), msg) }).
		OnReady(func() { say("* ready: type a message and press enter") })
	if runFlags.Trace {
		node.LogMessages(func(m cbcast.MessageInfo) { log.Debug("message", "trace", m) })
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := node.Start(ctx, acc, splitPeers(runFlags.Peers)...); err != nil {
		return err
	}
	defer node.Stop()
	say("* process %s at %s", node.ID(), addr)

	// The console reader cannot be interrupted, so it is not waited for.
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch line = strings.TrimSpace(line); line {
			case "":
				continue
			case "/quit":
				return nil
			case "/peers":
				say("* peers: %s", strings.Join(node.Peers(), ", "))
			case "/clock":
				say("* clock: %v", node.Clock())
			default:
				if _, err := node.Submit(line); errors.Is(err, cbcast.ErrNotReady) {
					say("! not connected to a network yet")
				} else if err != nil {
					return err
				}
			}
		}
	}
}

func runRegistry(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	lst, err := net.Listen(peers.SplitAddress(registryFlags.Listen))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log := newLogger(registryFlags.Debug)
	log.Info("registry listening", "addr", lst.Addr().String())

	ctx, cancel := signalContext()
	defer cancel()
	srv := &registry.Server{Logger: log}
	return srv.Serve(ctx, lst)
}

func runDecode(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	in := bufio.NewReader(os.Stdin)
	for i := 1; ; i++ {
		data, err := frame.Read(in, frame.DefaultMaxSize)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		msg, err := message.Decode(data)
		if err != nil {
			fmt.Printf("%d: invalid: %v\n", i, err)
			continue
		}
		fmt.Printf("%d: %v\n", i, msg)
		if rsp, ok := msg.(*message.HelloResponse); ok {
			for _, b := range rsp.Undelivered {
				fmt.Printf("  %v\n", b)
			}
		}
	}
}
