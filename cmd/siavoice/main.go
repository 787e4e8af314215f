package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harunnryd/siavoice/pkg/conversation"
	"github.com/harunnryd/siavoice/pkg/events"
	"github.com/harunnryd/siavoice/pkg/observers"
	"github.com/harunnryd/siavoice/pkg/siavoice"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults apply when empty)")
	typed := flag.Bool("stdin", false, "send each line read from stdin as a typed message")
	flag.Parse()

	cfg, err := siavoice.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "siavoice: %v\n", err)
		os.Exit(2)
	}
	client, err := siavoice.NewClient(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "siavoice: %v\n", err)
		os.Exit(1)
	}

	out := &console{w: os.Stdout}
	client.Machine().AddListener(out)
	client.Machine().AddEventListener(out)
	client.OnTurn(out.turn)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *typed {
		go readTyped(ctx, os.Stdin, client.Machine())
	}
	if err := client.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "siavoice: %v\n", err)
		os.Exit(1)
	}
}

func readTyped(ctx context.Context, r io.Reader, m *conversation.Machine) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := m.SendText(ctx, line); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			fmt.Fprintf(os.Stderr, "not sent: %v\n", err)
		}
	}
}

// console prints the conversation the way the web client shows it: state,
// connection indicator, transcripts and replies.
type console struct {
	w io.Writer
}

func (c *console) OnStateChange(ch conversation.StateChange) {
	if ch.Message != "" {
		fmt.Fprintf(c.w, "[%s] %s\n", ch.ToState, ch.Message)
		return
	}
	fmt.Fprintf(c.w, "[%s]\n", ch.ToState)
}

func (c *console) OnConversationEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.Transcript:
		fmt.Fprintf(c.w, "you: %s\n", e.Text)
	case events.AudioReply:
		if e.Text != "" {
			fmt.Fprintf(c.w, "sia: %s\n", e.Text)
		}
	case events.TextReply:
		fmt.Fprintf(c.w, "sia: %s\n", e.Text)
	case events.Connection:
		switch {
		case e.Connected:
			fmt.Fprintln(c.w, "(connected)")
		case e.Final:
			fmt.Fprintln(c.w, "(failed to connect)")
		default:
			fmt.Fprintln(c.w, "(disconnected, retrying)")
		}
	}
}

func (c *console) turn(t observers.TurnLatency) {
	if t.FirstReplyMS >= 0 {
		fmt.Fprintf(c.w, "(reply in %d ms)\n", t.FirstReplyMS)
	}
}
