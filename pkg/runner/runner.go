package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run on the lifecycle goroutine. OnStart may fail the run.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func()
}

// Drainer releases the conversation (microphone, playback, session) on shutdown.
type Drainer interface {
	Drain() error
}

// DrainFunc adapts a plain function such as Machine.Stop to Drainer.
type DrainFunc func() error

func (f DrainFunc) Drain() error { return f() }

var Version = "dev"

// BannerOutput is where PrintBanner writes; nil disables the banner.
var BannerOutput io.Writer = os.Stdout

func PrintBanner() {
	if BannerOutput == nil {
		return
	}
	tpl := "{{ .Title \"SIAVOICE\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(BannerOutput, true, false, bytes.NewBufferString(tpl))
}
