package kiosk

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ericchongums/kopikap-dashboard/internal/board"
)

// Stream yields frames of one board.
type Stream interface {
	Recv() (board.Frame, error)
}

// OpenFunc opens a frame stream for the named board.
type OpenFunc func(ctx context.Context, name string) (Stream, error)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 15 * time.Second
)

// Pump forwards frames of one board to send until ctx is done. A broken stream is
// reported as ErrMsg and reopened with exponential backoff.
func Pump(ctx context.Context, open OpenFunc, name string, send func(tea.Msg)) {
	backoff := minBackoff
	for ctx.Err() == nil {
		err := pumpOnce(ctx, open, name, send, func() { backoff = minBackoff })
		if ctx.Err() != nil {
			return
		}
		send(ErrMsg{Board: name, Err: err})
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func pumpOnce(ctx context.Context, open OpenFunc, name string, send func(tea.Msg), healthy func()) error {
	s, err := open(ctx, name)
	if err != nil {
		return err
	}
	for {
		f, err := s.Recv()
		if err != nil {
			return err
		}
		healthy()
		send(FrameMsg{Frame: f})
	}
}
