// Package notify delivers status lines and permission prompts to the user.
package notify

import (
	"context"
	"log"
	"sync"
)

// Sender delivers a single text message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Notifier suppresses repeated status lines and forwards prompts as-is.
type Notifier struct {
	sender Sender

	mu         sync.Mutex
	lastStatus string
}

// New wraps sender.
func New(sender Sender) *Notifier {
	return &Notifier{sender: sender}
}

// Status sends text unless it equals the previous status.
func (n *Notifier) Status(ctx context.Context, text string) error {
	n.mu.Lock()
	if text == n.lastStatus {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if err := n.sender.Send(ctx, text); err != nil {
		return err
	}
	n.mu.Lock()
	n.lastStatus = text
	n.mu.Unlock()
	return nil
}

// Prompt sends an actionable message.
func (n *Notifier) Prompt(ctx context.Context, text string) error {
	return n.sender.Send(ctx, text)
}

// LogSender writes messages to a logger.
type LogSender struct {
	logger *log.Logger
}

// NewLogSender builds a LogSender. A nil logger uses a "[notify] " prefix on the default writer.
func NewLogSender(logger *log.Logger) *LogSender {
	if logger == nil {
		logger = log.New(log.Writer(), "[notify] ", log.LstdFlags)
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, text string) error {
	s.logger.Print(text)
	return nil
}
