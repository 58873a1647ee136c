// Package notify pushes ntfy and desktop notifications when a tab starts
// playing.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/tabmix/internal/tabaudio"
)

const (
	queueSize   = 16
	sendTimeout = 10 * time.Second
)

// Message is one ntfy notification.
type Message struct {
	Title string
	Body  string
	Tags  []string
}

// Send posts msg to the ntfy topic URL endpoint.
func Send(ctx context.Context, client *http.Client, endpoint string, msg Message) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(msg.Body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")
	if msg.Title != "" {
		req.Header.Set("Title", msg.Title)
	}
	if len(msg.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.Tags, ","))
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

// Sender delivers one message to a notification service.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Ntfy posts messages to an ntfy topic URL.
type Ntfy struct {
	Client   *http.Client
	Endpoint string
}

func (n Ntfy) Send(ctx context.Context, msg Message) error {
	return Send(ctx, n.Client, n.Endpoint, msg)
}

// Notifier is a tabaudio.Observer that sends a notification for every
// unmuted tab that starts playing. Tabs already playing in the first
// snapshot it sees are not reported. Sending happens on a background
// goroutine so observers are never held up by the network.
type Notifier struct {
	senders []Sender

	queue chan Message
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	mu     sync.Mutex
	prev   *tabaudio.Snapshot
	primed bool
}

// NewNotifier starts a notifier delivering to every sender.
func NewNotifier(senders ...Sender) *Notifier {
	n := &Notifier{
		senders: senders,
		queue:   make(chan Message, queueSize),
		done:    make(chan struct{}),
	}
	n.wg.Add(1)
	go n.sendLoop()
	return n
}

func (n *Notifier) TabsUpdated(snap *tabaudio.Snapshot) error {
	n.mu.Lock()
	prev, primed := n.prev, n.primed
	n.prev, n.primed = snap, true
	n.mu.Unlock()
	if !primed {
		return nil
	}

	for _, c := range tabaudio.Diff(prev, snap) {
		if c.Kind != tabaudio.ChangeStarted || c.Tab.Muted {
			continue
		}
		select {
		case n.queue <- startedMessage(c.Tab):
		case <-n.done:
			return nil
		default:
			return fmt.Errorf("notification queue full, dropped %s", c.Tab.Tab)
		}
	}
	return nil
}

func startedMessage(r tabaudio.Record) Message {
	body := r.Label()
	if r.Title != "" {
		body = r.Title + "\n" + body
	}
	return Message{
		Title: "Tab started playing",
		Body:  body,
		Tags:  []string{"loud_sound"},
	}
}

func (n *Notifier) sendLoop() {
	defer n.wg.Done()
	for {
		select {
		case msg := <-n.queue:
			n.deliver(msg)
		case <-n.done:
			return
		}
	}
}

func (n *Notifier) deliver(msg Message) {
	for _, s := range n.senders {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := s.Send(ctx, msg); err != nil {
			slog.Warn("notification send failed", "sender", fmt.Sprintf("%T", s), "error", err)
		} else {
			slog.Debug("notification sent", "sender", fmt.Sprintf("%T", s), "title", msg.Title)
		}
		cancel()
	}
}

// Close stops the sender. Queued notifications are discarded.
func (n *Notifier) Close() {
	n.once.Do(func() {
		close(n.done)
		n.wg.Wait()
	})
}
