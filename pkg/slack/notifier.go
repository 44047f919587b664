package slack

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaydesk/agentd/pkg/services"
)

const (
	defaultPollInterval = 30 * time.Second
	postTimeout         = 5 * time.Second
)

// NotifierConfig holds the parameters needed to construct a Notifier.
type NotifierConfig struct {
	Token   string
	Channel string
	// PollInterval is how often active warnings are diffed against the
	// last posted set. Zero takes the default.
	PollInterval time.Duration
}

// Notifier mirrors the in-memory system warnings into a Slack channel. Each
// new category+source warning is posted once; when it clears, a resolved
// reply is threaded under the original message.
//
// Nil-safe: all methods are no-ops when the notifier is nil, so callers can
// hold a nil *Notifier when Slack is not configured.
type Notifier struct {
	client   *Client
	warnings *services.SystemWarningsService
	interval time.Duration
	logger   *slog.Logger

	// posted maps category+"|"+source to the Slack ts of the warning post.
	posted map[string]string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier creates a warning notifier. Returns nil if Token or Channel is
// empty.
func NewNotifier(cfg NotifierConfig, warnings *services.SystemWarningsService, logger *slog.Logger) *Notifier {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return newNotifierWithClient(NewClient(cfg.Token, cfg.Channel), warnings, cfg.PollInterval, logger)
}

// NewNotifierWithClient creates a Notifier backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewNotifierWithClient(client *Client, warnings *services.SystemWarningsService, logger *slog.Logger) *Notifier {
	return newNotifierWithClient(client, warnings, 0, logger)
}

func newNotifierWithClient(client *Client, warnings *services.SystemWarningsService, interval time.Duration, logger *slog.Logger) *Notifier {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client:   client,
		warnings: warnings,
		interval: interval,
		logger:   logger.With("component", "slack-notifier"),
		posted:   make(map[string]string),
	}
}

// Start launches the background poll loop.
func (n *Notifier) Start(ctx context.Context) {
	if n == nil || n.cancel != nil {
		return
	}
	ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})

	go n.run(ctx)

	n.logger.Info("Slack warning notifier started", "interval", n.interval)
}

// Stop signals the poll loop to exit and waits for it to finish.
func (n *Notifier) Stop() {
	if n == nil || n.cancel == nil {
		return
	}
	n.cancel()
	<-n.done
	n.logger.Info("Slack warning notifier stopped")
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Sync(ctx)
		}
	}
}

// Sync posts one message per newly appeared warning and one threaded
// resolved reply per cleared warning. Fail-open: delivery errors are logged
// and the warning is retried on the next pass.
func (n *Notifier) Sync(ctx context.Context) {
	if n == nil {
		return
	}

	active := make(map[string]*services.SystemWarning)
	for _, w := range n.warnings.GetWarnings() {
		active[warningKey(w.Category, w.Source)] = w
	}

	for key, w := range active {
		if _, ok := n.posted[key]; ok {
			continue
		}
		ts, err := n.client.PostMessage(ctx, BuildWarningMessage(w), "", postTimeout)
		if err != nil {
			n.logger.Error("Failed to post warning to Slack",
				"category", w.Category, "source", w.Source, "error", err)
			continue
		}
		n.posted[key] = ts
	}

	for key, ts := range n.posted {
		if _, ok := active[key]; ok {
			continue
		}
		category, source := splitWarningKey(key)
		if _, err := n.client.PostMessage(ctx, BuildResolvedMessage(category, source), ts, postTimeout); err != nil {
			n.logger.Error("Failed to post resolution to Slack",
				"category", category, "source", source, "error", err)
		}
		// Forget the warning either way so a flapping source posts a fresh
		// message next time instead of replying to a stale thread forever.
		delete(n.posted, key)
	}
}

func warningKey(category, source string) string {
	return category + "|" + source
}

func splitWarningKey(key string) (category, source string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
