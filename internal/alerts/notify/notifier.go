package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	alertapp "bandix-monitor/internal/alerts/application"
	alerts "bandix-monitor/internal/alerts/domain"
	"bandix-monitor/internal/observability/metrics"
)

// Clock provides time for cooldown bookkeeping.
type Clock interface {
	Now() time.Time
}

// LinkResolver provides a details link for an event when available.
type LinkResolver func(ctx context.Context, event alerts.Event) string

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier renders committed events and sends them through a channel.
type Notifier struct {
	channel        Channel
	channelName    string
	template       *Template
	clock          Clock
	logger         logrus.FieldLogger
	mu             sync.Mutex
	sent           map[string]sendRecord
	cooldown       time.Duration
	dedupeWindow   time.Duration
	link           LinkResolver
	requestTimeout time.Duration
}

// Option configures the notifier.
type Option func(*Notifier)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithRequestTimeout bounds a single delivery.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same rule and subject.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithLinkResolver injects a details link resolver.
func WithLinkResolver(resolver LinkResolver) Option {
	return func(n *Notifier) {
		if resolver != nil {
			n.link = resolver
		}
	}
}

// WithChannelName labels delivery metrics.
func WithChannelName(name string) Option {
	return func(n *Notifier) {
		if name != "" {
			n.channelName = name
		}
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNotifier constructs an alert notifier.
func NewNotifier(channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("alert notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		channel:        channel,
		channelName:    "webhook",
		template:       template,
		clock:          systemClock{},
		logger:         logrus.StandardLogger(),
		sent:           make(map[string]sendRecord),
		requestTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

var _ alertapp.Notifier = (*Notifier)(nil)

// Notify renders and delivers one event, blocking for at most the request
// timeout. Wrap it in a Queue to keep delivery off the caller's goroutine.
// Delivery failures are logged and counted; they never reach the engine.
func (n *Notifier) Notify(ctx context.Context, event alerts.Event) {
	if n == nil || n.channel == nil {
		return
	}
	link := ""
	if n.link != nil {
		link = n.link(ctx, event)
	}
	content, err := n.template.Render(buildTemplateData(event, link))
	if err != nil {
		n.logger.WithFields(logrus.Fields{"rule_id": event.RuleID, "err": err}).Error("render alert notification")
		metrics.IncNotify(n.channelName, metrics.ResultError)
		return
	}
	key := notificationKey(event.RuleID, event.Subject)
	if !n.shouldSend(key, content) {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.requestTimeout)
	defer cancel()
	if err := n.channel.Send(sendCtx, content); err != nil {
		n.logger.WithFields(logrus.Fields{
			"rule_id": event.RuleID,
			"subject": event.Subject,
			"channel": n.channelName,
			"err":     err,
		}).Warn("alert notification failed")
		metrics.IncNotify(n.channelName, metrics.ResultError)
		return
	}
	metrics.IncNotify(n.channelName, metrics.ResultSuccess)
	n.markSent(key, content)
}

func buildTemplateData(event alerts.Event, link string) TemplateData {
	return TemplateData{
		EventID:       event.ID,
		Rule:          event.RuleName,
		RuleID:        event.RuleID,
		Kind:          string(event.Kind),
		Subject:       event.Subject,
		Value:         formatValue(event),
		TriggeredAt:   event.TriggeredAt.UTC().Format(time.RFC3339),
		Severity:      string(event.Severity),
		SeverityLabel: strings.ToUpper(string(event.Severity)),
		Message:       event.Message,
		Link:          link,
	}
}

func formatValue(event alerts.Event) string {
	switch event.Kind {
	case alerts.KindThresholdRate:
		return alertapp.FormatRate(event.Value)
	case alerts.KindDeviceOffline:
		return fmt.Sprintf("%.0f min silent", event.Value)
	default:
		return fmt.Sprintf("%.2f", event.Value)
	}
}

func (n *Notifier) shouldSend(key, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	now := n.clock.Now().UTC()

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hashContent(content) && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(key, content string) {
	n.mu.Lock()
	n.sent[key] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(content),
	}
	n.mu.Unlock()
}

func notificationKey(ruleID int64, subject string) string {
	return fmt.Sprintf("%d|%s", ruleID, subject)
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
