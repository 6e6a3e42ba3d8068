// Package feishu posts text messages to a Feishu (Lark) custom bot webhook.
package feishu

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mickamy/notifybox"
)

const maxTextRunes = 4000

type Options struct {
	// Secret enables request signing when set.
	Secret  string
	Timeout time.Duration
	// RatePerSecond throttles calls; zero disables throttling.
	RatePerSecond float64
	Burst         int
	Client        *http.Client
	Now           func() time.Time
}

// Sender delivers notifications and tasks as Feishu text messages.
type Sender struct {
	url     string
	secret  string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

func New(url string, opts Options) *Sender {
	if opts.Timeout <= 0 {
		opts.Timeout = 6 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Sender{
		url:    url,
		secret: opts.Secret,
		client: opts.Client,
		now:    opts.Now,
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return s
}

// Send implements notifybox.Sender.
func (s *Sender) Send(ctx context.Context, n notifybox.Notification) error {
	return s.SendText(ctx, NotificationText(n))
}

// Handle implements notifybox.TaskHandler.
func (s *Sender) Handle(ctx context.Context, t notifybox.Task) error {
	return s.SendText(ctx, TaskText(t))
}

type message struct {
	MsgType   string      `json:"msg_type"`
	Content   textContent `json:"content"`
	Timestamp string      `json:"timestamp,omitempty"`
	Sign      string      `json:"sign,omitempty"`
}

type textContent struct {
	Text string `json:"text"`
}

// reply covers both response shapes the webhook is known to return.
type reply struct {
	StatusCode *int   `json:"StatusCode"`
	Code       *int   `json:"code"`
	Msg        string `json:"msg"`
}

func (s *Sender) SendText(ctx context.Context, text string) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("feishu rate limit: %w", err)
		}
	}

	msg := message{MsgType: "text", Content: textContent{Text: notifybox.TruncateError(text, maxTextRunes)}}
	if s.secret != "" {
		ts := strconv.FormatInt(s.now().Unix(), 10)
		msg.Timestamp = ts
		msg.Sign = Sign(ts, s.secret)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func(Body io.ReadCloser) { _ = Body.Close() }(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read feishu response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("feishu webhook failed: http=%d, body=%s", resp.StatusCode, raw)
	}
	var r reply
	if err := json.Unmarshal(raw, &r); err != nil {
		// Non-JSON 2xx bodies are accepted.
		return nil
	}
	if r.StatusCode != nil && *r.StatusCode != 0 {
		return fmt.Errorf("feishu webhook failed: StatusCode=%d, msg=%s", *r.StatusCode, r.Msg)
	}
	if r.Code != nil && *r.Code != 0 {
		return fmt.Errorf("feishu webhook failed: code=%d, msg=%s", *r.Code, r.Msg)
	}
	return nil
}

// Sign computes the webhook signature: HMAC-SHA256 keyed by
// "<timestamp>\n<secret>" over an empty message, base64 encoded.
func Sign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(timestamp+"\n"+secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// NotificationText renders the plain-text message for a result notification.
func NotificationText(n notifybox.Notification) string {
	r := n.Result
	branch := r.Branch
	if branch == "" {
		branch = "main"
	}
	author := r.Author
	if author == "" {
		author = "-"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[CodeReview] %s@%s #PR-%d by %s", r.Repo, branch, r.PRNumber, author)
	if summary := summaryLine(r.SummaryResult); summary != "" {
		b.WriteString("\n")
		b.WriteString(summary)
	}
	if url := r.ReportURL(); url != "" {
		b.WriteString("\n")
		b.WriteString(url)
	}
	return b.String()
}

// TaskText renders the plain-text message for a claimed task.
func TaskText(t notifybox.Task) string {
	return fmt.Sprintf("[%s] PR %s for %s", t.TemplateID, t.PRInfoID, t.Receiver)
}

// summaryLine extracts a short summary from the opaque summary region when it
// is a JSON string or an object with a "summary" string field.
func summaryLine(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.Summary)
	}
	return ""
}

// ErrMissingURL is returned by Validate when no webhook is configured.
var ErrMissingURL = errors.New("feishu: webhook url is required")

// Validate reports whether s can post anywhere.
func (s *Sender) Validate() error {
	if strings.TrimSpace(s.url) == "" {
		return ErrMissingURL
	}
	return nil
}
