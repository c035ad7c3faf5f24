// Package telegram is a Bot API client covering the calls the agent needs:
// long polling, text and voice sends, chat actions and file downloads.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"lead-agent/internal/transport"
)

const (
	defaultBaseURL  = "https://api.telegram.org"
	maxDownloadSize = 20 << 20
)

// Client talks to the Bot API. Sends share one rate limiter so bursts
// across many conversations stay under the global bot limit.
type Client struct {
	http    *resty.Client
	baseURL string
	token   string
	limiter *rate.Limiter
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = resty.NewWithClient(hc)
		}
	}
}

// New creates a Client. rps bounds outbound sends; zero disables the limit.
func New(baseURL, token string, rps float64, opts ...Option) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram: token must not be empty")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		http:    resty.New().SetTimeout(60 * time.Second),
		baseURL: baseURL,
		token:   token,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	if rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http.SetHeader("User-Agent", "lead-agent/1.0")
	return c, nil
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// call performs one API method and decodes result into out.
func (c *Client) call(ctx context.Context, req *resty.Request, method string, out any) error {
	resp, err := req.SetContext(ctx).Post(c.methodURL(method))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &transport.Error{Kind: transport.Transient, Reason: method, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		if resp.StatusCode() >= 500 {
			return &transport.Error{Kind: transport.Transient, Code: resp.StatusCode(), Reason: method}
		}
		return fmt.Errorf("telegram: %s: decode response (status %d): %w", method, resp.StatusCode(), err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode()
		}
		return toError(code, env)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("telegram: %s: decode result: %w", method, err)
	}
	return nil
}

// toError classifies a failed API response.
func toError(code int, env envelope) *transport.Error {
	te := &transport.Error{Code: code, Reason: strings.TrimSpace(env.Description)}
	switch {
	case code == http.StatusTooManyRequests:
		te.Kind = transport.FloodWait
		if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
			te.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
	case code >= 500:
		te.Kind = transport.Transient
	default:
		te.Kind = transport.Rejected
		if status, ok := transport.UnreachableStatus(te.Reason); ok && (code == http.StatusForbidden || code == http.StatusBadRequest) {
			te.Kind = transport.RecipientUnreachable
			te.Status = status
		}
	}
	return te
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: rate limiter: %w", err)
	}
	return nil
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var u User
	err := c.call(ctx, c.http.R(), "getMe", &u)
	return u, err
}

// GetUpdates long-polls for updates starting at offset and returns the
// offset to use next.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	body := map[string]any{
		"timeout":         secs,
		"allowed_updates": []string{"message"},
	}
	if offset > 0 {
		body["offset"] = offset
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	var updates []Update
	if err := c.call(reqCtx, c.http.R().SetBody(body), "getUpdates", &updates); err != nil {
		return nil, offset, err
	}
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

// SendText sends a plain text message, optionally as a reply.
func (c *Client) SendText(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	body := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	if replyTo > 0 {
		body["reply_to_message_id"] = replyTo
		body["allow_sending_without_reply"] = true
	}
	var msg Message
	if err := c.call(ctx, c.http.R().SetBody(body), "sendMessage", &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// SendVoice uploads the audio file at path as a voice note.
func (c *Client) SendVoice(ctx context.Context, chatID int64, path string) (int64, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("telegram: voice path must not be empty")
	}
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	req := c.http.R().
		SetFormData(map[string]string{"chat_id": strconv.FormatInt(chatID, 10)}).
		SetFile("voice", path)
	var msg Message
	if err := c.call(ctx, req, "sendVoice", &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// SendChatAction shows a presence indicator for about five seconds.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	body := map[string]any{"chat_id": chatID, "action": action}
	return c.call(ctx, c.http.R().SetBody(body), "sendChatAction", nil)
}

// GetFile resolves a file id to a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	var f File
	if err := c.call(ctx, c.http.R().SetBody(map[string]any{"file_id": fileID}), "getFile", &f); err != nil {
		return File{}, err
	}
	if f.FilePath == "" {
		return File{}, errors.New("telegram: getFile returned no file path")
	}
	return f, nil
}

// Download fetches the content of a file by id.
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	f, err := c.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.FileSize > maxDownloadSize {
		return nil, fmt.Errorf("telegram: file too large: %d bytes", f.FileSize)
	}
	url := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, strings.TrimLeft(f.FilePath, "/"))
	resp, err := c.http.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return nil, fmt.Errorf("telegram: download: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("telegram: download: unexpected status %d", resp.StatusCode())
	}
	data, err := io.ReadAll(io.LimitReader(body, maxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("telegram: download: %w", err)
	}
	if len(data) > maxDownloadSize {
		return nil, errors.New("telegram: download exceeds size limit")
	}
	return data, nil
}
