package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultAPIBase     = "https://api.telegram.org"
	defaultSendTimeout = 2 * time.Minute
)

// BotConfig configures the bot API channel.
type BotConfig struct {
	Token string
	// APIBase overrides the bot API origin, used by tests and self-hosted
	// gateways.
	APIBase string
	Timeout time.Duration
	Client  *http.Client
}

// Bot delivers clips through the Telegram bot API. Text notices go out as
// sendMessage JSON calls; clip files stream through multipart sendVideo
// uploads.
type Bot struct {
	token   string
	apiBase string
	client  *http.Client
}

// NewBot constructs a bot API channel. The token is required; everything
// else has working defaults.
func NewBot(cfg BotConfig) (*Bot, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultSendTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Bot{token: token, apiBase: apiBase, client: client}, nil
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (b *Bot) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.apiBase, b.token, method)
}

func (b *Bot) SendText(ctx context.Context, recipient, text string) error {
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("recipient chat id is required")
	}
	payload, err := json.Marshal(map[string]string{
		"chat_id": recipient,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, "sendMessage")
}

func (b *Bot) SendFile(ctx context.Context, recipient, path, caption string) error {
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("recipient chat id is required")
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open clip file: %w", err)
	}
	defer file.Close()

	// Stream the multipart body through a pipe so large clips never load
	// into memory.
	pipeReader, pipeWriter := io.Pipe()
	writer := multipart.NewWriter(pipeWriter)
	go func() {
		var err error
		defer func() { pipeWriter.CloseWithError(err) }()
		if err = writer.WriteField("chat_id", recipient); err != nil {
			return
		}
		if caption != "" {
			if err = writer.WriteField("caption", caption); err != nil {
				return
			}
		}
		var part io.Writer
		part, err = writer.CreateFormFile("video", filepath.Base(path))
		if err != nil {
			return
		}
		if _, err = io.Copy(part, file); err != nil {
			return
		}
		err = writer.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendVideo"), pipeReader)
	if err != nil {
		return fmt.Errorf("build sendVideo request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return b.do(req, "sendVideo")
}

func (b *Bot) do(req *http.Request, method string) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("%s: unexpected response (status %d)", method, resp.StatusCode)
	}
	if !parsed.OK {
		reason := strings.TrimSpace(parsed.Description)
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("%s rejected: %s", method, reason)
	}
	return nil
}

var _ Channel = (*Bot)(nil)
var _ Channel = Noop{}
