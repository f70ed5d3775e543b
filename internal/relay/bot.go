package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the public bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// BotConfig configures a bot API client.
type BotConfig struct {
	// Token is the bot credential.
	Token string

	// BaseURL is the API root (default: DefaultBaseURL).
	BaseURL string

	// HTTPClient performs requests (default: client with Timeout).
	HTTPClient *http.Client

	// Timeout bounds a single request when HTTPClient is nil (default: 2m).
	Timeout time.Duration
}

// BotClient implements Client over a Telegram-style bot HTTP API.
type BotClient struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewBotClient creates a client for cfg.Token.
func NewBotClient(cfg BotConfig) (*BotClient, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &BotClient{
		token:   cfg.Token,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
	}, nil
}

// apiResponse is the envelope of every bot API reply.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type apiDocument struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

type apiMessage struct {
	MessageID int64        `json:"message_id"`
	Text      string       `json:"text"`
	Caption   string       `json:"caption"`
	Document  *apiDocument `json:"document"`
}

func (m *apiMessage) toMessage() *Message {
	msg := &Message{ID: m.MessageID, Text: m.Text, Caption: m.Caption}
	if m.Document != nil {
		msg.Attachment = &Attachment{
			FileID: m.Document.FileID,
			Name:   m.Document.FileName,
			Size:   m.Document.FileSize,
		}
	}
	return msg
}

func (c *BotClient) methodURL(method string) string {
	return c.baseURL + "/bot" + c.token + "/" + method
}

// call posts a JSON body and decodes the result into out (if non-nil).
func (c *BotClient) call(ctx context.Context, method string, params map[string]any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return &Error{Op: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, out)
}

func (c *BotClient) do(req *http.Request, method string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: method, Err: err}
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &Error{Op: method, StatusCode: resp.StatusCode, Description: resp.Status}
		}
		return &Error{Op: method, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		rerr := &Error{Op: method, StatusCode: code, Description: env.Description}
		if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
			rerr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		} else if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				rerr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return rerr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &Error{Op: method, Err: fmt.Errorf("failed to decode result: %w", err)}
	}
	return nil
}

// SendText implements Client.
func (c *BotClient) SendText(ctx context.Context, dest, text string) (*Message, error) {
	var m apiMessage
	if err := c.call(ctx, "sendMessage", map[string]any{"chat_id": dest, "text": text}, &m); err != nil {
		return nil, err
	}
	return m.toMessage(), nil
}

// SendDocument implements Client. The body is streamed into a multipart
// request through a pipe; it is never buffered whole.
func (c *BotClient) SendDocument(ctx context.Context, dest string, doc Document) (*Message, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeDocumentForm(mw, dest, doc)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendDocument"), pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, &Error{Op: "sendDocument", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var m apiMessage
	if err := c.do(req, "sendDocument", &m); err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	return m.toMessage(), nil
}

func writeDocumentForm(mw *multipart.Writer, dest string, doc Document) error {
	if err := mw.WriteField("chat_id", dest); err != nil {
		return err
	}
	if doc.Caption != "" {
		if err := mw.WriteField("caption", doc.Caption); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("document", doc.Name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, doc.Body)
	return err
}

// Pin implements Client.
func (c *BotClient) Pin(ctx context.Context, dest string, messageID int64) error {
	return c.call(ctx, "pinChatMessage", map[string]any{
		"chat_id":              dest,
		"message_id":           messageID,
		"disable_notification": true,
	}, nil)
}

// GetPinned implements Client.
func (c *BotClient) GetPinned(ctx context.Context, dest string) (*Message, error) {
	var chat struct {
		PinnedMessage *apiMessage `json:"pinned_message"`
	}
	if err := c.call(ctx, "getChat", map[string]any{"chat_id": dest}, &chat); err != nil {
		return nil, err
	}
	if chat.PinnedMessage == nil {
		return nil, ErrNoPinned
	}
	return chat.PinnedMessage.toMessage(), nil
}

// Forward implements Client.
func (c *BotClient) Forward(ctx context.Context, from, to string, messageID int64) (*Message, error) {
	var m apiMessage
	if err := c.call(ctx, "forwardMessage", map[string]any{
		"chat_id":              to,
		"from_chat_id":         from,
		"message_id":           messageID,
		"disable_notification": true,
	}, &m); err != nil {
		return nil, err
	}
	return m.toMessage(), nil
}

// Delete implements Client.
func (c *BotClient) Delete(ctx context.Context, dest string, messageID int64) error {
	return c.call(ctx, "deleteMessage", map[string]any{"chat_id": dest, "message_id": messageID}, nil)
}

// Download implements Client: getFile resolves the path, then the file is
// streamed from the file endpoint.
func (c *BotClient) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	var f struct {
		FilePath string `json:"file_path"`
	}
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &f); err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, &Error{Op: "getFile", StatusCode: http.StatusNotFound, Description: "file has no path"}
	}

	u := c.baseURL + "/file/bot" + c.token + "/" + f.FilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Op: "download", Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: "download", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &Error{Op: "download", StatusCode: resp.StatusCode, Description: resp.Status}
	}
	return resp.Body, nil
}
