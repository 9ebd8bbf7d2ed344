// Package telegram is a thin client for the two bot API calls the
// controller needs: long-poll getUpdates and sendMessage. Outbound
// text is chunked on newline boundaries so arbitrarily long tool
// output survives the per-message size limit.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the production bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// sendTimeout bounds a single sendMessage round trip.
const sendTimeout = 60 * time.Second

// pollSlack is added on top of the server-side long-poll wait.
const pollSlack = 30 * time.Second

// Update is one long-poll result entry.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message carries the chat and text of an update.
type Message struct {
	Chat Chat   `json:"chat"`
	Text string `json:"text"`
}

// Chat identifies the originating conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// ChatID returns the chat identifier as the string form used across
// the controller's state files.
func (m *Message) ChatID() string {
	return strconv.FormatInt(m.Chat.ID, 10)
}

// Client talks to the bot API.
type Client struct {
	BaseURL         string
	Token           string
	MaxMessageChars int
	HTTPClient      *http.Client
}

// New returns a production client.
func New(token string, maxMessageChars int) *Client {
	return &Client{
		BaseURL:         DefaultBaseURL,
		Token:           token,
		MaxMessageChars: maxMessageChars,
		HTTPClient:      &http.Client{},
	}
}

// apiResponse is the bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

// GetUpdates long-polls for message updates starting at offset. The
// server holds the request up to waitSeconds.
func (c *Client) GetUpdates(waitSeconds int, offset int64) ([]Update, error) {
	payload := map[string]any{
		"timeout":         waitSeconds,
		"offset":          offset,
		"allowed_updates": []string{"message"},
	}
	deadline := time.Duration(waitSeconds)*time.Second + pollSlack

	raw, err := c.call("getUpdates", payload, deadline)
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

// SendMessage delivers text to a chat, splitting it into chunks of at
// most MaxMessageChars. Link previews are disabled.
func (c *Client) SendMessage(chatID, text string) error {
	for _, chunk := range ChunkText(text, c.MaxMessageChars) {
		payload := map[string]any{
			"chat_id":                  chatID,
			"text":                     chunk,
			"disable_web_page_preview": true,
		}
		if _, err := c.call("sendMessage", payload, sendTimeout); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) call(method string, payload any, timeout time.Duration) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.BaseURL, c.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var decoded apiResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("%s: bad response: %w", method, err)
	}
	if !decoded.OK {
		return nil, fmt.Errorf("%s: api error: %s", method, decoded.Description)
	}
	return decoded.Result, nil
}

// IsNetwork reports whether err is a transport-level failure, as
// opposed to an API-level rejection. The update loop backs off longer
// on these.
func IsNetwork(err error) bool {
	var uerr *url.Error
	return errors.As(err, &uerr)
}

// ChunkText splits text into pieces of at most maxChars, preferring
// newline boundaries. Matches the controller contract: a chunk is
// right-trimmed, the remainder left-trimmed.
func ChunkText(text string, maxChars int) []string {
	if maxChars <= 0 || len(text) <= maxChars {
		return []string{text}
	}
	var parts []string
	rest := text
	for len(rest) > maxChars {
		idx := strings.LastIndex(rest[:maxChars], "\n")
		if idx < 0 {
			idx = maxChars
		}
		parts = append(parts, strings.TrimRight(rest[:idx], " \t\n"))
		rest = strings.TrimLeft(rest[idx:], " \t\n")
	}
	if rest != "" {
		parts = append(parts, rest)
	}
	return parts
}
