// Package memes generates captioned meme images for the assistant: it
// picks templates from the Imgflip catalog, asks the language model for
// a premise and captions, and renders the result through Imgflip.
package memes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nugget/moodmender/internal/httpkit"
)

// maxResponseBytes bounds Imgflip response bodies.
const maxResponseBytes = 4 << 20

// Template is one entry of the meme catalog.
type Template struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	BoxCount int    `json:"box_count"`
}

// Provider lists templates and renders captioned images.
type Provider interface {
	Templates(ctx context.Context) ([]Template, error)
	// Caption returns the image URL, a *ProviderError when the provider
	// refused the request, or any other error for transport failures.
	Caption(ctx context.Context, tmpl Template, captions []string) (string, error)
}

// ProviderError is a refusal reported by the provider itself.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string { return e.Message }

// Imgflip talks to the Imgflip API.
type Imgflip struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// NewImgflip returns a client for the API at baseURL.
func NewImgflip(baseURL, username, password string, client *http.Client) *Imgflip {
	if client == nil {
		client = httpkit.NewClient()
	}
	return &Imgflip{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   client,
	}
}

// Templates fetches the current catalog.
func (c *Imgflip) Templates(ctx context.Context) ([]Template, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/get_memes", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch templates: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxResponseBytes)
	if err := httpkit.CheckStatus(resp); err != nil {
		return nil, fmt.Errorf("fetch templates: %w", err)
	}

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Memes []struct {
				ID       json.Number `json:"id"`
				Name     string      `json:"name"`
				BoxCount int         `json:"box_count"`
			} `json:"memes"`
		} `json:"data"`
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}

	out := make([]Template, 0, len(body.Data.Memes))
	for _, m := range body.Data.Memes {
		if m.ID == "" || m.BoxCount <= 0 {
			continue
		}
		out = append(out, Template{ID: m.ID.String(), Name: m.Name, BoxCount: m.BoxCount})
	}
	return out, nil
}

// Caption renders tmpl with captions and returns the image URL.
func (c *Imgflip) Caption(ctx context.Context, tmpl Template, captions []string) (string, error) {
	form := url.Values{}
	form.Set("template_id", tmpl.ID)
	form.Set("username", c.username)
	form.Set("password", c.password)
	for i, text := range captions {
		form.Set("boxes["+strconv.Itoa(i)+"][text]", text)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/caption_image", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer httpkit.DrainAndClose(resp.Body, maxResponseBytes)

	var body struct {
		Success      bool   `json:"success"`
		ErrorMessage string `json:"error_message"`
		Data         struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode caption response (status %d): %w", resp.StatusCode, err)
	}
	if !body.Success {
		msg := body.ErrorMessage
		if msg == "" {
			msg = "Unknown error"
		}
		return "", &ProviderError{Message: msg}
	}
	if body.Data.URL == "" {
		return "", fmt.Errorf("caption response has no url")
	}
	return body.Data.URL, nil
}
