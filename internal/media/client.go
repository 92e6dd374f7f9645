// Package media talks to the platform backend's media endpoints.
package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bdougie/framecache/internal/models"
)

// ErrNotFound is returned when the backend does not know the media item.
var ErrNotFound = errors.New("media not found")

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Client fetches media metadata and frame windows over REST.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the backend at baseURL. A nil httpClient
// uses http.DefaultClient.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

type mediaResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	TotalFrames int     `json:"total_frames"`
	FPS         float64 `json:"fps"`
}

type framesResponse struct {
	Frames []struct {
		FrameNumber int    `json:"frame_number"`
		Image       string `json:"image"`
	} `json:"frames"`
}

// GetMedia returns the media item with the given id.
func (c *Client) GetMedia(ctx context.Context, id string) (models.MediaItem, error) {
	var resp mediaResponse
	if err := c.get(ctx, "/media/"+url.PathEscape(id), nil, &resp); err != nil {
		return models.MediaItem{}, fmt.Errorf("get media %s: %w", id, err)
	}
	media := models.MediaItem{
		ID:          resp.ID,
		Name:        resp.Name,
		TotalFrames: resp.TotalFrames,
		FPS:         resp.FPS,
	}
	if err := media.CheckID(); err != nil {
		return models.MediaItem{}, fmt.Errorf("get media %s: %w", id, err)
	}
	return media, nil
}

// FetchBuffer downloads the sampled frames of buf.
func (c *Client) FetchBuffer(ctx context.Context, media models.MediaItem, buf models.Buffer) ([]models.Frame, error) {
	q := url.Values{}
	q.Set("start_frame", strconv.Itoa(buf.StartFrame))
	q.Set("end_frame", strconv.Itoa(buf.EndFrame))
	q.Set("frame_skip", strconv.Itoa(buf.FrameSkip))
	if buf.SelectedTaskID != "" {
		q.Set("task_id", buf.SelectedTaskID)
	}

	var resp framesResponse
	if err := c.get(ctx, "/media/"+url.PathEscape(media.ID)+"/frames", q, &resp); err != nil {
		return nil, fmt.Errorf("fetch frames %s: %w", buf, err)
	}

	frames := make([]models.Frame, 0, len(resp.Frames))
	for _, f := range resp.Frames {
		data, err := base64.StdEncoding.DecodeString(f.Image)
		if err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", f.FrameNumber, err)
		}
		frames = append(frames, models.Frame{Number: f.FrameNumber, Data: data})
	}
	return frames, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
