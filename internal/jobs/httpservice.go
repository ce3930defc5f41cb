package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Stager uploads audio somewhere the job service can fetch it from.
type Stager interface {
	Stage(ctx context.Context, data []byte, mimeType string) (string, error)
}

// HTTPService talks to a REST job API:
//
//	POST {endpoint}/jobs       multipart "file" or JSON {"media_url"} -> {"job_id"}
//	GET  {endpoint}/jobs/{id}  -> {"status", "text", "error"}
type HTTPService struct {
	endpoint string
	apiKey   string
	language string
	client   *http.Client
	stager   Stager
}

type HTTPServiceOption func(*HTTPService)

// WithStager submits a staged media URL instead of uploading the audio inline.
func WithStager(s Stager) HTTPServiceOption {
	return func(h *HTTPService) { h.stager = s }
}

func WithHTTPClient(c *http.Client) HTTPServiceOption {
	return func(h *HTTPService) { h.client = c }
}

func NewHTTPService(endpoint, apiKey, language string, opts ...HTTPServiceOption) *HTTPService {
	svc := &HTTPService{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		language: language,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type submitResponse struct {
	JobID string `json:"job_id"`
	ID    string `json:"id"`
}

type statusResponse struct {
	Status string `json:"status"`
	Text   string `json:"text"`
	Error  string `json:"error"`
}

func (s *HTTPService) Submit(ctx context.Context, data []byte, mimeType string) (string, error) {
	var (
		body        io.Reader
		contentType string
	)
	if s.stager != nil {
		mediaURL, err := s.stager.Stage(ctx, data, mimeType)
		if err != nil {
			return "", fmt.Errorf("stage audio: %w", err)
		}
		payload, err := json.Marshal(map[string]string{
			"media_url": mediaURL,
			"mime_type": mimeType,
			"language":  s.language,
		})
		if err != nil {
			return "", err
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	} else {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		part, err := w.CreateFormFile("file", "audio"+extensionFor(mimeType))
		if err != nil {
			return "", fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return "", fmt.Errorf("copy audio data: %w", err)
		}
		if s.language != "" {
			w.WriteField("language", s.language)
		}
		w.WriteField("mime_type", mimeType)
		if err := w.Close(); err != nil {
			return "", fmt.Errorf("close multipart: %w", err)
		}
		body = &buf
		contentType = w.FormDataContentType()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/jobs", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("job service returned %s: %s", resp.Status, readSnippet(resp.Body))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	id := out.JobID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return "", errors.New("job service returned no job id")
	}
	return id, nil
}

func (s *HTTPService) Status(ctx context.Context, jobID string) (Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return Report{}, err
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrTransientPoll, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Report{}, ErrJobNotFound
	case resp.StatusCode >= 300:
		return Report{}, fmt.Errorf("%w: status endpoint returned %s", ErrTransientPoll, resp.Status)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Report{}, fmt.Errorf("%w: decode status: %v", ErrTransientPoll, err)
	}
	return Report{
		Status:        ParseStatus(out.Status),
		Text:          out.Text,
		FailureReason: out.Error,
	}, nil
}

func (s *HTTPService) authorize(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(data))
}

func extensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "wav"):
		return ".wav"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return ".mp3"
	default:
		return ".bin"
	}
}
