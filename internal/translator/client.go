package translator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/disintegration/imaging"

	"github.com/feichai0017/book-translator/config"
	"github.com/feichai0017/book-translator/internal/models"
	"github.com/feichai0017/book-translator/pkg/logger"
)

const (
	maxRetries       = 2 // retries after the first attempt, 3 calls total
	initialBackoff   = 4 * time.Second
	maxBackoff       = 60 * time.Second
	requestTimeout   = 120 * time.Second
	backoffMultipler = 2.0
)

// Capability is the remote vision-model surface the pipeline needs. Each
// method is one round trip; retrying and JSON unwrapping happen inside.
type Capability interface {
	ExtractAndTranslate(ctx context.Context, img image.Image) (string, []models.TranslationPair, error)
	EditImage(ctx context.Context, img image.Image, pairs []models.TranslationPair) (image.Image, error)
	Verify(ctx context.Context, original, edited image.Image, pairs []models.TranslationPair) (models.Verification, error)
}

// generateRequest 远程模型请求体
type generateRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Images      []string `json:"images,omitempty"`
	Temperature float64  `json:"temperature"`
	Stream      bool     `json:"stream"`
}

type generateResponse struct {
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
	Error string `json:"error,omitempty"`
}

type extractPayload struct {
	ExtractedText string                   `json:"extracted_text"`
	Translations  []models.TranslationPair `json:"translations"`
}

// Client talks to the vision-model endpoint over HTTP.
type Client struct {
	endpoint       string
	apiKey         string
	extractModel   string
	imageEditModel string
	httpClient     *http.Client
	logger         logger.Logger

	// retry pacing, shrunk in tests
	backoffInitial time.Duration
	backoffMax     time.Duration
}

func NewClient(cfg *config.TranslatorConfig, log logger.Logger) *Client {
	return &Client{
		endpoint:       cfg.Endpoint,
		apiKey:         cfg.APIKey,
		extractModel:   cfg.ExtractionModel,
		imageEditModel: cfg.ImageEditModel,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		logger:         log,
		backoffInitial: initialBackoff,
		backoffMax:     maxBackoff,
	}
}

// ExtractAndTranslate reads all text off the page and translates it. An
// empty extracted text with no pairs means a blank page, not an error.
func (c *Client) ExtractAndTranslate(ctx context.Context, img image.Image) (string, []models.TranslationPair, error) {
	b64, err := encodePNG(img)
	if err != nil {
		return "", nil, err
	}

	var payload extractPayload
	err = c.withRetry(ctx, "extract", func() error {
		resp, err := c.generate(ctx, generateRequest{
			Model:  c.extractModel,
			Prompt: extractPrompt,
			Images: []string{b64},
		})
		if err != nil {
			return err
		}
		return parseModelJSON(resp.Text, &payload)
	})
	if err != nil {
		return "", nil, err
	}
	return payload.ExtractedText, payload.Translations, nil
}

// EditImage renders the translations onto the page, returning the edited
// image.
func (c *Client) EditImage(ctx context.Context, img image.Image, pairs []models.TranslationPair) (image.Image, error) {
	b64, err := encodePNG(img)
	if err != nil {
		return nil, err
	}

	var edited image.Image
	err = c.withRetry(ctx, "edit", func() error {
		resp, err := c.generate(ctx, generateRequest{
			Model:  c.imageEditModel,
			Prompt: fmt.Sprintf(editPrompt, formatPairs(pairs)),
			Images: []string{b64},
		})
		if err != nil {
			return err
		}
		if resp.Image == "" {
			return fmt.Errorf("model returned no image")
		}
		raw, err := base64.StdEncoding.DecodeString(resp.Image)
		if err != nil {
			return fmt.Errorf("decode edited image: %w", err)
		}
		edited, err = imaging.Decode(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("parse edited image: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edited, nil
}

// Verify compares the original and edited page and reports whether the
// translations landed correctly.
func (c *Client) Verify(ctx context.Context, original, edited image.Image, pairs []models.TranslationPair) (models.Verification, error) {
	origB64, err := encodePNG(original)
	if err != nil {
		return models.Verification{}, err
	}
	editB64, err := encodePNG(edited)
	if err != nil {
		return models.Verification{}, err
	}

	var verdict models.Verification
	err = c.withRetry(ctx, "verify", func() error {
		resp, err := c.generate(ctx, generateRequest{
			Model:  c.extractModel,
			Prompt: fmt.Sprintf(verifyPrompt, formatPairs(pairs)),
			Images: []string{origB64, editB64},
		})
		if err != nil {
			return err
		}
		return parseModelJSON(resp.Text, &verdict)
	})
	if err != nil {
		return models.Verification{}, err
	}
	return verdict, nil
}

func (c *Client) generate(ctx context.Context, reqBody generateRequest) (*generateResponse, error) {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/v1/generate", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("model error: %s", result.Error)
	}
	return &result, nil
}

// withRetry runs op with exponential backoff. Attempts beyond the first are
// logged so flaky upstream behavior shows up in run logs.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoffInitial
	b.MaxInterval = c.backoffMax
	b.Multiplier = backoffMultipler

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err != nil && attempt <= maxRetries {
			c.logger.Warn("model call failed, retrying",
				logger.String("op", op),
				logger.Int("attempt", attempt),
				logger.Error(err))
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx))
}

// parseModelJSON unmarshals a model reply into v, tolerating markdown code
// fences around the JSON body.
func parseModelJSON(text string, v interface{}) error {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return fmt.Errorf("failed to parse model reply: %w", err)
	}
	return nil
}

func formatPairs(pairs []models.TranslationPair) string {
	var sb strings.Builder
	for i, p := range pairs {
		fmt.Fprintf(&sb, "%d. %q -> %q\n", i+1, p.Source, p.Translated)
	}
	return sb.String()
}

func encodePNG(img image.Image) (string, error) {
	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
