package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/K3das/diction/asr"
	"github.com/K3das/diction/utils"
	"github.com/goccy/go-json"
)

// used for the engine id in the database
const enginePrefix = "remote-"

const maxResponseSize = 1024 * 1024 * 4

type Envelope[T any] struct {
	Result   *T    `json:"result"`
	Success  bool  `json:"success"`
	Errors   []any `json:"errors"`
	Messages []any `json:"messages"`
}

type recognizeRequest struct {
	Grammar  string `json:"grammar"`
	FileName string `json:"file_name,omitempty"`
	// encoded as base64
	Audio []byte `json:"audio"`
}

type RecognizeResponse struct {
	// one of succeeded, error, unavailable
	Status         string            `json:"status"`
	RecognizedText string            `json:"recognized_text"`
	Confidence     float64           `json:"confidence"`
	Score          float64           `json:"score"`
	Words          []asr.WordQuality `json:"words"`
	Phonemes       []PhonemeScore    `json:"phonemes"`
	Audio          *asr.AudioQuality `json:"audio"`
}

type PhonemeScore struct {
	Phone    string  `json:"phone"`
	Grapheme string  `json:"grapheme"`
	Score    float64 `json:"score"`
}

type Client struct {
	endpoint string
	token    string
	engine   string

	http *http.Client
}

type Options struct {
	Endpoint string        `env:"ENDPOINT,required"`
	Token    string        `env:"TOKEN"`
	Engine   string        `env:"ENGINE" envDefault:"default"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

func NewClient(options Options) *Client {
	return &Client{
		endpoint: options.Endpoint,
		token:    options.Token,
		engine:   options.Engine,
		http:     &http.Client{Timeout: options.Timeout},
	}
}

// EngineID is the identifier recorded alongside persisted attempts.
func (c *Client) EngineID() string {
	return enginePrefix + c.engine
}

func (c *Client) post(ctx context.Context, body recognizeRequest) (*Envelope[RecognizeResponse], error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/recognize/%s", c.endpoint, c.engine), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, ErrEngineUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("non-ok http response: [%d] %s", resp.StatusCode, resp.Status)
	}

	var respBody bytes.Buffer
	if _, err := utils.CopyLimit(&respBody, resp.Body, maxResponseSize); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var envelope *Envelope[RecognizeResponse]
	err = json.Unmarshal(respBody.Bytes(), &envelope)
	if err != nil {
		return nil, fmt.Errorf("decoding response json: %w", err)
	}
	if envelope == nil {
		return nil, fmt.Errorf("empty response envelope")
	}

	return envelope, nil
}

var ErrEngineUnavailable = fmt.Errorf("recognition engine unavailable")

func (c *Client) RecognizeSpeech(ctx context.Context, grammar string, filePath string, audio []byte) (*asr.RecognitionResult, error) {
	envelope, err := c.post(ctx, recognizeRequest{
		Grammar:  grammar,
		FileName: filePath,
		Audio:    audio,
	})
	if errors.Is(err, ErrEngineUnavailable) {
		return asr.NewErrorResult(asr.ResultUnavailable, err.Error()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}

	if !envelope.Success {
		return nil, fmt.Errorf("request unsuccessful: %v", envelope.Errors)
	}
	if envelope.Result == nil {
		return nil, fmt.Errorf("nil result")
	}

	return c.toResult(envelope.Result), nil
}

func (c *Client) toResult(r *RecognizeResponse) *asr.RecognitionResult {
	switch r.Status {
	case "unavailable":
		return &asr.RecognitionResult{Type: asr.ResultUnavailable, EngineID: c.EngineID()}
	case "error":
		return &asr.RecognitionResult{Type: asr.ResultError, EngineID: c.EngineID(), ErrorMessage: "engine reported an error"}
	}

	now := time.Now().UTC()
	phonemes := make([]asr.PhonemeQuality, 0, len(r.Phonemes))
	for _, p := range r.Phonemes {
		phonemes = append(phonemes, asr.PhonemeQuality{
			PhoneName:   p.Phone,
			Grapheme:    p.Grapheme,
			Score:       p.Score,
			CreatedDate: now,
		})
	}

	return &asr.RecognitionResult{
		Type:     asr.ResultSucceeded,
		EngineID: c.EngineID(),
		SentenceMatch: &asr.SentenceMatch{
			RecognizedText: r.RecognizedText,
			MatchedIndex:   -1,
			Quality: asr.SentenceQuality{
				Confidence: r.Confidence,
				Score:      r.Score,
				Words:      r.Words,
				Phonemes:   phonemes,
			},
		},
		AudioQuality: r.Audio,
	}
}
