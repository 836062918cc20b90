package tokenizer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	EncodePath = "/encode"
	DecodePath = "/decode"
)

// ErrRemote wraps every failure talking to a tokenizer service.
var ErrRemote = errors.New("tokenizer service call failed")

// Remote calls a tokenizer service over HTTP:
//
//	POST /encode {"text": "..."} -> {"ids": [...]}
//	POST /decode {"ids": [...], "skip_special_tokens": bool} -> {"text": "..."}
type Remote struct {
	baseURL string
	http    *http.Client
}

// NewRemote returns a client for the service at baseURL.
func NewRemote(baseURL string) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient returns a copy of r using hc.
func (r *Remote) WithHTTPClient(hc *http.Client) *Remote {
	cp := *r
	cp.http = hc
	return &cp
}

type encodeRequest struct {
	Text string `json:"text"`
}

type encodeResponse struct {
	IDs []int `json:"ids"`
}

type decodeRequest struct {
	IDs               []int `json:"ids"`
	SkipSpecialTokens bool  `json:"skip_special_tokens,omitempty"`
}

type decodeResponse struct {
	Text string `json:"text"`
}

// Encode implements Tokenizer.
func (r *Remote) Encode(text string) ([]int, error) {
	var out encodeResponse
	if err := r.post(EncodePath, encodeRequest{Text: text}, &out); err != nil {
		return nil, err
	}
	if out.IDs == nil {
		return []int{}, nil
	}
	return out.IDs, nil
}

// Decode implements Tokenizer.
func (r *Remote) Decode(ids []int) (string, error) {
	return r.decode(ids, false)
}

// DecodeSkipSpecial asks the service to leave special tokens out.
func (r *Remote) DecodeSkipSpecial(ids []int) (string, error) {
	return r.decode(ids, true)
}

func (r *Remote) decode(ids []int, skip bool) (string, error) {
	if ids == nil {
		ids = []int{}
	}
	var out decodeResponse
	if err := r.post(DecodePath, decodeRequest{IDs: ids, SkipSpecialTokens: skip}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (r *Remote) post(path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := r.http.Post(r.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemote, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRemote, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d: %s", ErrRemote, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRemote, path, err)
	}
	return nil
}
