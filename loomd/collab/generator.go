// Package collab holds the HTTP clients for the external collaborators: the
// text generator and the quality judge. Both speak plain JSON over POST so a
// local stub or a hosted gateway can serve them interchangeably.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomworks/loom/internals/engine"
)

const defaultTimeout = 5 * time.Minute

type HTTPGenerator struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewHTTPGenerator(endpoint, model string) *HTTPGenerator {
	return &HTTPGenerator{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: defaultTimeout},
	}
}

type generateRequest struct {
	Model       string  `json:"model"`
	Kind        string  `json:"kind"`
	Instruction string  `json:"instruction"`
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Text     string       `json:"text"`
	Provider string       `json:"provider"`
	Usage    engine.Usage `json:"usage"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, instruction, kind string, sampling engine.Sampling) (engine.Generation, error) {
	var out generateResponse
	err := postJSON(ctx, g.client, g.endpoint, generateRequest{
		Model:       g.model,
		Kind:        kind,
		Instruction: instruction,
		Temperature: sampling.Temperature,
	}, &out)
	if err != nil {
		return engine.Generation{}, fmt.Errorf("generator: %w", err)
	}
	if out.Provider == "" {
		out.Provider = g.model
	}
	return engine.Generation{Text: out.Text, Provider: out.Provider, Usage: out.Usage}, nil
}

// Provider reports the configured model; the gateway may still route to a
// different backend and override it in the response.
func (g *HTTPGenerator) Provider(kind string) string {
	return g.model
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", endpoint, res.StatusCode, string(msg))
	}
	return json.NewDecoder(res.Body).Decode(out)
}
