package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/FranGenoa/HeadlineArt/coreengine/agents"
	"github.com/FranGenoa/HeadlineArt/coreengine/observability"
)

// ErrNoImage is returned when a generation response carries no image payload.
var ErrNoImage = errors.New("openai: response contained no image data")

// ImageProvider implements agents.ImageCapability with image generations.
type ImageProvider struct {
	client *Client
	model  string
}

var _ agents.ImageCapability = (*ImageProvider)(nil)

// NewImageProvider creates an image capability for model.
func NewImageProvider(client *Client, model string) *ImageProvider {
	return &ImageProvider{client: client, model: model}
}

// Generate requests a single image and returns its decoded bytes.
func (p *ImageProvider) Generate(ctx context.Context, prompt, size string) ([]byte, error) {
	body := &ImageRequest{Model: p.model, Prompt: prompt, Size: size, N: 1}
	if p.client.Azure() {
		body.Model = ""
	}

	start := time.Now()
	data, err := p.generate(ctx, body)
	observability.RecordCapabilityCall("image", p.model, callStatus(err), int(time.Since(start).Milliseconds()))
	return data, err
}

func (p *ImageProvider) generate(ctx context.Context, body *ImageRequest) ([]byte, error) {
	var resp ImageResponse
	if err := p.client.do(ctx, p.model, "images/generations", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, ErrNoImage
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return data, nil
}
