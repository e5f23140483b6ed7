package evidence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/sirupsen/logrus"
)

// DefaultModels are tried in order until one answers.
var DefaultModels = []string{
	"gemini-2.0-flash-001",
	"gemini-2.0-flash",
	"gemini-2.5-flash",
}

// VertexClassifier calls Gemini models on Vertex AI.
type VertexClassifier struct {
	client      *genai.Client
	models      []string
	temperature float32
	log         logrus.FieldLogger
}

type VertexOptions struct {
	Project     string
	Location    string
	Models      []string
	Temperature float32
}

func NewVertexClassifier(ctx context.Context, opts VertexOptions, log logrus.FieldLogger) (*VertexClassifier, error) {
	if opts.Project == "" || opts.Location == "" {
		return nil, errors.New("vertex classifier requires project and location")
	}
	client, err := genai.NewClient(ctx, opts.Project, opts.Location)
	if err != nil {
		return nil, fmt.Errorf("vertex client: %w", err)
	}
	models := opts.Models
	if len(models) == 0 {
		models = DefaultModels
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &VertexClassifier{client: client, models: models, temperature: opts.Temperature, log: log}, nil
}

func (v *VertexClassifier) Close() error {
	return v.client.Close()
}

func (v *VertexClassifier) Generate(ctx context.Context, prompt string, images []Image) (string, error) {
	parts := make([]genai.Part, 0, len(images)+1)
	parts = append(parts, genai.Text(prompt))
	for _, img := range images {
		mimeType := img.MIMEType
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		parts = append(parts, genai.Blob{MIMEType: mimeType, Data: img.Data})
	}
	var lastErr error
	for _, name := range v.models {
		text, err := v.generateWith(ctx, name, parts)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		v.log.WithFields(logrus.Fields{"model": name}).WithError(err).Warn("model failed, trying next")
	}
	return "", fmt.Errorf("all models failed: %w", lastErr)
}

func (v *VertexClassifier) generateWith(ctx context.Context, name string, parts []genai.Part) (string, error) {
	model := v.client.GenerativeModel(name)
	model.SetTemperature(v.temperature)
	model.ResponseMIMEType = "application/json"
	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", err
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		var b strings.Builder
		for _, p := range cand.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
		if b.Len() > 0 {
			return b.String(), nil
		}
	}
	return "", errors.New("no text in response")
}
