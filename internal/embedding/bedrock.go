package embedding

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
)

const (
	DefaultBedrockModel  = "amazon.titan-embed-text-v2:0"
	DefaultBedrockRegion = "us-east-1"
)

// bedrockInvoker is the subset of the Bedrock runtime client used here.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Bedrock implements Embedder with Amazon Titan text embeddings. Titan embeds
// one text per request.
type Bedrock struct {
	client    bedrockInvoker
	modelName string
	*dimensionGuard
}

var _ Embedder = (*Bedrock)(nil)

type titanRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type titanResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// NewBedrock loads AWS credentials from the default chain.
func NewBedrock(ctx context.Context, cfg Config) (*Bedrock, error) {
	region := cfg.AWSRegion
	if region == "" {
		region = DefaultBedrockRegion
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, validationf("load aws config: %v", err)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultBedrockModel
	}
	return &Bedrock{
		client:         bedrockruntime.NewFromConfig(awsCfg),
		modelName:      model,
		dimensionGuard: newDimensionGuard(cfg.ExpectedDimension),
	}, nil
}

func (b *Bedrock) Model() string { return b.modelName }

func (b *Bedrock) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := b.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (b *Bedrock) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		body, err := json.Marshal(titanRequest{InputText: t, Dimensions: b.Dimension()})
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.KindInvalidInput, "bedrock.embed", err)
		}
		resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(b.modelName),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			return nil, classify("bedrock.embed", err)
		}
		var tr titanResponse
		if err := json.Unmarshal(resp.Body, &tr); err != nil {
			return nil, ingesterr.Wrap(ingesterr.KindProviderUnavailable, "bedrock.embed", err)
		}
		out = append(out, tr.Embedding)
	}
	if err := b.check(out, len(texts)); err != nil {
		return nil, err
	}
	return out, nil
}
