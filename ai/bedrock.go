package ai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/aard-labs/aard/core"
)

type bedrockFactory struct{}

func (bedrockFactory) Name() string        { return ProviderBedrock }
func (bedrockFactory) Description() string { return "AWS Bedrock Converse API" }
func (bedrockFactory) Create(cfg core.LLMConfig, logger core.Logger) (Provider, error) {
	region := bedrockRegion()
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	// llm.api_key may carry explicit keys as "access_key_id:secret[:token]";
	// anything else defers to the default chain (IAM role, env, profile).
	if id, secret, token, ok := splitAWSKey(cfg.APIKey); ok {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, secret, token)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, &core.Error{
			Op: "ai.bedrock", Kind: core.KindInternal,
			Message: "AWS configuration load failed",
			Err:     err,
		}
	}
	return NewBedrockProvider(awsCfg, region, logger), nil
}

func splitAWSKey(key string) (id, secret, token string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	if len(parts) == 3 {
		token = parts[2]
	}
	return parts[0], parts[1], token, true
}

func init() { MustRegisterProvider(bedrockFactory{}) }

// bedrockRegion resolves the region from the standard AWS environment,
// defaulting to us-east-1.
func bedrockRegion() string {
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	if r := os.Getenv("AWS_DEFAULT_REGION"); r != "" {
		return r
	}
	return "us-east-1"
}

// BedrockProvider speaks the AWS Bedrock Converse API. Credentials come
// from the default AWS chain (IAM role, environment, shared profile)
// unless llm.api_key carries an explicit key pair; server records for
// Bedrock carry only the model ids.
type BedrockProvider struct {
	client *bedrockruntime.Client
	region string
	logger core.Logger
}

// Compile-time interface check.
var _ Provider = (*BedrockProvider)(nil)

// NewBedrockProvider creates the provider from a loaded AWS config.
func NewBedrockProvider(awsCfg aws.Config, region string, logger core.Logger) *BedrockProvider {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("aard/ai")
	}
	return &BedrockProvider{
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: region,
		logger: logger,
	}
}

func (p *BedrockProvider) Name() string { return ProviderBedrock }

// Complete implements Provider.
func (p *BedrockProvider) Complete(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error) {
	const op = "ai.bedrock"

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(req.Model),
		Messages: []types.Message{{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: req.User},
			},
		}},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	inference := &types.InferenceConfiguration{}
	configured := false
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
		configured = true
	}
	if req.Temperature > 0 {
		inference.Temperature = aws.Float32(req.Temperature)
		configured = true
	}
	if req.TopP > 0 {
		inference.TopP = aws.Float32(req.TopP)
		configured = true
	}
	if configured {
		input.InferenceConfig = inference
	}

	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, p.converseError(op, req.Model, err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, &core.Error{
			Op: op, Kind: core.KindModelUnavailable, ID: req.Model,
			Message: "converse output carried no message",
		}
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		if t, ok := block.(*types.ContentBlockMemberText); ok {
			text.WriteString(t.Value)
		}
	}
	if text.Len() == 0 {
		return nil, &core.Error{
			Op: op, Kind: core.KindModelUnavailable, ID: req.Model,
			Message: "converse output carried no text",
		}
	}

	resp := &ProviderResponse{Text: text.String(), Model: req.Model}
	if out.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

// converseError maps AWS service exceptions onto the taxonomy. Throttling
// and internal errors retry; validation, access, and unknown-model errors
// do not.
func (p *BedrockProvider) converseError(op, model string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &core.Error{
			Op: op, Kind: core.KindModelTimeout, ID: model,
			Message: "converse timed out",
			Err:     fmt.Errorf("%w: %w", core.ErrTimeout, err),
		}
	case errors.Is(err, context.Canceled):
		return &core.Error{Op: op, Kind: core.KindCancelled, ID: model, Err: err}
	}

	var validation *types.ValidationException
	if errors.As(err, &validation) {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: model, Message: "converse input rejected", Err: err}
	}
	var denied *types.AccessDeniedException
	if errors.As(err, &denied) {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: model, Message: "access denied", Err: err}
	}
	var missing *types.ResourceNotFoundException
	if errors.As(err, &missing) {
		return &core.Error{
			Op: op, Kind: core.KindInvalidRequest, ID: model,
			Message: fmt.Sprintf("model not available in %s", p.region),
			Err:     err,
		}
	}
	var modelTimeout *types.ModelTimeoutException
	if errors.As(err, &modelTimeout) {
		return &core.Error{
			Op: op, Kind: core.KindModelTimeout, ID: model,
			Err: fmt.Errorf("%w: %w", core.ErrTimeout, err),
		}
	}
	var throttled *types.ThrottlingException
	if errors.As(err, &throttled) {
		return &core.Error{
			Op: op, Kind: core.KindModelUnavailable, ID: model,
			Message: "throttled",
			Err:     fmt.Errorf("%w: %w", core.ErrRequestFailed, err),
		}
	}
	return &core.Error{
		Op: op, Kind: core.KindModelUnavailable, ID: model,
		Err: fmt.Errorf("%w: %w", core.ErrConnectionFailed, err),
	}
}
