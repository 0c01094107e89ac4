package secretstore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMSource resolves secrets from AWS Systems Manager Parameter Store,
// reading SecureString parameters under a fixed path prefix.
type SSMSource struct {
	client *ssm.Client
	prefix string
}

// NewSSMSource builds an SSMSource over an existing client. prefix is
// prepended to every secret name to form the parameter path, e.g.
// "/queue-keeper/secrets/".
func NewSSMSource(client *ssm.Client, prefix string) *SSMSource {
	return &SSMSource{client: client, prefix: prefix}
}

// Resolve implements Source.
func (s *SSMSource) Resolve(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.prefix + name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("secretstore: ssm get parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("secretstore: ssm parameter %s has no value", name)
	}
	return *out.Parameter.Value, nil
}
