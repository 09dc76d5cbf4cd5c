// Package secrets reads JSON secrets from AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// ErrEmptySecret is returned for secrets without a string value.
var ErrEmptySecret = errors.New("secret has no string value")

// API is the subset of the Secrets Manager client used here.
type API interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewAPI builds a Secrets Manager client from an AWS config.
func NewAPI(cfg aws.Config) API {
	return secretsmanager.NewFromConfig(cfg)
}

// LoadJSON fetches secret id and decodes its string value into out.
func LoadJSON(ctx context.Context, api API, id string, out any) error {
	res, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return fmt.Errorf("get secret %s: %w", id, err)
	}
	if res.SecretString == nil || *res.SecretString == "" {
		return fmt.Errorf("get secret %s: %w", id, ErrEmptySecret)
	}
	if err := json.Unmarshal([]byte(*res.SecretString), out); err != nil {
		return fmt.Errorf("decode secret %s: %w", id, err)
	}
	return nil
}
