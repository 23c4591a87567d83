package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
)

// secretFetcher is the slice of the Secrets Manager API used here.
type secretFetcher interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// newSecretFetcher is replaced in tests.
var newSecretFetcher = func(ctx context.Context, region string) (secretFetcher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// LoadEnv populates the process environment before the config file is
// read. Secrets from AWS Secrets Manager are applied first when
// MCPCHAT_AWS_SECRET_ID is set, then the .env file. Neither overrides a
// variable that is already set.
//
// A missing envFile is only an error when explicit is true.
func LoadEnv(ctx context.Context, envFile string, explicit bool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if err := loadAWSSecrets(ctx, logger); err != nil {
		return err
	}

	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			logger.Debug("no .env file, using process environment", "path", envFile)
			return nil
		}
		return fmt.Errorf("load env file %s: %w", envFile, err)
	}
	logger.Debug("env file loaded", "path", envFile)
	return nil
}

// loadAWSSecrets reads a JSON object secret and exports its keys as
// environment variables.
func loadAWSSecrets(ctx context.Context, logger *slog.Logger) error {
	secretID := os.Getenv("MCPCHAT_AWS_SECRET_ID")
	if secretID == "" {
		return nil
	}

	client, err := newSecretFetcher(ctx, os.Getenv("MCPCHAT_AWS_REGION"))
	if err != nil {
		return err
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return fmt.Errorf("fetch secret %s: %w", secretID, err)
	}

	var payload string
	switch {
	case out.SecretString != nil:
		payload = *out.SecretString
	case len(out.SecretBinary) > 0:
		payload = string(out.SecretBinary)
	default:
		return fmt.Errorf("secret %s has no payload", secretID)
	}

	var kv map[string]any
	if err := json.Unmarshal([]byte(payload), &kv); err != nil {
		return fmt.Errorf("parse secret %s as JSON: %w", secretID, err)
	}

	applied := 0
	for key, val := range kv {
		key = strings.TrimSpace(key)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return fmt.Errorf("set %s from secret: %w", key, err)
		}
		applied++
	}

	logger.Info("loaded environment from AWS Secrets Manager", "secret", secretID, "applied", applied)
	return nil
}
