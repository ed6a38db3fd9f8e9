package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// secretScheme marks a config value as an AWS Secrets Manager reference:
// aws-secrets://<name> for the whole secret, aws-secrets://<name>#<key>
// for one key of a JSON secret.
const secretScheme = "aws-secrets://"

type secretFetcher func(ctx context.Context, name string) (string, error)

// resolveSecrets rewrites every secret reference in place. Each secret name
// is fetched once per load.
func resolveSecrets(ctx context.Context, cfg *types.Config, fetch secretFetcher) error {
	fields := []*string{
		&cfg.Fitbit.ClientID,
		&cfg.Fitbit.ClientSecret,
		&cfg.Omron.Email,
		&cfg.Omron.Password,
		&cfg.Garmin.Email,
		&cfg.Garmin.Password,
		&cfg.Store.DSN,
	}
	if cfg.Server != nil {
		fields = append(fields, &cfg.Server.AuthToken)
	}
	for i := range cfg.Notify {
		fields = append(fields, &cfg.Notify[i].Secret, &cfg.Notify[i].URL)
	}

	cache := map[string]string{}
	for _, field := range fields {
		if !strings.HasPrefix(*field, secretScheme) {
			continue
		}
		resolved, err := resolveSecret(ctx, *field, fetch, cache)
		if err != nil {
			return err
		}
		*field = resolved
	}
	return nil
}

func resolveSecret(ctx context.Context, ref string, fetch secretFetcher, cache map[string]string) (string, error) {
	name, key, _ := strings.Cut(strings.TrimPrefix(ref, secretScheme), "#")
	if name == "" {
		return "", fmt.Errorf("secret reference %q has no name", ref)
	}

	raw, ok := cache[name]
	if !ok {
		var err error
		raw, err = fetch(ctx, name)
		if err != nil {
			return "", fmt.Errorf("resolving secret %s: %w", name, err)
		}
		cache[name] = raw
	}

	if key == "" {
		return raw, nil
	}
	var doc map[string]string
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON document: %w", name, err)
	}
	value, ok := doc[key]
	if !ok {
		return "", fmt.Errorf("secret %s has no key %q", name, key)
	}
	return value, nil
}

// newAWSSecretFetcher builds a lazy Secrets Manager client. Configs without
// secret references never touch AWS.
func newAWSSecretFetcher() secretFetcher {
	var (
		once    sync.Once
		client  *secretsmanager.Client
		initErr error
	)
	return func(ctx context.Context, name string) (string, error) {
		once.Do(func() {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				initErr = fmt.Errorf("loading AWS config: %w", err)
				return
			}
			client = secretsmanager.NewFromConfig(awsCfg)
		})
		if initErr != nil {
			return "", initErr
		}

		out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(name),
		})
		if err != nil {
			return "", err
		}
		if out.SecretString != nil {
			return *out.SecretString, nil
		}
		return string(out.SecretBinary), nil
	}
}
