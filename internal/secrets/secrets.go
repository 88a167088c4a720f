// Package secrets loads a JSON object of configuration secrets from a
// secret store. Values are returned to the caller and never written to
// the process environment.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Kind identifies a secret backend.
type Kind string

const (
	AWSSecretsManager Kind = "aws-secretsmanager"
	AWSParameterStore Kind = "aws-ssm"
	AzureKeyVault     Kind = "azure-keyvault"
)

// Ref is a parsed secret reference.
type Ref struct {
	Kind    Kind
	Region  string // AWS only, may be empty
	Name    string // secret ARN, parameter name or Key Vault secret name
	Vault   string // Azure only: https://<vault>.vault.azure.net/
	Version string // Azure only, may be empty
}

// ParseRef parses one of:
//
//	arn:aws:secretsmanager:<region>:<account>:secret:<name>
//	ssm:<parameter-name>
//	https://<vault>.vault.azure.net/secrets/<name>[/<version>]
func ParseRef(ref string) (Ref, error) {
	switch {
	case strings.HasPrefix(ref, "arn:aws:secretsmanager:"):
		// arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
		parts := strings.Split(ref, ":")
		if len(parts) < 7 {
			return Ref{}, fmt.Errorf("malformed secrets manager ARN %q", ref)
		}
		return Ref{Kind: AWSSecretsManager, Region: parts[3], Name: ref}, nil

	case strings.HasPrefix(ref, "ssm:"):
		name := strings.TrimPrefix(ref, "ssm:")
		if name == "" {
			return Ref{}, fmt.Errorf("missing parameter name in %q", ref)
		}
		return Ref{Kind: AWSParameterStore, Name: name}, nil

	case strings.HasPrefix(ref, "https://"):
		u, err := url.Parse(ref)
		if err != nil {
			return Ref{}, fmt.Errorf("parse key vault URL: %w", err)
		}
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(segs) < 2 || segs[0] != "secrets" || segs[1] == "" {
			return Ref{}, fmt.Errorf("key vault URL %q must look like https://<vault>/secrets/<name>", ref)
		}
		r := Ref{Kind: AzureKeyVault, Vault: u.Scheme + "://" + u.Host + "/", Name: segs[1]}
		if len(segs) > 2 {
			r.Version = segs[2]
		}
		return r, nil
	}
	return Ref{}, fmt.Errorf("unsupported secret reference %q", ref)
}

// Load fetches the secret named by ref and decodes it as a flat JSON
// object of string values.
func Load(ctx context.Context, ref string) (map[string]string, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	var raw string
	switch r.Kind {
	case AWSSecretsManager:
		raw, err = loadSecretsManager(ctx, r)
	case AWSParameterStore:
		raw, err = loadParameter(ctx, r)
	case AzureKeyVault:
		raw, err = loadKeyVault(ctx, r)
	}
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// Decode parses a JSON object of string values.
func Decode(raw string) (map[string]string, error) {
	var values map[string]string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("parse secret JSON: %w", err)
	}
	return values, nil
}

func awsConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return cfg, nil
}

// loadSecretsManager uses the default AWS credential chain (IAM instance
// profile on EC2, or ~/.aws/credentials locally).
func loadSecretsManager(ctx context.Context, r Ref) (string, error) {
	cfg, err := awsConfig(ctx, r.Region)
	if err != nil {
		return "", err
	}
	client := secretsmanager.NewFromConfig(cfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(r.Name),
	})
	if err != nil {
		return "", fmt.Errorf("GetSecretValue: %w", err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", r.Name)
	}
	return *result.SecretString, nil
}

func loadParameter(ctx context.Context, r Ref) (string, error) {
	cfg, err := awsConfig(ctx, r.Region)
	if err != nil {
		return "", err
	}
	client := ssm.NewFromConfig(cfg)
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(r.Name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("GetParameter: %w", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", r.Name)
	}
	return *out.Parameter.Value, nil
}

func loadKeyVault(ctx context.Context, r Ref) (string, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return "", fmt.Errorf("load azure credentials: %w", err)
	}
	client, err := azsecrets.NewClient(r.Vault, cred, nil)
	if err != nil {
		return "", fmt.Errorf("create key vault client: %w", err)
	}
	resp, err := client.GetSecret(ctx, r.Name, r.Version, nil)
	if err != nil {
		return "", fmt.Errorf("GetSecret: %w", err)
	}
	if resp.Value == nil {
		return "", fmt.Errorf("secret %s has no value", r.Name)
	}
	return *resp.Value, nil
}
