package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vaultapi "github.com/hashicorp/vault/api"
)

// Key source names accepted in configuration.
const (
	SourceEnv   = "env"
	SourceFile  = "file"
	SourceVault = "vault"
	SourceAWS   = "aws"
)

// KeyMaterial is the resolved master key set: the primary key new
// encryptions use, plus previous keys still accepted for decryption
// during rotation windows.
type KeyMaterial struct {
	Version  string
	Primary  string
	Previous []string
}

// KeySourceConfig selects where the master key comes from and carries
// the source-specific settings.
type KeySourceConfig struct {
	Source     string
	KeyVersion string

	// env source
	MasterKey    string
	PreviousKeys []string

	// file source
	MasterKeyFile string

	// vault source
	VaultAddr       string
	VaultToken      string
	VaultSecretPath string

	// aws source; static keys override the default credential chain
	AWSSecretID        string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
}

// ResolveKeyMaterial loads the master key set from the configured source.
func ResolveKeyMaterial(ctx context.Context, cfg KeySourceConfig) (KeyMaterial, error) {
	source := strings.ToLower(strings.TrimSpace(cfg.Source))
	if source == "" {
		source = SourceEnv
	}

	var material KeyMaterial
	var err error
	switch source {
	case SourceEnv:
		material, err = keyFromEnv(cfg)
	case SourceFile:
		material, err = keyFromFile(cfg)
	case SourceVault:
		material, err = keyFromVault(ctx, cfg)
	case SourceAWS:
		material, err = keyFromAWS(ctx, cfg)
	default:
		return KeyMaterial{}, fmt.Errorf("unknown credential key source %q", cfg.Source)
	}
	if err != nil {
		return KeyMaterial{}, err
	}

	material.Primary = strings.TrimSpace(material.Primary)
	if material.Primary == "" {
		return KeyMaterial{}, fmt.Errorf("key source %q yielded an empty master key", source)
	}
	material.Version = strings.TrimSpace(cfg.KeyVersion)
	if material.Version == "" {
		material.Version = "v1"
	}
	return material, nil
}

func keyFromEnv(cfg KeySourceConfig) (KeyMaterial, error) {
	if strings.TrimSpace(cfg.MasterKey) == "" {
		return KeyMaterial{}, errors.New("CREDENTIAL_MASTER_KEY is not set")
	}
	return KeyMaterial{Primary: cfg.MasterKey, Previous: cleanKeys(cfg.PreviousKeys)}, nil
}

func keyFromFile(cfg KeySourceConfig) (KeyMaterial, error) {
	if strings.TrimSpace(cfg.MasterKeyFile) == "" {
		return KeyMaterial{}, errors.New("CREDENTIAL_MASTER_KEY_FILE is not set")
	}
	raw, err := os.ReadFile(cfg.MasterKeyFile)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("read master key file: %w", err)
	}
	return KeyMaterial{Primary: strings.TrimSpace(string(raw)), Previous: cleanKeys(cfg.PreviousKeys)}, nil
}

// keyFromVault reads the key from HashiCorp Vault. Both KV v1 and v2
// response shapes are accepted; the secret must carry a "master_key"
// field and may carry a comma-separated "previous_keys" field.
func keyFromVault(ctx context.Context, cfg KeySourceConfig) (KeyMaterial, error) {
	if strings.TrimSpace(cfg.VaultSecretPath) == "" {
		return KeyMaterial{}, errors.New("CREDENTIAL_VAULT_SECRET_PATH is not set")
	}
	apiCfg := vaultapi.DefaultConfig()
	if cfg.VaultAddr != "" {
		apiCfg.Address = cfg.VaultAddr
	}
	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("init vault client: %w", err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}

	secret, err := client.Logical().ReadWithContext(ctx, cfg.VaultSecretPath)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("read vault secret %s: %w", cfg.VaultSecretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return KeyMaterial{}, fmt.Errorf("vault secret %s not found", cfg.VaultSecretPath)
	}

	data := secret.Data
	// KV v2 nests the payload under "data".
	if nested, ok := data["data"].(map[string]any); ok {
		data = nested
	}
	key, _ := data["master_key"].(string)
	if strings.TrimSpace(key) == "" {
		return KeyMaterial{}, fmt.Errorf("vault secret %s has no master_key field", cfg.VaultSecretPath)
	}
	previous, _ := data["previous_keys"].(string)
	return KeyMaterial{Primary: key, Previous: cleanKeys(strings.Split(previous, ","))}, nil
}

// keyFromAWS reads the key from AWS Secrets Manager. The secret string
// may be the raw key, or a JSON object with master_key and previous_keys
// fields.
func keyFromAWS(ctx context.Context, cfg KeySourceConfig) (KeyMaterial, error) {
	if strings.TrimSpace(cfg.AWSSecretID) == "" {
		return KeyMaterial{}, errors.New("CREDENTIAL_AWS_SECRET_ID is not set")
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.AWSRegion))
	}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("load aws config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(cfg.AWSSecretID)})
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("get aws secret %s: %w", cfg.AWSSecretID, err)
	}

	raw := strings.TrimSpace(aws.ToString(out.SecretString))
	if raw == "" {
		return KeyMaterial{}, fmt.Errorf("aws secret %s has no string value", cfg.AWSSecretID)
	}
	var parsed struct {
		MasterKey    string   `json:"master_key"`
		PreviousKeys []string `json:"previous_keys"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil && parsed.MasterKey != "" {
		return KeyMaterial{Primary: parsed.MasterKey, Previous: cleanKeys(parsed.PreviousKeys)}, nil
	}
	return KeyMaterial{Primary: raw}, nil
}

func cleanKeys(keys []string) []string {
	var out []string
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out = append(out, k)
	}
	return out
}
