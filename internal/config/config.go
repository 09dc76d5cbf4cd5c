package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LLM providers.
const (
	ProviderBedrock   = "bedrock"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Chat store backends.
const (
	StoreDynamoDB  = "dynamodb"
	StoreSurrealDB = "surrealdb"
	StoreMemory    = "memory"
)

// Config holds all configuration values.
type Config struct {
	AWSRegion string

	// Bedrock agent
	AgentID          string
	AgentAliasID     string
	GuardrailID      string
	GuardrailVersion string
	AgentMinInterval time.Duration
	RetryFloor       time.Duration
	RetryCeiling     time.Duration
	MaxAttempts      int

	// Chat history storage
	ChatStore        string
	DynamoDBTable    string
	DynamoDBEndpoint string
	// DynamoDBCreateTable provisions the table on startup. Defaults to on
	// when DynamoDBEndpoint points at a local DynamoDB.
	DynamoDBCreateTable bool

	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Cognito, resolved from Secrets Manager unless overridden
	CognitoSecretID     string
	CognitoUserPoolID   string
	CognitoClientID     string
	CognitoClientSecret string

	// Relational data for text-to-SQL
	DBSecretName    string
	DatabaseURL     string
	S3BucketName    string
	S3MetadataKey   string
	LLMProvider     string
	LLMModel        string
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string

	// Server
	Port int

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first if present; real environment variables
// win over it.
func Load() Config {
	_ = godotenv.Load()

	dynamoEndpoint := getEnv("DYNAMODB_ENDPOINT", "")

	return Config{
		AWSRegion: getEnv("AWS_REGION", "us-east-1"),

		AgentID:          getEnv("BEDROCK_AGENT_ID", ""),
		AgentAliasID:     getEnv("BEDROCK_AGENT_ALIAS_ID", "TSTALIASID"),
		GuardrailID:      getEnv("BEDROCK_GUARDRAIL_ID", ""),
		GuardrailVersion: getEnv("BEDROCK_GUARDRAIL_VERSION", "DRAFT"),
		AgentMinInterval: getEnvDuration("AGENT_MIN_INTERVAL", time.Second),
		RetryFloor:       getEnvDuration("AGENT_RETRY_FLOOR", 4*time.Second),
		RetryCeiling:     getEnvDuration("AGENT_RETRY_CEILING", 10*time.Second),
		MaxAttempts:      getEnvInt("AGENT_MAX_ATTEMPTS", 3),

		ChatStore:           strings.ToLower(getEnv("CHAT_STORE", StoreDynamoDB)),
		DynamoDBTable:       getEnv("DYNAMODB_CHAT_HISTORY_TABLE", "chat_history"),
		DynamoDBEndpoint:    dynamoEndpoint,
		DynamoDBCreateTable: getEnvBool("DYNAMODB_CREATE_TABLE", dynamoEndpoint != ""),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "policychat"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "chat"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		CognitoSecretID:     getEnv("SECRETS_MANAGER_ID", ""),
		CognitoUserPoolID:   getEnv("COGNITO_USER_POOL_ID", ""),
		CognitoClientID:     getEnv("COGNITO_APP_CLIENT_ID", ""),
		CognitoClientSecret: getEnv("COGNITO_APP_CLIENT_SECRET", ""),

		DBSecretName:    getEnv("SECRET_NAME", ""),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		S3BucketName:    getEnv("S3_BUCKET_NAME", ""),
		S3MetadataKey:   getEnv("S3_METADATA_KEY", "metadata.json"),
		LLMProvider:     strings.ToLower(getEnv("LLM_PROVIDER", ProviderBedrock)),
		LLMModel:        getEnv("LLM_MODEL", "anthropic.claude-3-sonnet-20240229-v1:0"),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),

		Port: getEnvInt("POLICYCHAT_PORT", 8585),

		LogFile:  getEnv("POLICYCHAT_LOG_FILE", "/tmp/policychat.log"),
		LogLevel: parseLogLevel(getEnv("POLICYCHAT_LOG_LEVEL", "INFO")),
	}
}

// ValidateChat reports missing settings needed to talk to the agent.
func (c Config) ValidateChat() error {
	var errs []error
	if c.AgentID == "" {
		errs = append(errs, errors.New("BEDROCK_AGENT_ID is required"))
	}
	if c.AgentAliasID == "" {
		errs = append(errs, errors.New("BEDROCK_AGENT_ALIAS_ID is required"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("AGENT_MAX_ATTEMPTS must be >= 1"))
	}
	if c.RetryCeiling < c.RetryFloor {
		errs = append(errs, errors.New("AGENT_RETRY_CEILING must not be below AGENT_RETRY_FLOOR"))
	}
	switch c.ChatStore {
	case StoreDynamoDB:
		if c.DynamoDBTable == "" {
			errs = append(errs, errors.New("DYNAMODB_CHAT_HISTORY_TABLE is required"))
		}
	case StoreSurrealDB, StoreMemory:
	default:
		errs = append(errs, errors.New("CHAT_STORE must be one of dynamodb, surrealdb, memory"))
	}
	return errors.Join(errs...)
}

// ValidateAuth reports missing Cognito settings.
func (c Config) ValidateAuth() error {
	if c.CognitoSecretID != "" {
		return nil
	}
	if c.CognitoUserPoolID == "" || c.CognitoClientID == "" {
		return errors.New("SECRETS_MANAGER_ID or COGNITO_USER_POOL_ID and COGNITO_APP_CLIENT_ID are required")
	}
	return nil
}

// ValidateSQL reports missing settings for the text-to-SQL path.
func (c Config) ValidateSQL() error {
	var errs []error
	if c.DBSecretName == "" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("SECRET_NAME or DATABASE_URL is required"))
	}
	if c.S3BucketName == "" {
		errs = append(errs, errors.New("S3_BUCKET_NAME is required"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvDuration accepts Go durations ("1500ms") or plain seconds ("2").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
