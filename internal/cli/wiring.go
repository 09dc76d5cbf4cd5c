package cli

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/raphaelgruber/policychat/internal/agent"
	"github.com/raphaelgruber/policychat/internal/auth"
	"github.com/raphaelgruber/policychat/internal/chatstore"
	"github.com/raphaelgruber/policychat/internal/config"
	"github.com/raphaelgruber/policychat/internal/conversation"
	"github.com/raphaelgruber/policychat/internal/llm"
	"github.com/raphaelgruber/policychat/internal/secrets"
	"github.com/raphaelgruber/policychat/internal/sqlexec"
	"github.com/raphaelgruber/policychat/internal/text2sql"
)

func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// openStore connects the configured session store. The returned close
// function is never nil.
func openStore(ctx context.Context, awsCfg aws.Config) (chatstore.Store, func(), error) {
	noop := func() {}

	var store chatstore.Store
	closeFn := noop
	switch cfg.ChatStore {
	case config.StoreDynamoDB:
		s := chatstore.NewDynamoStoreFromConfig(awsCfg, cfg.DynamoDBTable, cfg.DynamoDBEndpoint, logger)
		if cfg.DynamoDBCreateTable {
			if err := s.CreateTable(ctx); err != nil {
				return nil, noop, fmt.Errorf("provision dynamodb table: %w", err)
			}
		}
		store = s

	case config.StoreSurrealDB:
		s, err := chatstore.NewSurrealStore(ctx, chatstore.SurrealConfig{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("connect to surrealdb: %w", err)
		}
		store = s
		closeFn = func() {
			if err := s.Close(context.Background()); err != nil {
				logger.Warn("failed to close surrealdb connection", "error", err)
			}
		}

	case config.StoreMemory:
		logger.Warn("using in-memory session store, conversations are lost on exit")
		store = chatstore.NewMemoryStore(logger)

	default:
		return nil, noop, fmt.Errorf("unknown CHAT_STORE %q", cfg.ChatStore)
	}

	logger.Debug("session store ready", "backend", cfg.ChatStore)
	return chatstore.Instrument(store, collector), closeFn, nil
}

func newAgentClient(awsCfg aws.Config) *agent.Client {
	policy := agent.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	policy.Floor = cfg.RetryFloor
	policy.Ceiling = cfg.RetryCeiling

	client := agent.NewClient(agent.NewBedrockRuntime(awsCfg), cfg.AgentID, cfg.AgentAliasID,
		agent.WithMinInterval(cfg.AgentMinInterval),
		agent.WithRetryPolicy(policy),
		agent.WithLogger(logger),
		agent.WithMetrics(collector),
	)
	logger.Info("agent client initialized",
		"agent_id", cfg.AgentID,
		"agent_alias_id", cfg.AgentAliasID,
		"guardrail_id", cfg.GuardrailID,
		"guardrail_version", cfg.GuardrailVersion,
		"session_id", client.SessionID(),
	)
	return client
}

// newOrchestrator wires store and agent together.
func newOrchestrator(ctx context.Context) (*conversation.Orchestrator, func(), error) {
	if err := cfg.ValidateChat(); err != nil {
		return nil, func() {}, fmt.Errorf("invalid configuration: %w", err)
	}
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, func() {}, err
	}
	store, closeStore, err := openStore(ctx, awsCfg)
	if err != nil {
		return nil, func() {}, err
	}
	return conversation.New(store, newAgentClient(awsCfg), logger, collector), closeStore, nil
}

// newAuthProvider resolves Cognito credentials from Secrets Manager, with
// environment values taking precedence.
func newAuthProvider(ctx context.Context, awsCfg aws.Config) (*auth.Provider, error) {
	if err := cfg.ValidateAuth(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var creds auth.Credentials
	if cfg.CognitoSecretID != "" {
		var err error
		creds, err = auth.LoadCredentials(ctx, secrets.NewAPI(awsCfg), cfg.CognitoSecretID)
		if err != nil {
			return nil, fmt.Errorf("load cognito credentials: %w", err)
		}
	}
	if cfg.CognitoUserPoolID != "" {
		creds.UserPoolID = cfg.CognitoUserPoolID
	}
	if cfg.CognitoClientID != "" {
		creds.ClientID = cfg.CognitoClientID
	}
	if cfg.CognitoClientSecret != "" {
		creds.ClientSecret = cfg.CognitoClientSecret
	}
	return auth.NewProviderFromConfig(awsCfg, creds, logger), nil
}

// newDataService wires the text-to-SQL pipeline. The close function
// releases the database pool.
func newDataService(ctx context.Context, awsCfg aws.Config) (*text2sql.Service, func(), error) {
	noop := func() {}
	if err := cfg.ValidateSQL(); err != nil {
		return nil, noop, fmt.Errorf("invalid configuration: %w", err)
	}

	connString, err := sqlexec.ResolveConnString(ctx, secrets.NewAPI(awsCfg), cfg.DatabaseURL, cfg.DBSecretName)
	if err != nil {
		return nil, noop, err
	}
	pool, err := sqlexec.Connect(ctx, connString)
	if err != nil {
		return nil, noop, fmt.Errorf("connect to database: %w", err)
	}

	model, err := llm.NewModel(cfg, awsCfg, llm.WithLogger(logger), llm.WithMetrics(collector))
	if err != nil {
		pool.Close()
		return nil, noop, fmt.Errorf("init model: %w", err)
	}

	meta := text2sql.NewS3Metadata(s3.NewFromConfig(awsCfg), cfg.S3BucketName, cfg.S3MetadataKey)
	exec := sqlexec.NewExecutor(pool, logger, collector)
	return text2sql.NewService(meta, model, exec, logger, collector), pool.Close, nil
}
