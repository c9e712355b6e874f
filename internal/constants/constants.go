package constants

import (
	"net/http"
	"time"
)

// Cluster health polling
const (
	DefaultHealthTimeout      = 60 * time.Second
	DefaultHealthInterval     = 5 * time.Second
	DefaultConvergenceTimeout = 10 * time.Minute
)

// Pending-operation polling. The KMS answers 202 while a key release
// decision is still being evaluated.
const (
	DefaultPendingStatus      = http.StatusAccepted
	DefaultPendingMaxAttempts = 300
	DefaultPendingInterval    = 1 * time.Second
	DefaultPendingTimeout     = 5 * time.Minute
)

// Node health statuses reported by the network health query
const (
	NodeStatusOk               = "Ok"
	NodeStatusNeedsReplacement = "NeedsReplacement"
)

// Deployment and infrastructure defaults
const (
	DefaultTestEnvironment  = "ccf/sandbox_local"
	DefaultResourceGroup    = "azure-key-management-service"
	DefaultDeploymentPrefix = "kms"
	DefaultUpAttempts       = 10
	UniqueStringLength      = 12
)

// Fact keys exchanged between setup commands
const (
	FactDeploymentName = "DEPLOYMENT_NAME"
	FactUniqueID       = "UNIQUE_ID"
	FactWorkspace      = "WORKSPACE"
	FactKMSURL         = "KMS_URL"
	FactKMSWorkspace   = "KMS_WORKSPACE"
	FactJWTIssuerURL   = "JWT_TOKEN_ISSUER_URL"
	FactJWTIssuer      = "JWT_ISSUER"
)

// Store defaults
const (
	DefaultStoreFileName   = "kmsconverge.db"
	DefaultScenarioRuns    = "scenario_runs"
	DefaultPollAttempts    = "poll_attempts"
	DefaultStoredFacts     = "stored_facts"
	ScenarioRunsSuffix     = "_scenario_runs"
	PollAttemptsSuffix     = "_poll_attempts"
	StoredFactsSuffix      = "_stored_facts"
	DefaultPostgresPort    = 5432
	DefaultPostgresSSLMode = "disable"

	DefaultPostgresMaxConnections = 10
	DefaultPostgresMaxIdleConns   = 2
	DefaultMaxConnLifetime        = 5 * time.Minute
	DefaultMaxIdleTime            = 1 * time.Minute
)
