package authn

import (
	"github.com/pubvault/pubvault/pkg/types"
)

// Well-known service agent ids
const (
	GithubActionsAgentID     = "service:github-actions"
	GcpServiceAccountAgentID = "service:gcp-service-account"
)

// Agent is an authenticated principal on an API call: an interactive
// user, a GitHub Actions workflow identity, or a GCP service account.
// Implementations form a closed set; callers type-switch rather than
// extending it.
type Agent interface {
	// AgentID identifies the principal for audit records and version
	// attribution, e.g. "user:<uuid>" or "service:github-actions".
	AgentID() string

	// DisplayID is a human-readable identifier for messages and logs.
	DisplayID() string
}

// UserAgent is an authenticated interactive user
type UserAgent struct {
	User *types.User
}

// AgentID implements Agent
func (a *UserAgent) AgentID() string { return "user:" + a.User.ID.String() }

// DisplayID implements Agent
func (a *UserAgent) DisplayID() string { return a.User.Email }

// GithubAgent is a GitHub Actions workflow identity from an OIDC token
type GithubAgent struct {
	Repository  string // "<owner>/<repo>"
	EventName   string
	RefType     string
	Ref         string
	Environment string
}

// AgentID implements Agent
func (a *GithubAgent) AgentID() string { return GithubActionsAgentID }

// DisplayID implements Agent
func (a *GithubAgent) DisplayID() string { return a.Repository }

// GcpAgent is a GCP service-account identity from an ID token
type GcpAgent struct {
	Email string
}

// AgentID implements Agent
func (a *GcpAgent) AgentID() string { return GcpServiceAccountAgentID }

// DisplayID implements Agent
func (a *GcpAgent) DisplayID() string { return a.Email }

// AsUser returns the interactive user behind an agent, if any
func AsUser(agent Agent) (*UserAgent, bool) {
	u, ok := agent.(*UserAgent)
	return u, ok
}
