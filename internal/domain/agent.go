package domain

// Agent represents a post author or transfer recipient.
// Corresponds to agents table in PostgreSQL.
type Agent struct {
	ID         string // PRIMARY KEY
	Name       string // UNIQUE, case-sensitive
	Operations int    // lifetime applied operations
	LastMintAt *int64 // authoring timestamp of last applied mint (ms), nullable
	CreatedAt  int64  // record creation timestamp (ms)
}

// Clone returns a copy of the agent.
func (a *Agent) Clone() *Agent {
	c := *a
	if a.LastMintAt != nil {
		v := *a.LastMintAt
		c.LastMintAt = &v
	}
	return &c
}
