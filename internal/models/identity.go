package models

// IdentitySource records which branch of the session manager produced an identity.
type IdentitySource string

const (
	SourceNone          IdentitySource = ""
	SourceProvider      IdentitySource = "provider"
	SourceLocalFallback IdentitySource = "local-fallback"
)

// Identity is the resolved session principal used to attribute writes.
type Identity struct {
	ID            string         `json:"id"`
	IsEstablished bool           `json:"isEstablished"`
	Source        IdentitySource `json:"source"`
}

// Principal is what an identity provider reports for a signed-in user.
type Principal struct {
	UID     string
	IDToken string
}
