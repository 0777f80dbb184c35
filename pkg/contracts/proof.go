package contracts

// ChainKind names the two proof chains the controller can build.
type ChainKind string

const (
	ChainAgGrid     ChainKind = "ag_grid_origin"
	ChainFederation ChainKind = "federation"
)

// LinkSource records how a proof link was established.
type LinkSource string

const (
	LinkFromGraph       LinkSource = "graph"
	LinkFromASTFallback LinkSource = "ast_fallback"
)

// ProofLink is one resolved hop of a proof chain.
type ProofLink struct {
	ExpectedKind string     `json:"expectedKind"`
	NodeID       string     `json:"nodeId"`
	NodeName     string     `json:"nodeName,omitempty"`
	EdgeType     string     `json:"edgeType,omitempty"`
	Source       LinkSource `json:"source"`
	File         string     `json:"file,omitempty"`
}

// ProofChain is a traversal establishing the origin of a UI feature or the
// destination of a federated route. MissingLinks is explicit: the builder
// never fabricates links it cannot evidence.
type ProofChain struct {
	Kind         ChainKind   `json:"kind"`
	Seed         string      `json:"seed"`
	Links        []ProofLink `json:"links"`
	MissingLinks []string    `json:"missingLinks"`
	Complete     bool        `json:"complete"`
}
