package protocol

const (
	RuntimeValid   = "valid"
	RuntimeInvalid = "invalid"
)

// RuntimeEvent is attached to initialized and newBlock events when the follow
// subscription is started with runtime updates
type RuntimeEvent struct {
	Type  string       `json:"type"`
	Spec  *RuntimeSpec `json:"spec,omitempty"`
	Error string       `json:"error,omitempty"`
}

func (r *RuntimeEvent) IsValid() bool {
	return r.Type == RuntimeValid && r.Spec != nil
}

type RuntimeSpec struct {
	SpecName           string            `json:"specName"`
	ImplName           string            `json:"implName"`
	SpecVersion        uint32            `json:"specVersion"`
	ImplVersion        uint32            `json:"implVersion"`
	TransactionVersion uint32            `json:"transactionVersion"`
	Apis               map[string]uint32 `json:"apis"`
}
