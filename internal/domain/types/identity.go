package types

// Identity persists the opaque Identity Keys state blob. Blob is produced
// and consumed by internal/protocol/identity (via MarshalState /
// UnmarshalState); this package never interprets its contents, only
// carries it to and from an encrypted file.
type Identity struct {
	Blob []byte `json:"blob"`
}
