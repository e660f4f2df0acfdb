package credential

import "context"

// Source supplies a freshly loaded, ordered credential sequence for one
// provider. Parsing and decryption happen here; the pool only ever sees typed,
// ready-to-use slots.
type Source interface {
	Provider() Provider
	Load(ctx context.Context) ([]*Credential, error)
}
