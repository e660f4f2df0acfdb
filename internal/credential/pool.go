package credential

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrPoolEmpty means no credentials are configured for the provider.
	ErrPoolEmpty = errors.New("credential pool is empty")
	// ErrAllCooling means every configured credential is cooling or disabled.
	ErrAllCooling = errors.New("all credentials cooling or disabled")
	// ErrNotFound means the requested credential id is not in the pool.
	ErrNotFound = errors.New("credential not found")
)

// Pool owns the ordered credential sequence and rotation cursor for one
// provider. The pool lock covers only cursor movement and slice swaps; it is
// never held across network calls. Health mutation goes through the
// credential's own mutex via ReportSuccess/ReportFailure.
type Pool struct {
	provider Provider
	cooldown time.Duration
	now      func() time.Time

	mu     sync.Mutex
	creds  []*Credential
	byID   map[string]*Credential
	cursor int
}

// NewPool creates an empty pool; populate it with Reload.
func NewPool(provider Provider, cooldown time.Duration) *Pool {
	return &Pool{
		provider: provider,
		cooldown: cooldown,
		now:      time.Now,
		byID:     make(map[string]*Credential),
	}
}

// Provider reports which backend family the pool serves.
func (p *Pool) Provider() Provider { return p.provider }

// Select returns the next eligible credential in round-robin order, advancing
// the cursor past it. Cooling and disabled slots are skipped; a cooling slot
// whose window has lapsed is selected normally. A full cycle with no eligible
// slot returns ErrAllCooling, an empty pool ErrPoolEmpty.
func (p *Pool) Select() (*Credential, error) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creds)
	if n == 0 {
		return nil, ErrPoolEmpty
	}
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		cred := p.creds[idx]
		if cred.Eligible(now) {
			p.cursor = (idx + 1) % n
			return cred, nil
		}
	}
	return nil, ErrAllCooling
}

// ByID returns the credential with the given identity, regardless of health.
// Used for operation affinity, where only the owning project can serve.
func (p *Pool) ByID(id string) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cred, ok := p.byID[id]; ok {
		return cred, nil
	}
	return nil, ErrNotFound
}

// ReportSuccess clears the failure streak for the credential.
func (p *Pool) ReportSuccess(cred *Credential) {
	if cred == nil {
		return
	}
	cred.MarkSuccess(p.now())
}

// ReportFailure cools the credential down for the pool's fixed window.
func (p *Pool) ReportFailure(cred *Credential, statusCode int) {
	if cred == nil {
		return
	}
	now := p.now()
	cred.MarkFailure(now, statusCode, p.cooldown)
	log.WithFields(log.Fields{
		"provider": p.provider,
		"id":       cred.ID,
		"status":   statusCode,
		"until":    now.Add(p.cooldown).Format(time.RFC3339),
	}).Debug("Credential cooling down")
}

// Reload atomically swaps in a freshly loaded credential sequence and resets
// the cursor. Callers holding credentials from the old sequence keep them; the
// old slots are simply no longer selectable.
func (p *Pool) Reload(creds []*Credential) {
	byID := make(map[string]*Credential, len(creds))
	for _, cred := range creds {
		byID[cred.ID] = cred
	}

	p.mu.Lock()
	p.creds = creds
	p.byID = byID
	p.cursor = 0
	p.mu.Unlock()

	log.WithFields(log.Fields{
		"provider": p.provider,
		"count":    len(creds),
	}).Info("Credential pool reloaded")
}

// Size reports the number of configured slots.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Snapshot returns masked views of every slot in pool order.
func (p *Pool) Snapshot() []Snapshot {
	now := p.now()

	p.mu.Lock()
	creds := make([]*Credential, len(p.creds))
	copy(creds, p.creds)
	p.mu.Unlock()

	out := make([]Snapshot, 0, len(creds))
	for _, cred := range creds {
		out = append(out, cred.SnapshotAt(now))
	}
	return out
}

// SetNowFunc overrides the clock (testing).
func (p *Pool) SetNowFunc(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}
