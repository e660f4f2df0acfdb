package usage

import (
	"context"
	"sync"
	"time"

	"orchestrator-go/internal/proxy"

	log "github.com/sirupsen/logrus"
)

// Tracker folds attempt events into aggregate statistics and periodically
// persists them. It satisfies the proxy's attempt recorder.
type Tracker struct {
	stats   *Stats
	storage Storage
	mu      sync.RWMutex

	persistInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewTracker creates a tracker over the given storage. storage may be nil,
// in which case nothing is persisted.
func NewTracker(storage Storage, persistInterval time.Duration) *Tracker {
	if persistInterval <= 0 {
		persistInterval = 60 * time.Second
	}
	return &Tracker{
		stats:           NewStats(),
		storage:         storage,
		persistInterval: persistInterval,
		stopCh:          make(chan struct{}),
	}
}

// Start loads persisted statistics and launches the persistence worker.
func (t *Tracker) Start(ctx context.Context) error {
	if err := t.loadFromStorage(ctx); err != nil {
		log.WithError(err).Warn("Failed to load usage statistics, starting fresh")
	}

	t.wg.Add(1)
	go t.persistWorker(ctx)

	log.Info("Usage tracker started")
	return nil
}

// Stop halts the worker and persists a final snapshot.
func (t *Tracker) Stop(ctx context.Context) error {
	close(t.stopCh)
	t.wg.Wait()

	if err := t.saveToStorage(ctx); err != nil {
		log.WithError(err).Error("Failed to save final usage statistics")
		return err
	}
	log.Info("Usage tracker stopped")
	return nil
}

// RecordAttempt folds one upstream attempt into the aggregates.
func (t *Tracker) RecordAttempt(_ context.Context, at proxy.Attempt) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats
	s.TotalAttempts++
	success := at.Outcome == "success"
	switch at.Outcome {
	case "success":
		s.SuccessCount++
	case "retryable":
		s.RetryableCount++
	case "fatal":
		s.FatalCount++
	case "network_error":
		s.NetworkErrors++
	case "token_error":
		s.TokenErrors++
	case "client_cancel":
		s.ClientCancels++
	}
	s.BytesIn += at.BytesIn
	s.BytesOut += at.BytesOut

	provider := string(at.Provider)
	p, ok := s.Providers[provider]
	if !ok {
		p = &ProviderStats{Name: provider, Models: make(map[string]*ModelStats)}
		s.Providers[provider] = p
	}
	p.Attempts++
	p.BytesIn += at.BytesIn
	p.BytesOut += at.BytesOut
	switch at.Outcome {
	case "success":
		p.Success++
	case "retryable":
		p.Retryable++
	case "fatal":
		p.Fatal++
	}
	if at.Model != "" {
		m, ok := p.Models[at.Model]
		if !ok {
			m = &ModelStats{Model: at.Model}
			p.Models[at.Model] = m
		}
		m.Calls++
		if success {
			m.Success++
		}
		m.LastUsed = at.Time
	}

	if at.CredentialID != "" {
		c, ok := s.Credentials[at.CredentialID]
		if !ok {
			c = &CredentialStats{ID: at.CredentialID, Provider: provider}
			s.Credentials[at.CredentialID] = c
		}
		c.Attempts++
		if success {
			c.Success++
		}
		if at.Outcome == "retryable" {
			c.Retryable++
		}
		c.LastStatus = at.StatusCode
		c.LastUsed = at.Time
	}

	dateKey := at.Time.Format("2006-01-02")
	d, ok := s.Daily[dateKey]
	if !ok {
		d = &DailyStats{Date: dateKey}
		s.Daily[dateKey] = d
	}
	d.Attempts++
	if success {
		d.Success++
	} else {
		d.Failure++
	}

	hour := at.Time.Hour()
	h, ok := s.Hourly[hour]
	if !ok {
		h = &HourlyStats{Hour: hour}
		s.Hourly[hour] = h
	}
	h.Attempts++
	if success {
		h.Success++
	} else {
		h.Failure++
	}
}

// GetStats returns a deep copy of the current aggregates.
func (t *Tracker) GetStats() *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats.clone()
}

// GetCredentialStats returns the aggregate for one credential, or nil.
func (t *Tracker) GetCredentialStats(id string) *CredentialStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.stats.Credentials[id]; ok {
		cp := *c
		return &cp
	}
	return nil
}

func (t *Tracker) persistWorker(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.saveToStorage(ctx); err != nil {
				log.WithError(err).Error("Failed to persist usage statistics")
			}
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) loadFromStorage(ctx context.Context) error {
	if t.storage == nil {
		return nil
	}
	stats, err := t.storage.LoadStats(ctx)
	if err != nil {
		return err
	}
	stats.normalize()

	t.mu.Lock()
	t.stats = stats
	t.mu.Unlock()

	log.WithFields(log.Fields{
		"credentials": len(stats.Credentials),
		"days":        len(stats.Daily),
	}).Info("Loaded usage statistics from storage")
	return nil
}

func (t *Tracker) saveToStorage(ctx context.Context) error {
	if t.storage == nil {
		return nil
	}
	return t.storage.SaveStats(ctx, t.GetStats())
}
