// Package usage aggregates per-attempt telemetry into queryable
// statistics and persists them through a pluggable storage backend.
package usage

import "time"

// ModelStats counts calls per model within a provider.
type ModelStats struct {
	Model    string    `json:"model"`
	Calls    int64     `json:"calls"`
	Success  int64     `json:"success"`
	LastUsed time.Time `json:"last_used"`
}

// ProviderStats aggregates attempts against one upstream family.
type ProviderStats struct {
	Name      string                 `json:"name"`
	Attempts  int64                  `json:"attempts"`
	Success   int64                  `json:"success"`
	Retryable int64                  `json:"retryable"`
	Fatal     int64                  `json:"fatal"`
	BytesIn   int64                  `json:"bytes_in"`
	BytesOut  int64                  `json:"bytes_out"`
	Models    map[string]*ModelStats `json:"models"`
}

// CredentialStats aggregates attempts served with one credential.
type CredentialStats struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	Attempts   int64     `json:"attempts"`
	Success    int64     `json:"success"`
	Retryable  int64     `json:"retryable"`
	LastStatus int       `json:"last_status"`
	LastUsed   time.Time `json:"last_used"`
}

// DailyStats buckets attempts by calendar date.
type DailyStats struct {
	Date     string `json:"date"`
	Attempts int64  `json:"attempts"`
	Success  int64  `json:"success"`
	Failure  int64  `json:"failure"`
}

// HourlyStats buckets attempts by hour of day across all days.
type HourlyStats struct {
	Hour     int   `json:"hour"`
	Attempts int64 `json:"attempts"`
	Success  int64 `json:"success"`
	Failure  int64 `json:"failure"`
}

// Stats is the full aggregate picture.
type Stats struct {
	TotalAttempts  int64 `json:"total_attempts"`
	SuccessCount   int64 `json:"success_count"`
	RetryableCount int64 `json:"retryable_count"`
	FatalCount     int64 `json:"fatal_count"`
	NetworkErrors  int64 `json:"network_errors"`
	TokenErrors    int64 `json:"token_errors"`
	ClientCancels  int64 `json:"client_cancels"`
	BytesIn        int64 `json:"bytes_in"`
	BytesOut       int64 `json:"bytes_out"`

	Providers   map[string]*ProviderStats   `json:"providers"`
	Credentials map[string]*CredentialStats `json:"credentials"`
	Daily       map[string]*DailyStats      `json:"daily"`
	Hourly      map[int]*HourlyStats        `json:"hourly"`
}

// NewStats returns an empty aggregate with all maps initialized.
func NewStats() *Stats {
	return &Stats{
		Providers:   make(map[string]*ProviderStats),
		Credentials: make(map[string]*CredentialStats),
		Daily:       make(map[string]*DailyStats),
		Hourly:      make(map[int]*HourlyStats),
	}
}

// normalize repairs nil maps after deserialization from storage.
func (s *Stats) normalize() {
	if s.Providers == nil {
		s.Providers = make(map[string]*ProviderStats)
	}
	if s.Credentials == nil {
		s.Credentials = make(map[string]*CredentialStats)
	}
	if s.Daily == nil {
		s.Daily = make(map[string]*DailyStats)
	}
	if s.Hourly == nil {
		s.Hourly = make(map[int]*HourlyStats)
	}
	for _, p := range s.Providers {
		if p.Models == nil {
			p.Models = make(map[string]*ModelStats)
		}
	}
}

// clone makes a deep copy safe to hand outside the tracker lock.
func (s *Stats) clone() *Stats {
	out := &Stats{
		TotalAttempts:  s.TotalAttempts,
		SuccessCount:   s.SuccessCount,
		RetryableCount: s.RetryableCount,
		FatalCount:     s.FatalCount,
		NetworkErrors:  s.NetworkErrors,
		TokenErrors:    s.TokenErrors,
		ClientCancels:  s.ClientCancels,
		BytesIn:        s.BytesIn,
		BytesOut:       s.BytesOut,
		Providers:      make(map[string]*ProviderStats, len(s.Providers)),
		Credentials:    make(map[string]*CredentialStats, len(s.Credentials)),
		Daily:          make(map[string]*DailyStats, len(s.Daily)),
		Hourly:         make(map[int]*HourlyStats, len(s.Hourly)),
	}
	for k, v := range s.Providers {
		p := &ProviderStats{
			Name:      v.Name,
			Attempts:  v.Attempts,
			Success:   v.Success,
			Retryable: v.Retryable,
			Fatal:     v.Fatal,
			BytesIn:   v.BytesIn,
			BytesOut:  v.BytesOut,
			Models:    make(map[string]*ModelStats, len(v.Models)),
		}
		for mk, mv := range v.Models {
			cp := *mv
			p.Models[mk] = &cp
		}
		out.Providers[k] = p
	}
	for k, v := range s.Credentials {
		cp := *v
		out.Credentials[k] = &cp
	}
	for k, v := range s.Daily {
		cp := *v
		out.Daily[k] = &cp
	}
	for k, v := range s.Hourly {
		cp := *v
		out.Hourly[k] = &cp
	}
	return out
}
