package collab

import (
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Settings tunes one engine instance.
type Settings struct {
	SyncFrequency        time.Duration
	MaxOperationQueue    int
	OperationTimeout     time.Duration
	HeartbeatInterval    time.Duration
	ReconnectAttempts    int
	ReconnectDelay       time.Duration
	CompressionThreshold int
	BatchSize            int
	EnableEncryption     bool
	EnableCompression    bool
	EncryptionKey        []byte
	CommandTimeout       time.Duration
	RetentionWindow      time.Duration
	PurgeInterval        time.Duration
	ConcurrentEditWindow time.Duration
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		SyncFrequency:        100 * time.Millisecond,
		MaxOperationQueue:    1000,
		OperationTimeout:     5 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ReconnectAttempts:    5,
		ReconnectDelay:       time.Second,
		CompressionThreshold: 1024,
		BatchSize:            50,
		EnableCompression:    true,
		CommandTimeout:       5 * time.Second,
		RetentionWindow:      24 * time.Hour,
		PurgeInterval:        time.Hour,
		ConcurrentEditWindow: DefaultConcurrentEditWindow,
	}
}

// withDefaults fills zero durations and counts from DefaultSettings.
func (s Settings) withDefaults() Settings {
	defaults := DefaultSettings()
	if s.SyncFrequency <= 0 {
		s.SyncFrequency = defaults.SyncFrequency
	}
	if s.MaxOperationQueue <= 0 {
		s.MaxOperationQueue = defaults.MaxOperationQueue
	}
	if s.OperationTimeout <= 0 {
		s.OperationTimeout = defaults.OperationTimeout
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if s.ReconnectAttempts < 0 {
		s.ReconnectAttempts = 0
	}
	if s.ReconnectDelay <= 0 {
		s.ReconnectDelay = defaults.ReconnectDelay
	}
	if s.CompressionThreshold <= 0 {
		s.CompressionThreshold = defaults.CompressionThreshold
	}
	if s.BatchSize <= 0 {
		s.BatchSize = defaults.BatchSize
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = defaults.CommandTimeout
	}
	if s.RetentionWindow <= 0 {
		s.RetentionWindow = defaults.RetentionWindow
	}
	if s.PurgeInterval <= 0 {
		s.PurgeInterval = defaults.PurgeInterval
	}
	if s.ConcurrentEditWindow <= 0 {
		s.ConcurrentEditWindow = defaults.ConcurrentEditWindow
	}
	return s
}

// Validate checks settings that cannot be defaulted.
func (s Settings) Validate() error {
	if s.EnableEncryption && len(s.EncryptionKey) != chacha20poly1305.KeySize {
		return fmt.Errorf("%w: encryption key must be %d bytes", ErrValidation, chacha20poly1305.KeySize)
	}
	return nil
}
