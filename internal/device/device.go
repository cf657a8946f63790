// Package device manages microphone permission and capture handles.
package device

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lukasbauer/avatarchat/internal/state"
)

var (
	// ErrPermissionDenied means the platform refused microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceUnavailable means no usable capture device could be opened.
	ErrDeviceUnavailable = errors.New("microphone unavailable")
)

// Stream is a live microphone capture handle.
type Stream interface {
	io.ReadCloser
}

// Platform acquires microphone capture handles.
type Platform interface {
	Acquire(ctx context.Context) (Stream, error)
}

// PermissionQuerier is implemented by platforms that can report the
// permission state without prompting.
type PermissionQuerier interface {
	QueryPermission(ctx context.Context) (state.PermissionState, error)
}

// Manager tracks microphone permission and hands out capture streams.
type Manager struct {
	platform Platform
	logger   zerolog.Logger

	mu         sync.Mutex
	permission state.PermissionState
}

func NewManager(platform Platform, logger zerolog.Logger) *Manager {
	return &Manager{
		platform:   platform,
		logger:     logger.With().Str("component", "device").Logger(),
		permission: state.PermissionUnknown,
	}
}

// CheckPermission queries the platform without prompting. Platforms without
// a query capability report the last observed state.
func (m *Manager) CheckPermission(ctx context.Context) state.PermissionState {
	querier, ok := m.platform.(PermissionQuerier)
	if !ok {
		return m.Permission()
	}

	perm, err := querier.QueryPermission(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("permission query failed")
		return m.Permission()
	}
	m.setPermission(perm)
	return perm
}

// RequestPermission acquires the device once and releases it immediately.
// It returns granted or denied.
func (m *Manager) RequestPermission(ctx context.Context) state.PermissionState {
	stream, err := m.Open(ctx)
	if err != nil {
		m.logger.Info().Err(err).Msg("microphone probe failed")
		return state.PermissionDenied
	}
	if err := stream.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to release probe stream")
	}
	return state.PermissionGranted
}

// Open acquires a capture stream for real use. Callers own the returned
// stream and must Close it.
func (m *Manager) Open(ctx context.Context) (Stream, error) {
	stream, err := m.platform.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			m.setPermission(state.PermissionDenied)
		}
		return nil, err
	}
	m.setPermission(state.PermissionGranted)
	return stream, nil
}

// Permission returns the last observed permission state.
func (m *Manager) Permission() state.PermissionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permission
}

func (m *Manager) setPermission(p state.PermissionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permission = p
}
