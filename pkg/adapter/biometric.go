package adapter

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hwbridge/broker/pkg/logging"
	"github.com/hwbridge/broker/pkg/registry"
)

// DefaultMatchThreshold is the minimum template similarity an
// authenticate/identify call accepts as a match (spec §4.6).
const DefaultMatchThreshold = 0.7

// BiometricTemplate is one enrolled user's feature vector. Devices in
// this package never expose raw template bytes outside Enroll/Match —
// list_users responses carry only UserID (spec §4.6 template
// redaction).
type BiometricTemplate struct {
	UserID   string
	Label    string
	Vector   []float64
	Enrolled time.Time
}

// EnrollResult is returned by Enroll.
type EnrollResult struct {
	UserID string `json:"user_id"`
}

// MatchResult is returned by Authenticate and by each candidate in Identify.
type MatchResult struct {
	UserID     string  `json:"user_id,omitempty"`
	Label      string  `json:"label,omitempty"`
	Matched    bool    `json:"matched"`
	Confidence float64 `json:"confidence"`
}

// Biometric adapts access-control biometric readers (spec §4.6, device
// kind "biometric"). There is no ecosystem SDK for these devices in the
// project's dependency set; template storage and similarity scoring are
// implemented directly.
type Biometric struct {
	threshold float64
	log       logging.Logger

	mu        sync.RWMutex
	templates map[string]map[string]BiometricTemplate // device ID -> user ID -> template
}

// NewBiometric builds a Biometric adapter.
func NewBiometric(threshold float64, log logging.Logger) *Biometric {
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}
	if log == nil {
		log = logging.NoopLogger{}
	}
	return &Biometric{
		threshold: threshold,
		log:       log,
		templates: make(map[string]map[string]BiometricTemplate),
	}
}

func (b *Biometric) Kind() registry.Kind { return registry.KindBiometric }

func (b *Biometric) Discover(ctx context.Context) ([]registry.Device, error) {
	// Biometric readers in this deployment are configured explicitly
	// (host/port), not auto-discovered.
	return nil, nil
}

func (b *Biometric) Open(ctx context.Context, device registry.Device) (OpenResult, error) {
	return OpenResult{Handle: device.ID}, nil
}

func (b *Biometric) Close(ctx context.Context, device registry.Device, handle string) (CloseResult, error) {
	return CloseResult{Closed: true}, nil
}

func (b *Biometric) Write(ctx context.Context, device registry.Device, handle string, data []byte) (WriteResult, error) {
	return WriteResult{}, ErrUnsupportedOnPlatform
}

func (b *Biometric) Read(ctx context.Context, device registry.Device, handle string, maxBytes int) (ReadResult, error) {
	return ReadResult{}, ErrUnsupportedOnPlatform
}

func (b *Biometric) Status(ctx context.Context, device registry.Device) (StatusResult, error) {
	return StatusResult{Status: device.Status, IsConnected: device.IsConnected}, nil
}

func (b *Biometric) Capabilities(ctx context.Context, device registry.Device) (CapabilitiesResult, error) {
	return CapabilitiesResult{
		Operations: []string{"biometric.enroll", "biometric.authenticate", "biometric.identify", "biometric.list_users", "biometric.delete_user"},
		Properties: map[string]any{"match_threshold": b.threshold},
	}, nil
}

// Enroll stores a template for userID against deviceID.
func (b *Biometric) Enroll(deviceID, userID, label string, vector []float64) (EnrollResult, error) {
	if len(vector) == 0 {
		return EnrollResult{}, fmt.Errorf("empty biometric template")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.templates[deviceID] == nil {
		b.templates[deviceID] = make(map[string]BiometricTemplate)
	}
	b.templates[deviceID][userID] = BiometricTemplate{
		UserID:   userID,
		Label:    label,
		Vector:   vector,
		Enrolled: time.Now(),
	}
	return EnrollResult{UserID: userID}, nil
}

// Authenticate compares vector against userID's stored template only.
func (b *Biometric) Authenticate(deviceID, userID string, vector []float64) (MatchResult, error) {
	b.mu.RLock()
	tmpl, ok := b.templates[deviceID][userID]
	b.mu.RUnlock()
	if !ok {
		return MatchResult{}, fmt.Errorf("no enrolled template for user %q", userID)
	}
	confidence := cosineSimilarity(tmpl.Vector, vector)
	return MatchResult{
		UserID:     userID,
		Label:      tmpl.Label,
		Matched:    confidence >= b.threshold,
		Confidence: confidence,
	}, nil
}

// Identify compares vector against every template enrolled on deviceID
// and returns the best match, if any clears the threshold.
func (b *Biometric) Identify(deviceID string, vector []float64) (MatchResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var best MatchResult
	for _, tmpl := range b.templates[deviceID] {
		confidence := cosineSimilarity(tmpl.Vector, vector)
		if confidence > best.Confidence {
			best = MatchResult{UserID: tmpl.UserID, Label: tmpl.Label, Confidence: confidence}
		}
	}
	best.Matched = best.Confidence >= b.threshold
	return best, nil
}

// ListUsers returns enrolled users without their template vectors.
func (b *Biometric) ListUsers(deviceID string) []EnrollResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]EnrollResult, 0, len(b.templates[deviceID]))
	for _, tmpl := range b.templates[deviceID] {
		out = append(out, EnrollResult{UserID: tmpl.UserID})
	}
	return out
}

// DeleteUser removes userID's enrolled template from deviceID.
func (b *Biometric) DeleteUser(deviceID, userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	users := b.templates[deviceID]
	if users == nil {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	return true
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
