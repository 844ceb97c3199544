package credential

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/relay/internal/pipeline"
	"github.com/rakunlabs/relay/internal/relerr"
)

const component = "credential-manager"

// ExpiryBuffer mirrors CopilotTokenSource's 5-minute refresh-ahead
// window (internal/service/llm/openai/auth.go).
const ExpiryBuffer = 5 * time.Minute

// Refresher performs the actual OAuth refresh-token exchange for one
// credential. Providers without a refresh flow (static API keys) never
// need one; RefreshAuth treats a nil Refresher as "cannot refresh,
// fails to invalid".
type Refresher interface {
	Refresh(ctx context.Context, cred *Credential) (material string, expiresAt *time.Time, err error)
}

// Prober performs SelfCheck's cheap upstream liveness probe
// (§4.9: validateWithAPI). Optional; when absent, ValidateWithAPI
// reports the credential healthy unless its state is invalid.
type Prober interface {
	Probe(ctx context.Context, cred *Credential) bool
}

// Broadcaster propagates a local credential invalidation to peer
// relay instances (§4.9/§103: "when clustering is configured, the
// invalidation is also broadcast to peer instances"). Satisfied by
// *cluster.Cluster; left unset (nil) when clustering isn't configured.
type Broadcaster interface {
	BroadcastInvalid(ctx context.Context, credentialRef, provider string) error
}

// Manager is the CredentialManager (§4.9): sole mutator of Credential
// state, consulted (read-only) by Server stages via the Reader
// interface it also satisfies.
type Manager struct {
	mu    sync.RWMutex
	creds map[string]*Credential

	refresher Refresher
	prober    Prober

	// pm is SelfCheck's one-way reference to the PipelineManager (§9:
	// "SelfCheck holds a reference to PipelineManager, not vice versa").
	pm *pipeline.Manager

	// bindings maps a credentialRef to every pipelineId that depends on
	// it, so an invalidation can quarantine all of them.
	bindings map[string][]string

	broadcaster Broadcaster
}

// SetBroadcaster wires a cluster.Cluster (or any Broadcaster) so local
// invalidations propagate to peer instances. Optional; call before any
// credential can go invalid, typically once at startup.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.broadcaster = b
}

// NewManager builds an empty Manager. refresher/prober may be nil.
func NewManager(pm *pipeline.Manager, refresher Refresher, prober Prober) *Manager {
	return &Manager{
		creds:     make(map[string]*Credential),
		bindings:  make(map[string][]string),
		refresher: refresher,
		prober:    prober,
		pm:        pm,
	}
}

// Register adds a loaded Credential under its ref, replacing any prior
// entry. Called once per provider at startup from the loaded Store.
func (m *Manager) Register(c *Credential) {
	m.mu.Lock()
	m.creds[c.Ref] = c
	m.mu.Unlock()
}

// Bind records that pipelineID depends on credentialRef, so SelfCheck
// knows which pipelines to quarantine on invalidation.
func (m *Manager) Bind(credentialRef, pipelineID string) {
	m.mu.Lock()
	m.bindings[credentialRef] = append(m.bindings[credentialRef], pipelineID)
	m.mu.Unlock()
}

// Get returns the credential for ref.
func (m *Manager) Get(ref string) (*Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[ref]
	return c, ok
}

// Material implements the Reader capability Server/Protocol stages
// consult (read-only, §5).
func (m *Manager) Material(ref string) (string, bool) {
	c, ok := m.Get(ref)
	if !ok {
		return "", false
	}
	return c.Material(), true
}

// CheckExpiry reports whether ref's credential is within its expiry
// buffer (§4.9). When the live material looks like a JWT, the exp
// claim is authoritative over the stored ExpiresAt (it reflects the
// most recently issued token, not the one recorded at load time).
func (m *Manager) CheckExpiry(ref string) bool {
	c, ok := m.Get(ref)
	if !ok {
		return false
	}

	if exp, ok := jwtExpiry(c.Material()); ok {
		return time.Now().After(exp.Add(-ExpiryBuffer))
	}
	return c.IsExpiringSoon(time.Now(), ExpiryBuffer)
}

// jwtExpiry parses the exp claim out of material without verifying its
// signature — CredentialManager only needs the timestamp, and the
// issuing provider is trusted to have signed it correctly (§4.9).
func jwtExpiry(material string) (time.Time, bool) {
	if strings.Count(material, ".") != 2 {
		return time.Time{}, false
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(material, claims); err != nil {
		return time.Time{}, false
	}

	expVal, err := claims.GetExpirationTime()
	if err != nil || expVal == nil {
		return time.Time{}, false
	}
	return expVal.Time, true
}

// ValidateWithAPI probes the upstream endpoint for ref via the
// injected Prober (§4.9). Returns true when the credential is healthy.
func (m *Manager) ValidateWithAPI(ctx context.Context, ref string) bool {
	c, ok := m.Get(ref)
	if !ok {
		return false
	}
	if m.prober == nil {
		return c.State() != StateInvalid
	}
	return m.prober.Probe(ctx, c)
}

// RefreshAuth schedules an async refresh and returns immediately
// (§4.9: "returns within O(1 ms)"). The transition valid->refreshing
// does not quarantine dependent pipelines; in-flight requests keep
// using the pre-swap material until the new one lands.
func (m *Manager) RefreshAuth(ref string) bool {
	c, ok := m.Get(ref)
	if !ok {
		return false
	}

	if c.State() == StateRefreshing {
		return true
	}
	c.setState(StateRefreshing)

	go m.doRefresh(ref, c)
	return true
}

func (m *Manager) doRefresh(ref string, c *Credential) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if m.refresher == nil {
		m.transitionInvalid(ref, c)
		return
	}

	material, expiresAt, err := m.refresher.Refresh(ctx, c)
	if err != nil {
		slog.Error("credential refresh failed", "component", component, "ref", ref, "error", err)
		m.transitionInvalid(ref, c)
		return
	}

	c.swapMaterial(material)
	if expiresAt != nil {
		c.ExpiresAt = types.NewTimeNull(*expiresAt)
	} else {
		c.ExpiresAt = types.Null[types.Time]{}
	}
	c.setState(StateValid)
	slog.Info("credential refreshed", "component", component, "ref", ref)
}

// transitionInvalid moves a credential to invalid and quarantines
// every pipeline bound to it (§4.9).
func (m *Manager) transitionInvalid(ref string, c *Credential) {
	c.setState(StateInvalid)

	m.mu.RLock()
	pipelineIDs := append([]string(nil), m.bindings[ref]...)
	m.mu.RUnlock()

	for _, id := range pipelineIDs {
		if m.pm == nil {
			continue
		}
		if err := m.pm.Quarantine(id, "credential "+ref+" is invalid"); err != nil {
			slog.Error("failed to quarantine pipeline after credential invalidation", "component", component, "pipelineId", id, "error", err)
		}
	}

	if m.broadcaster != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.broadcaster.BroadcastInvalid(ctx, ref, c.Provider); err != nil {
			slog.Error("failed to broadcast credential invalidation to peers", "component", component, "ref", ref, "error", err)
		}
	}

	slog.Warn("credential requires operator re-authentication", "component", component, "ref", ref, "error", m.AuthRecreateRequired(ref, c.Provider))
}

// MarkInvalidFromPeer quarantines ref's bound pipelines in response to
// a cluster broadcast from a peer instance that observed the
// invalidation first (§9). It deliberately skips Broadcaster — relaying
// a peer's own broadcast back out would loop forever across the fleet.
func (m *Manager) MarkInvalidFromPeer(ref, provider string) {
	c, ok := m.Get(ref)
	if !ok {
		c = &Credential{Ref: ref, Provider: provider}
		m.Register(c)
	}
	c.setState(StateInvalid)

	m.mu.RLock()
	pipelineIDs := append([]string(nil), m.bindings[ref]...)
	m.mu.RUnlock()

	for _, id := range pipelineIDs {
		if m.pm == nil {
			continue
		}
		if err := m.pm.Quarantine(id, "credential "+ref+" is invalid"); err != nil {
			slog.Error("failed to quarantine pipeline after peer credential invalidation", "component", component, "pipelineId", id, "error", err)
		}
	}
}

// AuthRecreateRequired builds the operator-actionable error for an
// invalid credential (§4.9).
func (m *Manager) AuthRecreateRequired(ref, provider string) *relerr.AuthRecreateRequired {
	c, _ := m.Get(ref)
	oauthURL := ""
	if c != nil {
		oauthURL = c.OAuthURL
	}
	return &relerr.AuthRecreateRequired{Ref: ref, Provider: provider, OAuthURL: oauthURL}
}

// Resolve clears a credential's invalid state after operator action
// (§4.9: "invalid -> valid after operator action"), e.g. a reloaded
// credential file, and resumes its bound pipelines.
func (m *Manager) Resolve(ref string) {
	c, ok := m.Get(ref)
	if !ok {
		return
	}
	c.setState(StateValid)

	m.mu.RLock()
	pipelineIDs := append([]string(nil), m.bindings[ref]...)
	m.mu.RUnlock()

	for _, id := range pipelineIDs {
		if m.pm == nil {
			continue
		}
		if err := m.pm.Resume(id); err != nil {
			slog.Error("failed to resume pipeline after credential resolution", "component", component, "pipelineId", id, "error", err)
		}
	}
}

// NotifyAuthError implements pipeline.AuthNotifier: a Server stage
// reported an AuthError for credentialRef, so trigger a refresh (§4.4).
func (m *Manager) NotifyAuthError(credentialRef string) {
	m.RefreshAuth(credentialRef)
}
