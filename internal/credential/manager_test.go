package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/relay/internal/pipeline"
	"github.com/rakunlabs/relay/internal/routing"
)

type noopStage struct{ tag routing.StageTag }

func (s noopStage) Tag() routing.StageTag                              { return s.tag }
func (s noopStage) Forward(ctx context.Context, in any) (any, error)   { return in, nil }
func (s noopStage) Back(ctx context.Context, in any) (any, error)      { return in, nil }
func (s noopStage) Health(ctx context.Context) bool                    { return true }
func (s noopStage) Stop(ctx context.Context) error                     { return nil }

func buildBoundPipeline(t *testing.T, pm *pipeline.Manager, id, credRef string) {
	t.Helper()
	stages := [4]pipeline.Stage{
		noopStage{tag: routing.StageTransformer},
		noopStage{tag: routing.StageProtocol},
		noopStage{tag: routing.StageCompat},
		noopStage{tag: routing.StageServer},
	}
	p := pipeline.NewPipeline(routing.PipelineConfig{PipelineID: id, CredentialRef: credRef}, stages)
	p.MarkRuntime()
	pm.AddPipeline(p)
}

type fakeRefresher struct {
	material string
	err      error
}

func (f fakeRefresher) Refresh(ctx context.Context, cred *Credential) (string, *time.Time, error) {
	if f.err != nil {
		return "", nil, f.err
	}
	return f.material, nil, nil
}

func TestRefreshAuth_SuccessTransitionsBackToValid(t *testing.T) {
	pm := pipeline.NewManager(nil, time.Second)
	mgr := NewManager(pm, fakeRefresher{material: "new-token"}, nil)
	c := newCredential("openai", fileDoc{AccessToken: "old-token"})
	mgr.Register(c)

	if ok := mgr.RefreshAuth("openai"); !ok {
		t.Fatal("expected RefreshAuth to accept known ref")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateValid && c.Material() == "new-token" {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if c.State() != StateValid {
		t.Errorf("State() = %q, want valid", c.State())
	}
	if c.Material() != "new-token" {
		t.Errorf("Material() = %q, want new-token", c.Material())
	}
}

func TestRefreshAuth_FailureQuarantinesBoundPipelines(t *testing.T) {
	pm := pipeline.NewManager(nil, time.Second)
	mgr := NewManager(pm, fakeRefresher{err: errors.New("refresh denied")}, nil)
	c := newCredential("openai", fileDoc{AccessToken: "old-token"})
	mgr.Register(c)
	mgr.Bind("openai", "pipe-1")
	buildBoundPipeline(t, pm, "pipe-1", "openai")

	mgr.RefreshAuth("openai")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateInvalid {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if c.State() != StateInvalid {
		t.Fatalf("State() = %q, want invalid", c.State())
	}

	p, _ := pm.Get("pipe-1")
	if p.Status() != pipeline.StatusQuarantined {
		t.Errorf("pipeline status = %q, want quarantined", p.Status())
	}
}

func TestRefreshAuth_UnknownRef(t *testing.T) {
	mgr := NewManager(nil, nil, nil)
	if mgr.RefreshAuth("nope") {
		t.Fatal("expected false for unknown ref")
	}
}

func TestRefreshAuth_NoopWhileAlreadyRefreshing(t *testing.T) {
	pm := pipeline.NewManager(nil, time.Second)
	mgr := NewManager(pm, fakeRefresher{material: "x"}, nil)
	c := newCredential("openai", fileDoc{AccessToken: "old"})
	c.setState(StateRefreshing)
	mgr.Register(c)

	if ok := mgr.RefreshAuth("openai"); !ok {
		t.Fatal("expected true even while already refreshing")
	}
}

func TestResolve_ClearsInvalidAndResumesPipelines(t *testing.T) {
	pm := pipeline.NewManager(nil, time.Second)
	mgr := NewManager(pm, nil, nil)
	c := newCredential("openai", fileDoc{AccessToken: "tok"})
	mgr.Register(c)
	mgr.Bind("openai", "pipe-1")
	buildBoundPipeline(t, pm, "pipe-1", "openai")

	p, _ := pm.Get("pipe-1")
	p.Quarantine("credential openai is invalid")
	c.setState(StateInvalid)

	mgr.Resolve("openai")

	if c.State() != StateValid {
		t.Errorf("State() = %q, want valid", c.State())
	}
	if p.Status() != pipeline.StatusRuntime {
		t.Errorf("pipeline status = %q, want runtime", p.Status())
	}
}

func TestCheckExpiry(t *testing.T) {
	mgr := NewManager(nil, nil, nil)
	expiry := time.Now().Add(time.Minute)
	c := &Credential{Ref: "openai", ExpiresAt: types.NewTimeNull(expiry)}
	c.setState(StateValid)
	mgr.Register(c)

	if !mgr.CheckExpiry("openai") {
		t.Error("expected expiry within the default buffer to report true")
	}
}

func TestMaterial_Reader(t *testing.T) {
	mgr := NewManager(nil, nil, nil)
	mgr.Register(newCredential("openai", fileDoc{APIKey: "k"}))

	material, ok := mgr.Material("openai")
	if !ok || material != "k" {
		t.Errorf("Material() = (%q, %v)", material, ok)
	}

	if _, ok := mgr.Material("nope"); ok {
		t.Error("expected ok=false for unknown ref")
	}
}

type fakeBroadcaster struct {
	calls int
	ref   string
	prov  string
}

func (f *fakeBroadcaster) BroadcastInvalid(ctx context.Context, ref, provider string) error {
	f.calls++
	f.ref = ref
	f.prov = provider
	return nil
}

func TestTransitionInvalid_BroadcastsWhenClusterConfigured(t *testing.T) {
	pm := pipeline.NewManager(nil, time.Second)
	mgr := NewManager(pm, fakeRefresher{err: errors.New("refresh denied")}, nil)
	bc := &fakeBroadcaster{}
	mgr.SetBroadcaster(bc)

	c := newCredential("openai", fileDoc{AccessToken: "old-token"})
	c.Provider = "openai"
	mgr.Register(c)

	mgr.RefreshAuth("openai")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if bc.calls > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if bc.calls != 1 {
		t.Fatalf("BroadcastInvalid calls = %d, want 1", bc.calls)
	}
	if bc.ref != "openai" || bc.prov != "openai" {
		t.Errorf("BroadcastInvalid(%q, %q), want (openai, openai)", bc.ref, bc.prov)
	}
}

func TestMarkInvalidFromPeer_QuarantinesWithoutReBroadcasting(t *testing.T) {
	pm := pipeline.NewManager(nil, time.Second)
	mgr := NewManager(pm, nil, nil)
	bc := &fakeBroadcaster{}
	mgr.SetBroadcaster(bc)

	c := newCredential("openai", fileDoc{AccessToken: "tok"})
	mgr.Register(c)
	mgr.Bind("openai", "pipe-1")
	buildBoundPipeline(t, pm, "pipe-1", "openai")

	mgr.MarkInvalidFromPeer("openai", "openai")

	if c.State() != StateInvalid {
		t.Fatalf("State() = %q, want invalid", c.State())
	}
	p, _ := pm.Get("pipe-1")
	if p.Status() != pipeline.StatusQuarantined {
		t.Errorf("pipeline status = %q, want quarantined", p.Status())
	}
	if bc.calls != 0 {
		t.Errorf("BroadcastInvalid calls = %d, want 0 (peer-originated invalidation must not re-broadcast)", bc.calls)
	}
}

func TestMarkInvalidFromPeer_RegistersUnknownRef(t *testing.T) {
	mgr := NewManager(nil, nil, nil)

	mgr.MarkInvalidFromPeer("unknown-ref", "openai")

	c, ok := mgr.Get("unknown-ref")
	if !ok {
		t.Fatal("expected a credential to be registered for the unknown ref")
	}
	if c.State() != StateInvalid {
		t.Errorf("State() = %q, want invalid", c.State())
	}
}

func TestNotifyAuthError_TriggersRefresh(t *testing.T) {
	pm := pipeline.NewManager(nil, time.Second)
	mgr := NewManager(pm, fakeRefresher{material: "rotated"}, nil)
	c := newCredential("openai", fileDoc{AccessToken: "stale"})
	mgr.Register(c)

	mgr.NotifyAuthError("openai")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Material() == "rotated" {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if c.Material() != "rotated" {
		t.Errorf("Material() = %q, want rotated", c.Material())
	}
}
