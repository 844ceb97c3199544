package cluster

import (
	"encoding/json"
	"testing"
)

func TestNew_NilConfigDisablesClustering(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}
	if c != nil {
		t.Fatal("expected nil Cluster when clustering is not configured")
	}
}

func TestClusterMessage_RoundTrip(t *testing.T) {
	cm := clusterMessage{
		Type:          msgTypeCredentialInvalid,
		CredentialRef: "openai-primary",
		Provider:      "openai",
	}

	data, err := json.Marshal(cm)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded clusterMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded != cm {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, cm)
	}
}

func TestClusterMessage_UnknownTypeIsIgnoredNotFatal(t *testing.T) {
	data := []byte(`{"type":"some-future-message","credentialRef":"x"}`)

	var cm clusterMessage
	if err := json.Unmarshal(data, &cm); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cm.Type == msgTypeCredentialInvalid {
		t.Error("expected non-matching type to decode as-is, not coerce")
	}
}
