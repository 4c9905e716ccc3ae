package enrollment

import (
	"testing"
	"time"

	"github.com/fleetguard/enrolld/internal/cluster"
	"github.com/fleetguard/enrolld/internal/clusterrpc"
	"github.com/fleetguard/enrolld/internal/keystore"
)

func TestHandleForwardedRequestEnrollsAndCommits(t *testing.T) {
	store := keystore.New()
	deps := dispatchDeps{
		store:  store,
		ids:    &fakeIDs{},
		policy: keystore.Policy{},
		role:   cluster.NewStatic(cluster.Master, ""),
	}

	resp := handleForwardedRequest(deps, clusterrpc.Request{Name: "web01", IP: "203.0.113.7"})
	if !resp.OK {
		t.Fatalf("expected OK response, got %+v", resp)
	}
	if resp.Name != "web01" || resp.IP != "203.0.113.7" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if store.Len() != 1 {
		t.Fatalf("expected forwarded enroll to commit, got keystore size %d", store.Len())
	}
}

func TestHandleForwardedRequestRejectsNameCollision(t *testing.T) {
	store := keystore.New()
	deps := dispatchDeps{
		store:  store,
		ids:    &fakeIDs{},
		policy: keystore.Policy{},
		role:   cluster.NewStatic(cluster.Master, ""),
	}

	_, err := store.Enroll(keystore.Request{Name: "web01", IP: "203.0.113.7"}, keystore.Policy{}, &fakeIDs{}, time.Now())
	if err != nil {
		t.Fatalf("seed enroll: %v", err)
	}

	resp := handleForwardedRequest(deps, clusterrpc.Request{Name: "web01", IP: "198.51.100.9"})
	if resp.OK {
		t.Fatalf("expected rejection, got %+v", resp)
	}
	if resp.Error == "" {
		t.Fatalf("expected an error reason, got empty string")
	}
}

func TestHandleForwardedRequestRemovesAgentOnRollback(t *testing.T) {
	store := keystore.New()
	deps := dispatchDeps{
		store:  store,
		ids:    &fakeIDs{},
		policy: keystore.Policy{},
		role:   cluster.NewStatic(cluster.Master, ""),
	}

	enrolled := handleForwardedRequest(deps, clusterrpc.Request{Name: "web01", IP: "203.0.113.7"})
	if !enrolled.OK {
		t.Fatalf("seed enroll failed: %+v", enrolled)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one committed agent, got %d", store.Len())
	}

	resp := handleForwardedRequest(deps, clusterrpc.Request{RemoveID: enrolled.ID})
	if !resp.OK {
		t.Fatalf("expected rollback to succeed, got %+v", resp)
	}

	// The agent is revoked, not purged, so Len (which counts revoked and
	// live entries) stays the same but re-enrolling the name must succeed.
	if _, err := store.Enroll(keystore.Request{Name: "web01", IP: "198.51.100.1"}, keystore.Policy{}, &fakeIDs{}, time.Now()); err != nil {
		t.Fatalf("expected name to be free again after rollback, got %v", err)
	}
}

func TestHandleForwardedRequestRemoveUnknownIDFails(t *testing.T) {
	store := keystore.New()
	deps := dispatchDeps{
		store:  store,
		ids:    &fakeIDs{},
		policy: keystore.Policy{},
		role:   cluster.NewStatic(cluster.Master, ""),
	}

	resp := handleForwardedRequest(deps, clusterrpc.Request{RemoveID: "does-not-exist"})
	if resp.OK {
		t.Fatalf("expected failure for unknown id, got %+v", resp)
	}
}
