package version

import (
	"errors"
	"testing"
)

func TestCheckClientAcceptsCurrent(t *testing.T) {
	if err := CheckClient(ClientHeader(Server)); err != nil {
		t.Fatalf("current release should pass: %v", err)
	}
}

func TestCheckClientAcceptsMinimum(t *testing.T) {
	if err := CheckClient(ClientHeader(MinClientVersion)); err != nil {
		t.Fatalf("minimum release should pass: %v", err)
	}
}

func TestCheckClientAllowsMissingHeader(t *testing.T) {
	if err := CheckClient(""); err != nil {
		t.Fatalf("empty header should pass: %v", err)
	}
	if err := CheckClient("   "); err != nil {
		t.Fatalf("blank header should pass: %v", err)
	}
}

func TestCheckClientRejectsOldRelease(t *testing.T) {
	err := CheckClient("waypost-go/0.2.9")
	if err == nil {
		t.Fatal("expected old release to be rejected")
	}
	var incompatible *ErrIncompatibleClient
	if !errors.As(err, &incompatible) {
		t.Fatalf("expected ErrIncompatibleClient, got %v", err)
	}
	if incompatible.Client != "0.2.9" {
		t.Fatalf("expected rejected client version 0.2.9, got %q", incompatible.Client)
	}
}

func TestCheckClientRejectsMalformedHeader(t *testing.T) {
	for _, header := range []string{"waypost-go", "waypost-go/", "waypost-go/banana", "other-sdk/1.0.0"} {
		if err := CheckClient(header); err == nil {
			t.Fatalf("expected %q to be rejected", header)
		}
		var incompatible *ErrIncompatibleClient
		if errors.As(CheckClient(header), &incompatible) {
			t.Fatalf("malformed header %q should not map to incompatibility", header)
		}
	}
}

func TestClientHeaderFormat(t *testing.T) {
	if got := ClientHeader(" 1.2.3 "); got != "waypost-go/1.2.3" {
		t.Fatalf("unexpected header %q", got)
	}
}
