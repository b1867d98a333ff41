package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCreateProjectNormalizesInput(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	project, err := CreateProject(CreateProjectInput{
		Name:    "  fake-training  ",
		SpaceID: " acme / training-demos ",
	}, fixedClock(created), staticID("proj-1"))
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if project.Name != "fake-training" {
		t.Fatalf("name = %q, want trimmed", project.Name)
	}
	if project.SpaceID != "acme/training-demos" {
		t.Fatalf("space id = %q, want normalized owner/name", project.SpaceID)
	}
	if !project.CreatedAt.Equal(created) {
		t.Fatalf("created at = %v, want %v", project.CreatedAt, created)
	}
}

func TestNormalizeProjectNameRejectsBadNames(t *testing.T) {
	cases := []string{"", "   ", "has space", "has/slash", "tab\there", strings.Repeat("p", maxProjectNameRunes+1)}
	for _, name := range cases {
		if _, err := NormalizeProjectName(name); err == nil {
			t.Fatalf("expected rejection for %q", name)
		}
	}
	if _, err := NormalizeProjectName("fake-training_v2.1"); err != nil {
		t.Fatalf("dashes, underscores, and dots should pass: %v", err)
	}
}

func TestNormalizeSpaceID(t *testing.T) {
	if got, err := NormalizeSpaceID(""); err != nil || got != "" {
		t.Fatalf("empty space id should pass through, got %q, %v", got, err)
	}
	if _, err := NormalizeSpaceID("no-slash"); !errors.Is(err, ErrSpaceIDInvalid) {
		t.Fatalf("expected invalid space id, got %v", err)
	}
	if _, err := NormalizeSpaceID("a/b/c"); err == nil {
		t.Fatal("expected rejection for nested path")
	}
	if _, err := NormalizeSpaceID("/name"); err == nil {
		t.Fatal("expected rejection for empty owner")
	}
	if _, err := NormalizeSpaceID("owner/"); err == nil {
		t.Fatal("expected rejection for empty name")
	}
}
