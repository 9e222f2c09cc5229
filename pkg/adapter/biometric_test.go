package adapter

import "testing"

func TestBiometricAuthenticateMatch(t *testing.T) {
	b := NewBiometric(0.9, nil)
	if _, err := b.Enroll("dev1", "alice", "Alice", []float64{1, 0, 0}); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	res, err := b.Authenticate("dev1", "alice", []float64{1, 0, 0})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !res.Matched {
		t.Fatalf("expected match, got confidence %v", res.Confidence)
	}
}

func TestBiometricAuthenticateRejectsBelowThreshold(t *testing.T) {
	b := NewBiometric(0.99, nil)
	if _, err := b.Enroll("dev1", "alice", "Alice", []float64{1, 0, 0}); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	res, err := b.Authenticate("dev1", "alice", []float64{0, 1, 0})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Matched {
		t.Fatalf("expected no match for orthogonal vectors")
	}
}

func TestBiometricListUsersOmitsTemplates(t *testing.T) {
	b := NewBiometric(DefaultMatchThreshold, nil)
	b.Enroll("dev1", "alice", "Alice", []float64{1, 2, 3})

	users := b.ListUsers("dev1")
	if len(users) != 1 || users[0].UserID != "alice" {
		t.Fatalf("unexpected users: %+v", users)
	}
}

func TestBiometricDeleteUser(t *testing.T) {
	b := NewBiometric(DefaultMatchThreshold, nil)
	b.Enroll("dev1", "alice", "Alice", []float64{1, 2, 3})

	if !b.DeleteUser("dev1", "alice") {
		t.Fatalf("expected delete to succeed")
	}
	if b.DeleteUser("dev1", "alice") {
		t.Fatalf("expected second delete to fail")
	}
}
