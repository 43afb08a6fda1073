package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/mjza/mra-core-sub000/internal/storage"
)

type privacyMap struct {
	private map[int64]bool
	err     error
	calls   int
}

func (p *privacyMap) CustomerIsPrivate(ctx context.Context, id int64) (bool, error) {
	p.calls++
	if p.err != nil {
		return false, p.err
	}
	private, ok := p.private[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	return private, nil
}

func TestClassifyNilReference(t *testing.T) {
	c := NewClassifier(&privacyMap{})
	dom, err := c.Classify(context.Background(), nil)
	if err != nil || dom != "0" {
		t.Errorf("nil reference should classify as public, got %q %v", dom, err)
	}
}

func TestClassifyNonPositiveReference(t *testing.T) {
	c := NewClassifier(&privacyMap{})
	zero := int64(0)
	dom, err := c.Classify(context.Background(), &zero)
	if err != nil || dom != "0" {
		t.Errorf("non-positive reference should classify as public, got %q %v", dom, err)
	}
}

func TestClassifyPrivateCustomer(t *testing.T) {
	c := NewClassifier(&privacyMap{private: map[int64]bool{42: true}})
	id := int64(42)
	dom, err := c.Classify(context.Background(), &id)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if dom != "42" {
		t.Errorf("private customer should classify to its own domain, got %q", dom)
	}
}

func TestClassifyPublicCustomer(t *testing.T) {
	c := NewClassifier(&privacyMap{private: map[int64]bool{7: false}})
	id := int64(7)
	dom, err := c.Classify(context.Background(), &id)
	if err != nil || dom != "0" {
		t.Errorf("public customer should classify as domain 0, got %q %v", dom, err)
	}
}

func TestClassifyMissingCustomer(t *testing.T) {
	c := NewClassifier(&privacyMap{private: map[int64]bool{}})
	id := int64(99)
	dom, err := c.Classify(context.Background(), &id)
	if err != nil || dom != "0" {
		t.Errorf("missing customer should classify as public, got %q %v", dom, err)
	}
}

func TestClassifyStorageError(t *testing.T) {
	c := NewClassifier(&privacyMap{err: errors.New("db down")})
	id := int64(1)
	if _, err := c.Classify(context.Background(), &id); err == nil {
		t.Error("storage errors must surface")
	}
}

func TestPublicSet(t *testing.T) {
	s := NewPublicSet()
	if s.Has(5) {
		t.Error("fresh set should be empty")
	}
	s.Add(5)
	if !s.Has(5) {
		t.Error("added customer should be present")
	}
}
