package tenant

import (
	"context"
	"errors"
	"strconv"

	"github.com/mjza/mra-core-sub000/internal/storage"
	"github.com/mjza/mra-core-sub000/pkg/models"
)

// PrivacyLookup is the single storage question the classifier asks.
type PrivacyLookup interface {
	CustomerIsPrivate(ctx context.Context, id int64) (bool, error)
}

// Classifier maps a customer reference to its authorization domain. Private
// customers are their own domain; everything else is the public domain "0".
type Classifier struct {
	store PrivacyLookup
}

// NewClassifier creates a Classifier backed by the given lookup.
func NewClassifier(store PrivacyLookup) *Classifier {
	return &Classifier{store: store}
}

// Classify returns the domain for the referenced customer. A nil or
// non-positive reference, and a customer that no longer exists, classify as
// public. Callers on a hot path should cache results per request via
// PublicSet rather than calling Classify repeatedly for the same customer.
func (c *Classifier) Classify(ctx context.Context, customerID *int64) (string, error) {
	if customerID == nil || *customerID <= 0 {
		return models.PublicDomain, nil
	}
	private, err := c.store.CustomerIsPrivate(ctx, *customerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.PublicDomain, nil
		}
		return "", err
	}
	if private {
		return strconv.FormatInt(*customerID, 10), nil
	}
	return models.PublicDomain, nil
}

// PublicSet records customers already proven public during one request. It
// is request-scoped by contract: never share one across requests, and the
// sequential row loop is its only writer.
type PublicSet map[int64]struct{}

// NewPublicSet returns an empty set.
func NewPublicSet() PublicSet {
	return PublicSet{}
}

// Has reports whether the customer was already proven public.
func (s PublicSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// Add records a customer as public.
func (s PublicSet) Add(id int64) {
	s[id] = struct{}{}
}
