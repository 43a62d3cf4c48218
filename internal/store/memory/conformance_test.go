package memory

import (
	"testing"

	"github.com/wolfeidau/biopay/internal/store"
	"github.com/wolfeidau/biopay/internal/store/storetest"
)

func TestAuthorizationStore_Conformance(t *testing.T) {
	storetest.RunAuthorizationStoreTests(t, func(t *testing.T) store.AuthorizationStore {
		return NewAuthorizationStore()
	})
}

func TestNotifier_Conformance(t *testing.T) {
	storetest.RunNotifierTests(t, NewNotifier())
}
