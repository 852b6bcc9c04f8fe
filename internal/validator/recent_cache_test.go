package validator

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecentCache_DedupesWithinTTL(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"data":{"totalBalance":"1"}}`))
	}))
	defer srv.Close()

	v := New(srv.Client(), srv.URL, discardLogger())
	c := NewRecentCache()

	o1 := c.ValidateDeduped(t.Context(), v, "sk-samekey0001")
	o2 := c.ValidateDeduped(t.Context(), v, "sk-samekey0001")

	assert.Equal(t, 1, calls)
	assert.Equal(t, o1, o2)
}

func TestRecentCache_DistinctKeysBothProbe(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"data":{"totalBalance":"1"}}`))
	}))
	defer srv.Close()

	v := New(srv.Client(), srv.URL, discardLogger())
	c := NewRecentCache()

	c.ValidateDeduped(t.Context(), v, "sk-keyone00001")
	c.ValidateDeduped(t.Context(), v, "sk-keytwo00002")

	assert.Equal(t, 2, calls)
}
