package imagestore

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"report-verify-pipeline/resilience"
)

func TestFetch(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write(payload)
		case "/big":
			w.Write(bytes.Repeat([]byte{1}, 500))
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(200)

	data, err := f.Fetch(context.Background(), srv.URL+"/ok")
	if err != nil || !bytes.Equal(data, payload) {
		t.Fatalf("Fetch ok: %v", err)
	}

	if _, err := f.Fetch(context.Background(), srv.URL+"/big"); !errors.Is(err, ErrTooLarge) || !resilience.IsPermanent(err) {
		t.Errorf("big: err = %v", err)
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/gone"); !resilience.IsPermanent(err) {
		t.Errorf("404 should be permanent: %v", err)
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/fail"); err == nil || resilience.IsPermanent(err) {
		t.Errorf("500 should be transient: %v", err)
	}
}
