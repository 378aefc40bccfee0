package layersource

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testHTTPServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodGet {
			_, _ = fmt.Fprint(w, body)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSourceList(t *testing.T) {
	srv := testHTTPServer(t, map[string]string{
		"/index.txt": "atlas.gpkg\n\n# comment line\ncadastre.gpkg\nreadme.md\n",
	})

	source := NewHTTPSource(HTTPConfig{BaseURL: srv.URL})
	objects, err := source.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	if len(objects) != 2 {
		t.Fatalf("len(objects) = %d, want 2", len(objects))
	}
	if objects[0].Key != "atlas.gpkg" || objects[1].Key != "cadastre.gpkg" {
		t.Errorf("keys = %q, %q; want atlas.gpkg, cadastre.gpkg", objects[0].Key, objects[1].Key)
	}
}

func TestHTTPSourceListMissingIndex(t *testing.T) {
	srv := testHTTPServer(t, nil)

	source := NewHTTPSource(HTTPConfig{BaseURL: srv.URL})
	if _, err := source.List(context.Background()); err == nil {
		t.Error("List() should error when the index file is missing")
	}
}

func TestHTTPSourceExists(t *testing.T) {
	srv := testHTTPServer(t, map[string]string{"/atlas.gpkg": "data"})

	source := NewHTTPSource(HTTPConfig{BaseURL: srv.URL})

	got, err := source.Exists(context.Background(), "atlas.gpkg")
	if err != nil || !got {
		t.Errorf("Exists(atlas.gpkg) = %v, %v; want true, nil", got, err)
	}

	got, err = source.Exists(context.Background(), "missing.gpkg")
	if err != nil || got {
		t.Errorf("Exists(missing.gpkg) = %v, %v; want false, nil", got, err)
	}
}

func TestHTTPSourceBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "gis" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = fmt.Fprint(w, "atlas.gpkg\n")
	}))
	defer srv.Close()

	source := NewHTTPSource(HTTPConfig{BaseURL: srv.URL, Username: "gis", Password: "secret"})
	objects, err := source.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objects) != 1 {
		t.Errorf("len(objects) = %d, want 1", len(objects))
	}
}
