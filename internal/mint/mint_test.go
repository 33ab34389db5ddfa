package mint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLocalMinterUnique(t *testing.T) {
	m := NewLocalMinter()
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := m.Mint(ctx, "todo")
		if err != nil {
			t.Fatalf("Mint: %v", err)
		}
		if !strings.HasPrefix(id, "todo-") {
			t.Fatalf("expected kind prefix, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id minted: %q", id)
		}
		seen[id] = true
	}
}

func TestLocalMinterDefaultKind(t *testing.T) {
	m := NewLocalMinter()
	id, err := m.Mint(context.Background(), "")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if !strings.HasPrefix(id, "todo-") {
		t.Errorf("expected default kind prefix, got %q", id)
	}
}

func TestLocalMinterCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewLocalMinter().Mint(ctx, "todo"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestHTTPMinterMints(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "todo-central-42"})
	}))
	defer srv.Close()

	m := NewHTTPMinter(srv.URL+"/", "secret-token")
	id, err := m.Mint(context.Background(), "todo")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if id != "todo-central-42" {
		t.Errorf("expected service id, got %q", id)
	}
	if gotPath != "/api/v2/ids/mint" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if gotBody["entity"] != "todo" || gotBody["format"] != "simple" {
		t.Errorf("unexpected request body %v", gotBody)
	}
}

func TestHTTPMinterOmitsAuthWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("expected no auth header without a token")
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "todo-1"})
	}))
	defer srv.Close()

	if _, err := NewHTTPMinter(srv.URL, "").Mint(context.Background(), "todo"); err != nil {
		t.Fatalf("Mint: %v", err)
	}
}

func TestHTTPMinterServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewHTTPMinter(srv.URL, "").Mint(context.Background(), "todo")
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestHTTPMinterEmptyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": ""}`)
	}))
	defer srv.Close()

	if _, err := NewHTTPMinter(srv.URL, "").Mint(context.Background(), "todo"); err == nil {
		t.Fatal("expected error for empty id")
	}
}
