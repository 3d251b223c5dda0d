package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"evalforms/engine/internal/draft"
	"evalforms/engine/internal/recipients"
)

func TestCreateBlankReturnsAssignedID(t *testing.T) {
	var gotAuth, gotPath, gotMethod string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method

		var d draft.Draft
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if d.Title != "Course eval" {
			t.Errorf("body title %q", d.Title)
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "a1b2c3d4e5f60718293a4b5c6d7e8f90"})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, func() string { return "tok-1" })
	d := draft.New("local-x")
	d.Title = "Course eval"

	id, err := client.CreateBlank(context.Background(), d)
	if err != nil {
		t.Fatalf("CreateBlank failed: %v", err)
	}
	if id != "a1b2c3d4e5f60718293a4b5c6d7e8f90" {
		t.Fatalf("got id %q", id)
	}
	if gotMethod != http.MethodPost || gotPath != "/forms/blank" {
		t.Fatalf("request was %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("auth header %q", gotAuth)
	}
}

func TestGetFormMapsNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, nil)
	_, err := client.GetForm(context.Background(), "deadbeefdeadbeefdeadbeefdeadbeef")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateDraftSendsPatch(t *testing.T) {
	var gotMethod, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, nil)
	if err := client.UpdateDraft(context.Background(), "deadbeefdeadbeefdeadbeefdeadbeef", draft.New("x")); err != nil {
		t.Fatalf("UpdateDraft failed: %v", err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/forms/deadbeefdeadbeefdeadbeefdeadbeef/draft" {
		t.Fatalf("request was %s %s", gotMethod, gotPath)
	}
}

func TestPublishSurfacesUpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "recipients rejected", http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, nil)
	payload := PublishPayload{
		Draft:      draft.New("x"),
		Recipients: []recipients.Recipient{{Name: "A", Email: "a@x.com"}},
	}
	err := client.Publish(context.Background(), "deadbeefdeadbeefdeadbeefdeadbeef", payload)
	if err == nil {
		t.Fatal("Publish succeeded on upstream error")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("422 misclassified as not found: %v", err)
	}
}

func TestValidateCertificate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/certificates/cert-9/validate" {
			t.Errorf("path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]bool{"valid": true})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, nil)
	valid, err := client.ValidateCertificate(context.Background(), "cert-9")
	if err != nil {
		t.Fatalf("ValidateCertificate failed: %v", err)
	}
	if !valid {
		t.Fatal("expected valid certificate")
	}
}
