package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestExtractTitle(t *testing.T) {
	tests := []struct {
		html string
		want string
	}{
		{"<html><head><title>Sign in</title></head></html>", "Sign in"},
		{"<TITLE lang=en>\n  Welcome   back\n</TITLE>", "Welcome back"},
		{"<p>no title</p>", ""},
	}
	for _, tt := range tests {
		if got := ExtractTitle(tt.html); got != tt.want {
			t.Errorf("ExtractTitle(%q) = %q, want %q", tt.html, got, tt.want)
		}
	}
}

func TestHTTPContext_SessionCookies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if r.FormValue("user") != "probe" {
				http.Error(w, "bad user", http.StatusUnauthorized)
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "ok", Path: "/"})
			http.Redirect(w, r, "/home", http.StatusFound)
			return
		}
		fmt.Fprint(w, "<title>Login</title>")
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err != nil || c.Value != "ok" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		if r.UserAgent() != "probe-agent" {
			http.Error(w, "bad agent", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, "<title>Home</title>Welcome")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	b, err := NewHTTPLauncher("probe-agent").Launch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	bc, err := b.NewContext(ctx, ContextOptions{})
	if err != nil {
		t.Fatal(err)
	}

	page, err := bc.Navigate(ctx, srv.URL+"/login")
	if err != nil {
		t.Fatal(err)
	}
	if page.Title != "Login" {
		t.Errorf("Title = %q, want Login", page.Title)
	}

	page, err = bc.Submit(ctx, Form{Action: srv.URL + "/login", Values: url.Values{"user": {"probe"}}})
	if err != nil {
		t.Fatal(err)
	}
	if page.Title != "Home" {
		t.Errorf("Title after submit = %q, want Home", page.Title)
	}
	if page.URL != srv.URL+"/home" {
		t.Errorf("URL = %q, want %q", page.URL, srv.URL+"/home")
	}

	// A second context starts without the session cookie
	other, err := b.NewContext(ctx, ContextOptions{})
	if err != nil {
		t.Fatal(err)
	}
	page, err = other.Navigate(ctx, srv.URL+"/home")
	if err != nil {
		t.Fatal(err)
	}
	if page.Title != "Login" {
		t.Errorf("isolated context Title = %q, want Login", page.Title)
	}
}

func TestHTTPBrowser_CloseClosesContexts(t *testing.T) {
	ctx := context.Background()
	b, err := NewHTTPLauncher("").Launch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	bc, err := b.NewContext(ctx, ContextOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if b.Connected() {
		t.Error("Connected() = true after Close, want false")
	}
	if _, err := bc.Navigate(ctx, "http://127.0.0.1:1/"); !errors.Is(err, ErrClosed) {
		t.Errorf("Navigate after Close error = %v, want ErrClosed", err)
	}
	if _, err := b.NewContext(ctx, ContextOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("NewContext after Close error = %v, want ErrClosed", err)
	}
	// Closing twice is fine
	if err := b.Close(); err != nil {
		t.Errorf("second Close error = %v", err)
	}
}
