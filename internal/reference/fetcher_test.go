package reference

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const articleHTML = `<html><head><title>Invoice Runbook</title></head><body>
<nav>menu</nav>
<article><h1>Invoice Runbook</h1>
<p>Every invoice is checked by the finance team before it is paid. The checker confirms the purchase order, the amount and the vendor details.</p>
<p>Invoices above the threshold need a second approval from the controller. <script>alert(1)</script>Approved invoices are queued for the Friday payment run.</p>
<p>Rejected invoices go back to the requester with a short note explaining what is missing.</p>
</article></body></html>`

func TestExtractURLs(t *testing.T) {
	got := ExtractURLs("See https://a.example/x, and http://b.example/y. Also https://a.example/x again")
	if len(got) != 2 || got[0] != "https://a.example/x" || got[1] != "http://b.example/y" {
		t.Errorf("unexpected urls %q", got)
	}
	if len(ExtractURLs("no links here")) != 0 {
		t.Error("expected no urls")
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a user agent")
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	f := NewFetcher()
	report, err := f.Fetch(context.Background(), srv.URL+"/runbook")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(report, "TITLE: Invoice Runbook") || !strings.Contains(report, "second approval") {
		t.Errorf("unexpected report:\n%s", report)
	}
	if strings.Contains(report, "<script") || strings.Contains(report, "<p>") {
		t.Errorf("markup should be stripped:\n%s", report)
	}

	if _, err := f.Fetch(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("expected error for 404")
	}

	f.MaxChars = 20
	report, _ = f.Fetch(context.Background(), srv.URL+"/runbook")
	if !strings.Contains(report, "(content truncated)") {
		t.Error("expected truncation marker")
	}
}

func TestCollect_SkipsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	f := NewFetcher()
	got := f.Collect(context.Background(), "Use "+srv.URL+"/good and "+srv.URL+"/bad as input")
	if len(got) != 1 || !strings.Contains(got[0], "/good") {
		t.Errorf("expected one report, got %d", len(got))
	}
	if len(f.Collect(context.Background(), "plain idea")) != 0 {
		t.Error("expected nothing without urls")
	}
}
