package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClient_MarkSigned(t *testing.T) {
	var gotKey string
	var gotBody MarkSignedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/agreements/7/signatures" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(TxResult{Success: true, TxID: "0xabc"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL + "/")
	res, err := c.MarkSigned(context.Background(), MarkSignedRequest{Verifier: "ADMIN", AgreementID: 7, WalletAddress: "W1", IdempotencyToken: "tok"})
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !res.Success || res.TxID != "0xabc" {
		t.Fatalf("unexpected result %+v", res)
	}
	if gotKey != "tok" {
		t.Fatalf("expected idempotency header, got %q", gotKey)
	}
	if gotBody.WalletAddress != "W1" || gotBody.Verifier != "ADMIN" || gotBody.AgreementID != 7 {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestHTTPClient_ServerErrorIsRetryable(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(TxResult{Success: true, TxID: "0xdef"})
	}))
	defer srv.Close()

	p := NewPipeline(NewHTTPClient(srv.URL)).WithRetryPolicy(fastPolicy())
	res := p.Submit(context.Background(), "ADMIN", record("9", true, false))
	if !res.Success {
		t.Fatalf("expected success after 5xx retry, got %v", res.Err)
	}
	if calls != 2 || res.Marks[0].Attempts != 2 {
		t.Fatalf("expected 2 attempts, got calls=%d attempts=%d", calls, res.Marks[0].Attempts)
	}
}

func TestHTTPClient_ClientErrorIsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agreements/9/execute" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(TxResult{Error: "not all parties signed"})
	}))
	defer srv.Close()

	res, err := NewHTTPClient(srv.URL).ExecuteAgreement(context.Background(), ExecuteRequest{Verifier: "ADMIN", AgreementID: 9})
	if err != nil {
		t.Fatalf("expected rejection as result, got error %v", err)
	}
	if res.Success || res.Error != "not all parties signed" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHTTPClient_CreateAgreement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agreements" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req CreateAgreementRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Signers) != 2 || len(req.DocumentHash) != 32 {
			t.Errorf("unexpected body %+v", req)
		}
		json.NewEncoder(w).Encode(TxResult{Success: true, TxID: "0x1", AgreementID: 77})
	}))
	defer srv.Close()

	id, err := NewPipeline(NewHTTPClient(srv.URL)).Register(context.Background(), "ADMIN", make([]byte, 32), "escra-demo", []string{"W1", "W2"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id != 77 {
		t.Fatalf("expected id 77, got %d", id)
	}
}

func TestHTTPClient_Cancel(t *testing.T) {
	var gotBody CancelRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/agreements/4/cancel" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(TxResult{Success: true, TxID: "0xcan"})
	}))
	defer srv.Close()

	res, err := NewHTTPClient(srv.URL).CancelAgreement(context.Background(), CancelRequest{Caller: "ADMIN", AgreementID: 4})
	if err != nil || !res.Success || res.TxID != "0xcan" {
		t.Fatalf("unexpected cancel result %+v err %v", res, err)
	}
	if gotBody.Caller != "ADMIN" || gotBody.AgreementID != 4 {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}
