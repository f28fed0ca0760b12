package azure

import (
	"context"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/tpcd/internal/decisionlog"
)

func TestNewRequiresAccountAndContainer(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{Container: "c"}); err == nil {
		t.Fatal("expected missing account error")
	}
	if _, err := New(ctx, Config{Account: "a"}); err == nil {
		t.Fatal("expected missing container error")
	}
	if _, err := New(ctx, Config{Account: "a", Container: "c"}); err == nil {
		t.Fatal("expected missing credentials error")
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=1&sig=x")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=1&sig=x" {
		t.Fatalf("unexpected url %q", got)
	}
	got, err = appendSASToken("https://acct.blob.core.windows.net/?a=b", "sv=1")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?a=b&sv=1" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	conflict := &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}
	if !isContainerExists(conflict) || !isPreconditionFailed(conflict) {
		t.Fatal("expected conflict classification")
	}
	if !isNotFound(&azcore.ResponseError{StatusCode: http.StatusNotFound}) {
		t.Fatal("expected 404 to be not found")
	}
	if !isRetryable(&azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}) {
		t.Fatal("expected 503 to be retryable")
	}
	if isRetryable(&azcore.ResponseError{StatusCode: http.StatusForbidden}) {
		t.Fatal("expected 403 to be permanent")
	}
	if !decisionlog.IsTransient(wrapError(context.DeadlineExceeded, "op")) {
		t.Fatal("expected deadline to be transient")
	}
}
