package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckServiceDocs(t *testing.T) {
	docs := []string{
		filepath.Join("..", "..", "api", "auth-openapi.yaml"),
		filepath.Join("..", "..", "api", "book-openapi.yaml"),
	}
	if err := check(docs); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestCheckRejectsDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drift.yaml")
	doc := `components:
  schemas:
    ExceptionResponse:
      type: object
      properties:
        businessErrorCode:
          type: string
        businessErrorDescription:
          type: string
        error:
          type: string
        validationErrors:
          type: array
          items:
            type: string
        errors:
          type: object
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := check([]string{path})
	if err == nil || !strings.Contains(err.Error(), "businessErrorCode") {
		t.Fatalf("expected businessErrorCode mismatch, got %v", err)
	}
}

func TestCheckRejectsMissingSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, []byte("openapi: 3.0.3\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := check([]string{path}); err == nil {
		t.Fatalf("expected missing components to fail")
	}
}
