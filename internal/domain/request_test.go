package domain

import (
	"errors"
	"testing"
)

func TestGenerateRequestValidate(t *testing.T) {
	cases := []struct {
		name    string
		req     GenerateRequest
		wantErr error
	}{
		{"url only", GenerateRequest{SourceURL: "https://example.com/a.png"}, nil},
		{"prompt only", GenerateRequest{Prompt: "a lighthouse"}, nil},
		{"both", GenerateRequest{SourceURL: "https://example.com/a.png", Prompt: "a lighthouse"}, nil},
		{"neither", GenerateRequest{}, ErrConfiguration},
		{"whitespace only", GenerateRequest{SourceURL: "  ", Prompt: "\t"}, ErrConfiguration},
		{"known hint", GenerateRequest{Prompt: "x", ProviderHint: "qwen"}, nil},
		{"unknown hint", GenerateRequest{Prompt: "x", ProviderHint: "dalle"}, ErrUnknownProvider},
		{"hint needs prompt or url", GenerateRequest{ProviderHint: "gemini"}, ErrConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}
