package api

import (
	"math"
	"os"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestNewClient_WithAPIKey(t *testing.T) {
	client, err := NewClient(ClientConfig{
		APIKey: "test-key-123",
		Model:  anthropic.ModelClaudeSonnet4_20250514,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.Model() != anthropic.ModelClaudeSonnet4_20250514 {
		t.Errorf("Model = %q, want %q", client.Model(), anthropic.ModelClaudeSonnet4_20250514)
	}
	if client.Tracker() == nil {
		t.Error("Tracker should not be nil")
	}
	if client.MaxTokens() != DefaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", client.MaxTokens(), DefaultMaxTokens)
	}
}

func TestNewClient_WithEnvVar(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-test-key")

	client, err := NewClient(ClientConfig{MaxTokens: 1024})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.Model() != anthropic.ModelClaudeSonnet4_20250514 {
		t.Errorf("default Model = %q", client.Model())
	}
	if client.MaxTokens() != 1024 {
		t.Errorf("MaxTokens = %d, want 1024", client.MaxTokens())
	}
}

func TestNewClient_NoAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("expected error without an API key")
	}
}

func TestNewClient_Bedrock(t *testing.T) {
	if os.Getenv("AWS_REGION") == "" && os.Getenv("AWS_DEFAULT_REGION") == "" {
		t.Skip("AWS_REGION not set, skipping Bedrock test")
	}

	client, err := NewClient(ClientConfig{
		UseAWSBedrock: true,
		AWSRegion:     "us-west-2",
		Model:         anthropic.ModelClaudeSonnet4_20250514,
	})
	if err != nil {
		t.Fatalf("NewClient with Bedrock failed: %v", err)
	}
	if got := string(client.Model()); got != "us.anthropic.claude-sonnet-4-20250514-v1:0" {
		t.Errorf("Model = %q", got)
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	if got := translateModelForBedrock(anthropic.ModelClaudeHaiku4_5_20251001); got != "us.anthropic.claude-haiku-4-5-20251001-v1:0" {
		t.Errorf("haiku = %q", got)
	}
	if got := translateModelForBedrock("custom-model"); got != "custom-model" {
		t.Errorf("unknown model should pass through, got %q", got)
	}
}

func TestPricingFor(t *testing.T) {
	tests := []struct {
		model string
		input float64
	}{
		{"claude-sonnet-4-20250514", 3.00},
		{"us.anthropic.claude-3-5-haiku-20241022-v1:0", 0.80},
		{"something-new", fallbackPricing.InputPerMillion},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			if got := PricingFor(tc.model).InputPerMillion; got != tc.input {
				t.Errorf("InputPerMillion = %v, want %v", got, tc.input)
			}
		})
	}
}

func TestTokenTracker_Add(t *testing.T) {
	tracker := NewTokenTracker("claude-sonnet-4-20250514")
	tracker.Add(100, 50)
	tracker.Add(200, 100)

	input, output := tracker.Total()
	if input != 300 || output != 150 {
		t.Errorf("Total = (%d, %d), want (300, 150)", input, output)
	}
	if tracker.Calls() != 2 {
		t.Errorf("Calls = %d, want 2", tracker.Calls())
	}

	tracker.Reset()
	input, output = tracker.Total()
	if input != 0 || output != 0 || tracker.Calls() != 0 {
		t.Error("Reset should clear all counters")
	}
}

func TestTokenTracker_Cost(t *testing.T) {
	tracker := NewTokenTracker("claude-sonnet-4-20250514")
	tracker.Add(1_000_000, 1_000_000)

	// $3 input + $15 output
	if got := tracker.Cost(); math.Abs(got-18.0) > 1e-9 {
		t.Errorf("Cost = %v, want 18.0", got)
	}
	if got := tracker.CostOf(1000, 500); math.Abs(got-0.0105) > 1e-9 {
		t.Errorf("CostOf = %v, want 0.0105", got)
	}

	tracker.SetPricing(ModelPricing{InputPerMillion: 1, OutputPerMillion: 1})
	if got := tracker.Cost(); math.Abs(got-2.0) > 1e-9 {
		t.Errorf("Cost with custom pricing = %v, want 2.0", got)
	}
}
