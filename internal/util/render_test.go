package util

import (
	"reflect"
	"testing"

	"github.com/loykin/kmsconverge/pkg/env"
)

func TestRenderAnyTemplate(t *testing.T) {
	f := env.FromMap(map[string]string{"DEPLOYMENT_NAME": "kms-x1", "WORKSPACE": "/tmp/ws"})
	in := map[string]interface{}{
		"name":  "{{.DEPLOYMENT_NAME}}",
		"count": 3,
		"args":  []interface{}{"--provider-config", "{{.WORKSPACE}}/providerConfig.json"},
		"keep":  "{{.MISSING}}",
	}
	got := RenderAnyTemplate(in, f)
	want := map[string]interface{}{
		"name":  "kms-x1",
		"count": 3,
		"args":  []interface{}{"--provider-config", "/tmp/ws/providerConfig.json"},
		"keep":  "{{.MISSING}}",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected render:\n got=%v\nwant=%v", got, want)
	}
}

func TestRenderAnyTemplate_NilFacts(t *testing.T) {
	if got := RenderAnyTemplate("{{.X}}", nil); got != "{{.X}}" {
		t.Fatalf("expected passthrough, got %v", got)
	}
}

func TestFlagArgs(t *testing.T) {
	got := FlagArgs("resource_group", "rg", "name", "", "n", "3")
	want := []string{"--resource-group", "rg", "--n", "3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestTrimHelpers(t *testing.T) {
	if TrimAndLower("  OK ") != "ok" {
		t.Fatalf("TrimAndLower")
	}
	if _, ok := TrimEmptyCheck("   "); ok {
		t.Fatalf("TrimEmptyCheck")
	}
	if TrimWithDefault(" ", "d") != "d" {
		t.Fatalf("TrimWithDefault")
	}
}
