package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestRegistryRegisterAndDispatch(t *testing.T) {
	r := NewRegistry()
	err := r.Register("faasr_rank", func(context.Context, json.RawMessage) (map[string]any, error) {
		return map[string]any{"rank": "1/1"}, nil
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	data, err := r.Dispatch(t.Context(), "faasr_rank", nil)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if data["rank"] != "1/1" {
		t.Errorf("data = %v", data)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, json.RawMessage) (map[string]any, error) { return nil, nil }
	if err := r.Register("faasr_log", noop); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("faasr_log", noop); err == nil {
		t.Error("duplicate registration accepted")
	}
}

func TestRegistryRejectsEmptyAndNil(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, json.RawMessage) (map[string]any, error) { return nil, nil }
	if err := r.Register("", noop); err == nil {
		t.Error("empty name accepted")
	}
	if err := r.Register("x", nil); err == nil {
		t.Error("nil handler accepted")
	}
}

func TestRegistryUnknownProcedure(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(t.Context(), "faasr_evil", nil)
	if !errors.Is(err, ErrInvalidProcedure) {
		t.Errorf("Dispatch unknown = %v, want ErrInvalidProcedure", err)
	}
}

func TestServerProcedureSetIsClosed(t *testing.T) {
	s := newTestServer(t)
	want := []string{
		"faasr_delete_file",
		"faasr_get_file",
		"faasr_get_folder_list",
		"faasr_get_s3_creds",
		"faasr_log",
		"faasr_put_file",
		"faasr_rank",
	}
	if got := s.registry.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("procedure set = %v, want %v", got, want)
	}
}
