package utils

import (
	"errors"
	"testing"
)

func TestExtractJSONBareObject(t *testing.T) {
	got, err := ExtractJSON(`{"title": "Lesson"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"title": "Lesson"}` {
		t.Errorf("unexpected result: %q", got)
	}
}

func TestExtractJSONMarkdownFences(t *testing.T) {
	cases := []string{
		"```json\n{\"a\": 1}\n```",
		"```\n{\"a\": 1}\n```",
		"Here you go:\n```json\n{\"a\": 1}\n```\nAnything else?",
	}
	for _, in := range cases {
		got, err := ExtractJSON(in)
		if err != nil {
			t.Errorf("input %q: unexpected error: %v", in, err)
			continue
		}
		if got != `{"a": 1}` {
			t.Errorf("input %q: got %q", in, got)
		}
	}
}

func TestExtractJSONEmbeddedInProse(t *testing.T) {
	in := `Sure! Here is the result: {"items": [1, 2, 3], "note": "has {braces} inside"} hope that helps.`
	got, err := ExtractJSON(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"items": [1, 2, 3], "note": "has {braces} inside"}` {
		t.Errorf("got %q", got)
	}
}

func TestExtractJSONEscapedQuotes(t *testing.T) {
	in := `prefix {"quote": "she said \"hello {\" to me"} suffix`
	got, err := ExtractJSON(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"quote": "she said \"hello {\" to me"}` {
		t.Errorf("got %q", got)
	}
}

func TestExtractJSONArray(t *testing.T) {
	got, err := ExtractJSON("The list is: [1, 2, 3]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "[1, 2, 3]" {
		t.Errorf("got %q", got)
	}
}

func TestExtractJSONNothingFound(t *testing.T) {
	for _, in := range []string{"", "   ", "no json here", "{broken", "{\"a\": }"} {
		if _, err := ExtractJSON(in); !errors.Is(err, ErrNoJSONFound) {
			t.Errorf("input %q: expected ErrNoJSONFound, got %v", in, err)
		}
	}
}

func TestExtractJSONTo(t *testing.T) {
	var target struct {
		Title string `json:"title"`
	}
	err := ExtractJSONTo("```json\n{\"title\": \"Decoded\"}\n```", &target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Title != "Decoded" {
		t.Errorf("got %q", target.Title)
	}
}

func TestBalancedJSONRegion(t *testing.T) {
	region, ok := BalancedJSONRegion(`noise {"a": {"b": 1}} trailing`)
	if !ok {
		t.Fatal("expected a region")
	}
	if region != `{"a": {"b": 1}}` {
		t.Errorf("got %q", region)
	}

	if _, ok := BalancedJSONRegion("{never closed"); ok {
		t.Error("unclosed object must not match")
	}
	if _, ok := BalancedJSONRegion("no brackets"); ok {
		t.Error("bracketless input must not match")
	}
}

func TestStripMarkdownFences(t *testing.T) {
	if got := StripMarkdownFences("```json\n{}\n```"); got != "{}" {
		t.Errorf("got %q", got)
	}
	if got := StripMarkdownFences("plain text"); got != "plain text" {
		t.Errorf("unfenced input must pass through, got %q", got)
	}
}
