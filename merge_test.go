package keepsake

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMergePayloadsDisjointKeys(t *testing.T) {
	local := []byte(`{"title":"plan","body":"draft"}`)
	remote := []byte(`{"title":"plan","priority":2}`)

	merged, err := MergePayloads(local, remote)
	if err != nil {
		t.Fatalf("MergePayloads failed: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(merged, &doc); err != nil {
		t.Fatalf("merged payload is not valid JSON: %v", err)
	}
	if doc["body"] != "draft" {
		t.Errorf("Expected local-only key to survive, body = %v", doc["body"])
	}
	if doc["priority"] != float64(2) {
		t.Errorf("Expected remote-only key to survive, priority = %v", doc["priority"])
	}
}

func TestMergePayloadsScalarCollisionRemoteWins(t *testing.T) {
	local := []byte(`{"title":"old title"}`)
	remote := []byte(`{"title":"new title"}`)

	merged, err := MergePayloads(local, remote)
	if err != nil {
		t.Fatalf("MergePayloads failed: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(merged, &doc); err != nil {
		t.Fatalf("merged payload is not valid JSON: %v", err)
	}
	if doc["title"] != "new title" {
		t.Errorf("Expected remote scalar to win, title = %v", doc["title"])
	}
}

func TestMergePayloadsArrayUnion(t *testing.T) {
	local := []byte(`{"tags":["work","important"]}`)
	remote := []byte(`{"tags":["important","urgent"]}`)

	merged, err := MergePayloads(local, remote)
	if err != nil {
		t.Fatalf("MergePayloads failed: %v", err)
	}

	var doc struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(merged, &doc); err != nil {
		t.Fatalf("merged payload is not valid JSON: %v", err)
	}
	if len(doc.Tags) != 3 {
		t.Fatalf("Expected 3 tags after union, got %v", doc.Tags)
	}
	want := []string{"work", "important", "urgent"}
	for i, tag := range want {
		if doc.Tags[i] != tag {
			t.Errorf("Expected tags[%d] = %s, got %s", i, tag, doc.Tags[i])
		}
	}
}

func TestMergePayloadsNestedMaps(t *testing.T) {
	local := []byte(`{"meta":{"color":"red","pinned":true}}`)
	remote := []byte(`{"meta":{"color":"blue","archived":false}}`)

	merged, err := MergePayloads(local, remote)
	if err != nil {
		t.Fatalf("MergePayloads failed: %v", err)
	}

	var doc map[string]map[string]any
	if err := json.Unmarshal(merged, &doc); err != nil {
		t.Fatalf("merged payload is not valid JSON: %v", err)
	}
	meta := doc["meta"]
	if meta["color"] != "blue" {
		t.Errorf("Expected nested remote scalar to win, color = %v", meta["color"])
	}
	if meta["pinned"] != true {
		t.Errorf("Expected nested local-only key to survive, pinned = %v", meta["pinned"])
	}
	if meta["archived"] != false {
		t.Errorf("Expected nested remote-only key to survive, archived = %v", meta["archived"])
	}
}

func TestMergePayloadsInvalidJSON(t *testing.T) {
	if _, err := MergePayloads([]byte(`not json`), []byte(`{}`)); err == nil {
		t.Error("Expected error for invalid local payload")
	}
	if _, err := MergePayloads([]byte(`{}`), []byte(`not json`)); err == nil {
		t.Error("Expected error for invalid remote payload")
	}
}

func TestSmartMergeTaskTerminalStatusWins(t *testing.T) {
	local := []byte(`{"title":"buy milk","status":"done"}`)
	remote := []byte(`{"title":"buy milk and eggs","status":"in_progress"}`)

	merged, err := SmartMergeEntity("task", local, remote)
	if err != nil {
		t.Fatalf("SmartMergeEntity failed: %v", err)
	}

	var task map[string]any
	if err := json.Unmarshal(merged, &task); err != nil {
		t.Fatalf("merged task is not valid JSON: %v", err)
	}
	if task["status"] != "done" {
		t.Errorf("Expected terminal status to win, status = %v", task["status"])
	}
	if task["title"] != "buy milk and eggs" {
		t.Errorf("Expected longer title to win, title = %v", task["title"])
	}
}

func TestSmartMergeNoteConcatenates(t *testing.T) {
	local := []byte(`{"content":"meeting notes from laptop"}`)
	remote := []byte(`{"content":"ideas from phone"}`)

	merged, err := SmartMergeEntity("note", local, remote)
	if err != nil {
		t.Fatalf("SmartMergeEntity failed: %v", err)
	}

	var note map[string]any
	if err := json.Unmarshal(merged, &note); err != nil {
		t.Fatalf("merged note is not valid JSON: %v", err)
	}
	content, _ := note["content"].(string)
	if !strings.Contains(content, "meeting notes from laptop") ||
		!strings.Contains(content, "ideas from phone") {
		t.Errorf("Expected both contents preserved, got %q", content)
	}
	if !strings.Contains(content, NoteMergeSeparator) {
		t.Error("Expected merge separator between versions")
	}
	if _, ok := note["merged_at"]; !ok {
		t.Error("Expected merged_at stamp on merged note")
	}
}

func TestSmartMergeNoteContainment(t *testing.T) {
	local := []byte(`{"content":"short"}`)
	remote := []byte(`{"content":"short plus more detail"}`)

	merged, err := SmartMergeEntity("note", local, remote)
	if err != nil {
		t.Fatalf("SmartMergeEntity failed: %v", err)
	}

	var note map[string]any
	if err := json.Unmarshal(merged, &note); err != nil {
		t.Fatalf("merged note is not valid JSON: %v", err)
	}
	if note["content"] != "short plus more detail" {
		t.Errorf("Expected superset content to win without duplication, got %q", note["content"])
	}
}

func TestSmartMergeUnknownTypeUsesRemote(t *testing.T) {
	local := []byte(`{"v":1}`)
	remote := []byte(`{"v":2}`)

	merged, err := SmartMergeEntity("widget", local, remote)
	if err != nil {
		t.Fatalf("SmartMergeEntity failed: %v", err)
	}
	if string(merged) != string(remote) {
		t.Errorf("Expected remote version for unknown type, got %s", merged)
	}
}
