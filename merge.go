package keepsake

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// mergeValues deep-merges two decoded JSON values. Maps merge key-wise,
// slices merge by set-union, and on scalar collision the remote value wins
// (remote is the concurrently-discovered side being folded in). A nil on
// either side yields the other side's value.
//
// Last-write-wins on a whole object would silently drop concurrent edits to
// different fields or list items; for a personal-data tool that data loss
// is the worst possible failure, hence the field-level merge.
func mergeValues(local, remote any) any {
	if local == nil {
		return remote
	}
	if remote == nil {
		return local
	}

	lm, lok := local.(map[string]any)
	rm, rok := remote.(map[string]any)
	if lok && rok {
		return mergeMaps(lm, rm)
	}

	ls, lok := local.([]any)
	rs, rok := remote.([]any)
	if lok && rok {
		return unionSlices(ls, rs)
	}

	return remote
}

func mergeMaps(local, remote map[string]any) map[string]any {
	out := make(map[string]any, len(local)+len(remote))
	for k, v := range local {
		out[k] = v
	}
	for k, rv := range remote {
		if lv, ok := out[k]; ok {
			out[k] = mergeValues(lv, rv)
		} else {
			out[k] = rv
		}
	}
	return out
}

// unionSlices keeps all local items in order, then appends remote items not
// already present by structural equality.
func unionSlices(local, remote []any) []any {
	out := make([]any, 0, len(local)+len(remote))
	out = append(out, local...)
	for _, rv := range remote {
		found := false
		for _, lv := range local {
			if structurallyEqual(lv, rv) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, rv)
		}
	}
	return out
}

// structurallyEqual compares two decoded JSON values by re-encoding. JSON
// object keys marshal in sorted order, so the comparison is stable.
func structurallyEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// --- Entity-type smart merges ---

// NoteMergeSeparator marks the boundary between two concatenated note
// versions so no content is silently discarded.
const NoteMergeSeparator = "\n\n--- merged from another device ---\n\n"

// terminalTaskStatuses are statuses a task cannot leave; if either side
// reached one, the merge keeps it.
var terminalTaskStatuses = map[string]bool{
	"done":      true,
	"completed": true,
	"cancelled": true,
}

// SmartMergeEntity merges two versions of a known entity type using
// type-specific rules. Unknown entity types fall back to the remote version
// with a logged warning: guessing a structural merge for an unknown schema
// risks corruption.
func SmartMergeEntity(entityType string, local, remote []byte) ([]byte, error) {
	switch entityType {
	case "task":
		return mergeTask(local, remote)
	case "note":
		return mergeNote(local, remote)
	default:
		log.Printf("keepsake: no smart merge for entity type %q, using remote version", entityType)
		return remote, nil
	}
}

func mergeTask(local, remote []byte) ([]byte, error) {
	var lt, rt map[string]any
	if err := json.Unmarshal(local, &lt); err != nil {
		return nil, fmt.Errorf("local task: %w", err)
	}
	if err := json.Unmarshal(remote, &rt); err != nil {
		return nil, fmt.Errorf("remote task: %w", err)
	}

	merged := mergeMaps(lt, rt)

	// Prefer a terminal status if either side reached one.
	ls, _ := lt["status"].(string)
	rs, _ := rt["status"].(string)
	if terminalTaskStatuses[ls] {
		merged["status"] = ls
	}
	if terminalTaskStatuses[rs] {
		merged["status"] = rs
	}

	// Prefer the longer, more detailed title.
	ltitle, _ := lt["title"].(string)
	rtitle, _ := rt["title"].(string)
	if len(ltitle) >= len(rtitle) {
		merged["title"] = ltitle
	} else {
		merged["title"] = rtitle
	}

	return json.Marshal(merged)
}

func mergeNote(local, remote []byte) ([]byte, error) {
	var ln, rn map[string]any
	if err := json.Unmarshal(local, &ln); err != nil {
		return nil, fmt.Errorf("local note: %w", err)
	}
	if err := json.Unmarshal(remote, &rn); err != nil {
		return nil, fmt.Errorf("remote note: %w", err)
	}

	merged := mergeMaps(ln, rn)

	lc, _ := ln["content"].(string)
	rc, _ := rn["content"].(string)
	switch {
	case lc == rc:
		merged["content"] = lc
	case lc == "":
		merged["content"] = rc
	case rc == "":
		merged["content"] = lc
	case strings.Contains(lc, rc):
		merged["content"] = lc
	case strings.Contains(rc, lc):
		merged["content"] = rc
	default:
		merged["content"] = lc + NoteMergeSeparator + rc
	}
	merged["merged_at"] = time.Now().UTC().Format(time.RFC3339)

	return json.Marshal(merged)
}
