// Package platform merges locally assembled file metadata with the
// file records already stored on the ingest platform.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// whitelistKeys are the only remote file-record keys that may flow into
// the local metadata document.
var whitelistKeys = []string{"classification", "info", "modality", "type"}

// Client fetches the platform's current record for a file. The REST
// implementation lives with the caller; this package only needs the
// record shape.
type Client interface {
	FileRecord(ctx context.Context, containerID, fileName string) (map[string]any, error)
}

// FileUpdate reduces a remote file record to the mergeable subset:
// non-whitelisted keys are stripped, and info.header is dropped so the
// freshly extracted header is never overwritten by a stale one.
func FileUpdate(remote map[string]any) map[string]any {
	out := map[string]any{}
	for _, key := range whitelistKeys {
		if v, ok := remote[key]; ok {
			out[key] = deepCopy(v)
		}
	}
	if info, ok := out["info"].(map[string]any); ok {
		delete(info, "header")
	}
	return out
}

// MergeFileDict fills gaps in the local file dict from the remote
// record. A local value wins unless it is empty; info entries merge
// key by key under the same rule.
func MergeFileDict(local, remote map[string]any) map[string]any {
	merged := map[string]any{}
	for k, v := range local {
		merged[k] = deepCopy(v)
	}
	update := FileUpdate(remote)

	localInfo, _ := merged["info"].(map[string]any)
	if localInfo == nil {
		localInfo = map[string]any{}
	}
	merged["info"] = localInfo

	for _, key := range whitelistKeys {
		if key == "info" {
			continue
		}
		if isEmpty(merged[key]) && !isEmpty(update[key]) {
			merged[key] = update[key]
		}
	}
	if remoteInfo, ok := update["info"].(map[string]any); ok {
		for k, v := range remoteInfo {
			if isEmpty(localInfo[k]) {
				localInfo[k] = v
			}
		}
	}
	return merged
}

// UpdateMetadata merges the remote record for its named file into the
// metadata document's file list under parentType (e.g. "acquisition"),
// replacing the matching entry or appending a new one.
func UpdateMetadata(doc map[string]any, remote map[string]any, parentType string) map[string]any {
	name, _ := remote["name"].(string)
	if name == "" {
		return doc
	}

	out := deepCopy(doc).(map[string]any)
	parent, _ := out[parentType].(map[string]any)
	if parent == nil {
		parent = map[string]any{}
		out[parentType] = parent
	}
	files, _ := parent["files"].([]any)

	index := -1
	local := map[string]any{}
	for i, item := range files {
		if entry, ok := item.(map[string]any); ok && entry["name"] == name {
			index = i
			local = entry
		}
	}

	merged := MergeFileDict(local, remote)
	merged["name"] = name
	if index < 0 {
		files = append(files, merged)
	} else {
		files[index] = merged
	}
	parent["files"] = files
	return out
}

// UpdateMetadataFile applies UpdateMetadata to the JSON document at
// path, creating it when absent.
func UpdateMetadataFile(path string, remote map[string]any, parentType string) error {
	doc := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	updated := UpdateMetadata(doc, remote, parentType)
	data, err := json.MarshalIndent(updated, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	}
	return v
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0
	case int:
		return t == 0
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}
