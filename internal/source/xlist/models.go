package xlist

import (
	"strings"

	"github.com/tidwall/gjson"

	"list_harvester/internal/extractor"
)

// Variables is the GraphQL variables object sent with every timeline request.
type Variables struct {
	ListID string `json:"listId"`
	Count  int    `json:"count"`
	Cursor string `json:"cursor,omitempty"`
}

var features = `{"rweb_lists_timeline_redesign_enabled":true,"responsive_web_graphql_exclude_directive_enabled":true,` +
	`"longform_notetweets_consumption_enabled":true,"tweetypie_unmention_optimization_enabled":true}`

// bottomCursor returns the pagination cursor of a timeline payload, or "" when there is none.
func bottomCursor(payload []byte) string {
	root := gjson.ParseBytes(payload)
	cursor := ""
	for _, p := range extractor.DefaultInstructionPaths {
		root.Get(p).ForEach(func(_, instr gjson.Result) bool {
			instr.Get("entries").ForEach(func(_, entry gjson.Result) bool {
				if strings.HasPrefix(entry.Get("entryId").String(), "cursor-bottom-") {
					cursor = entry.Get("content.value").String()
					return false
				}
				return true
			})
			if cursor == "" {
				if e := instr.Get("entry"); strings.HasPrefix(e.Get("entryId").String(), "cursor-bottom-") {
					cursor = e.Get("content.value").String()
				}
			}
			return cursor == ""
		})
		if cursor != "" {
			break
		}
	}
	return cursor
}

// listID extracts the numeric list id from a list URL or returns the input when it already
// is one.
func listID(target string) string {
	t := strings.TrimRight(strings.TrimSpace(target), "/")
	if i := strings.Index(t, "?"); i >= 0 {
		t = t[:i]
	}
	if i := strings.LastIndex(t, "/"); i >= 0 {
		return t[i+1:]
	}
	return t
}
