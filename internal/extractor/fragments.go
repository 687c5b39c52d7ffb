package extractor

import (
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultInstructionPaths are the gjson paths where timeline instructions live in list payloads.
var DefaultInstructionPaths = []string{
	"data.list.tweets_timeline.timeline.instructions",
	"data.list_timeline.timeline.instructions",
}

var entryPaths = []string{
	"entries",
	"props.pageProps.timeline.entries",
}

// Fragments splits one intercepted payload into item fragments. Cursor and promoted
// entries are skipped. Unknown shapes yield nothing.
func Fragments(payload []byte, instructionPaths ...string) []gjson.Result {
	if !gjson.ValidBytes(payload) {
		return nil
	}
	if len(instructionPaths) == 0 {
		instructionPaths = DefaultInstructionPaths
	}

	root := gjson.ParseBytes(payload)
	var out []gjson.Result

	for _, p := range instructionPaths {
		root.Get(p).ForEach(func(_, instr gjson.Result) bool {
			instr.Get("entries").ForEach(func(_, entry gjson.Result) bool {
				out = append(out, timelineEntry(entry)...)
				return true
			})
			if pinned := instr.Get("entry"); pinned.Exists() {
				out = append(out, timelineEntry(pinned)...)
			}
			return true
		})
	}
	if len(out) > 0 {
		return out
	}

	for _, p := range entryPaths {
		root.Get(p).ForEach(func(_, entry gjson.Result) bool {
			if tw := entry.Get("content.tweet"); tw.IsObject() {
				out = append(out, tw)
			}
			return true
		})
	}
	return out
}

func timelineEntry(entry gjson.Result) []gjson.Result {
	id := entry.Get("entryId").String()
	switch {
	case strings.HasPrefix(id, "tweet-"):
		if r := entry.Get("content.itemContent.tweet_results.result"); r.IsObject() {
			return []gjson.Result{r}
		}
	case strings.HasPrefix(id, "list-conversation-"), strings.HasPrefix(id, "home-conversation-"):
		var out []gjson.Result
		entry.Get("content.items").ForEach(func(_, it gjson.Result) bool {
			if r := it.Get("item.itemContent.tweet_results.result"); r.IsObject() {
				out = append(out, r)
			}
			return true
		})
		return out
	}
	return nil
}
