package recall

import (
	"fmt"
	"sort"
	"strings"
)

const defaultSearchLimit = 10

// rank 对候选记录做过滤与打分，得分为查询词在键和数据中出现的次数。
func rank(candidates []Record, query string, opts SearchOptions) []SearchResult {
	terms := strings.Fields(strings.ToLower(query))
	out := make([]SearchResult, 0, len(candidates))
	for _, rec := range candidates {
		if !matchFilter(rec.Metadata, opts.Filter) {
			continue
		}
		score := 1.0
		if len(terms) > 0 {
			haystack := strings.ToLower(rec.Key + " " + string(rec.Data))
			score = 0
			for _, term := range terms {
				score += float64(strings.Count(haystack, term))
			}
			if score == 0 {
				continue
			}
		}
		out = append(out, SearchResult{Record: rec, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func matchFilter(meta Metadata, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := meta[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
