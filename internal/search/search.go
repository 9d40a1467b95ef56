// Package search is the in-memory fuzzy search index over notes.
//
// The index is a derived projection of the engine's note map: it never reads
// or writes files and can be rebuilt from a snapshot at any time.
package search

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/sahilm/fuzzy"

	"github.com/starford/kbnotes/internal/models"
)

// Field weights applied to a token's match quality.
const (
	titleWeight = 2
	tagWeight   = 1.5
	bodyWeight  = 1
)

// Per-token quality bands: exact > prefix > subsequence.
const (
	exactScore     = 100.0
	prefixBase     = 60.0
	prefixSpan     = 40.0
	subseqBase     = 10.0
	subseqSpan     = 30.0
	adjacencyBonus = 20.0
)

// Hit is one search result.
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type field struct {
	weight float64
	tokens []string
}

type doc struct {
	id      string
	title   string
	body    string
	tags    []string
	updated time.Time
	fields  []field
}

// Index holds the searchable form of every note. It is safe for concurrent use.
type Index struct {
	mu   sync.RWMutex
	docs map[string]*doc
}

// New returns an empty index.
func New() *Index {
	return &Index{docs: make(map[string]*doc)}
}

// Index inserts or replaces the entry for n. Indexing a note whose content
// and modification time are unchanged is a no-op; the return value reports
// whether the entry changed.
func (ix *Index) Index(n models.Note) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if d, ok := ix.docs[n.ID]; ok && d.title == n.Title && d.body == n.Body &&
		slices.Equal(d.tags, n.Tags) && d.updated.Equal(n.UpdatedAt) {
		return false
	}
	ix.docs[n.ID] = newDoc(n)
	return true
}

// Remove drops the entry for id; absent ids are ignored.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	delete(ix.docs, id)
	ix.mu.Unlock()
}

// Rebuild replaces the whole index with notes.
func (ix *Index) Rebuild(notes []models.Note) {
	docs := make(map[string]*doc, len(notes))
	for _, n := range notes {
		docs[n.ID] = newDoc(n)
	}
	ix.mu.Lock()
	ix.docs = docs
	ix.mu.Unlock()
}

// Len returns the number of indexed notes.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Search returns notes matching every query term and carrying every tag in
// tags, best first. An empty query lists the (tag filtered) notes by last
// modification. limit <= 0 means no limit.
func (ix *Index) Search(query string, tags []string, limit int) []Hit {
	terms := Tokenize(query)
	want := models.NormalizeTags(tags)

	ix.mu.RLock()
	type scored struct {
		Hit
		updated time.Time
	}
	results := make([]scored, 0, len(ix.docs))
	for _, d := range ix.docs {
		if !hasAllTags(d.tags, want) {
			continue
		}
		score, ok := d.score(terms)
		if !ok {
			continue
		}
		results = append(results, scored{Hit: Hit{ID: d.id, Score: score}, updated: d.updated})
	}
	ix.mu.RUnlock()

	slices.SortFunc(results, func(a, b scored) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := b.updated.Compare(a.updated); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	out := make([]Hit, len(results))
	for i, r := range results {
		out[i] = r.Hit
	}
	return out
}

// Tokenize lower-cases s and splits it on anything that is not a letter or
// digit. Duplicate tokens are dropped; order of first appearance is kept.
func Tokenize(s string) []string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(words))
	out := words[:0]
	for _, w := range words {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func newDoc(n models.Note) *doc {
	tagTokens := slices.Clone(n.Tags)
	for _, t := range n.Tags {
		tagTokens = append(tagTokens, Tokenize(t)...)
	}
	slices.Sort(tagTokens)
	tagTokens = slices.Compact(tagTokens)

	return &doc{
		id:      n.ID,
		title:   n.Title,
		body:    n.Body,
		tags:    slices.Clone(n.Tags),
		updated: n.UpdatedAt,
		fields: []field{
			{weight: titleWeight, tokens: Tokenize(n.Title)},
			{weight: tagWeight, tokens: tagTokens},
			{weight: bodyWeight, tokens: Tokenize(n.Body)},
		},
	}
}

// score sums, for every term, the best weighted token match. ok is false when
// some term matches nothing.
func (d *doc) score(terms []string) (float64, bool) {
	total := 0.0
	for _, term := range terms {
		best := 0.0
		for _, f := range d.fields {
			if s := bestTokenScore(term, f.tokens) * f.weight; s > best {
				best = s
			}
		}
		if best == 0 {
			return 0, false
		}
		total += best
	}
	return total, true
}

func bestTokenScore(term string, tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	termLen := float64(utf8.RuneCountInString(term))
	best := 0.0
	for _, m := range fuzzy.Find(term, tokens) {
		tok := m.Str
		tokLen := float64(utf8.RuneCountInString(tok))
		var s float64
		switch {
		case tok == term:
			s = exactScore
		case strings.HasPrefix(tok, term):
			s = prefixBase + prefixSpan*termLen/tokLen
		default:
			s = subseqBase + subseqSpan*termLen/tokLen + adjacencyBonus*adjacency(m.MatchedIndexes)
		}
		if s > best {
			best = s
			if best == exactScore {
				break
			}
		}
	}
	return best
}

// adjacency is the fraction of consecutive matched characters that are
// adjacent in the token.
func adjacency(idx []int) float64 {
	if len(idx) < 2 {
		return 1
	}
	adj := 0
	for i := 1; i < len(idx); i++ {
		if idx[i] == idx[i-1]+1 {
			adj++
		}
	}
	return float64(adj) / float64(len(idx)-1)
}

func hasAllTags(have, want []string) bool {
	for _, t := range want {
		if _, ok := slices.BinarySearch(have, t); !ok {
			return false
		}
	}
	return true
}
