// Package merchant provides fuzzy merchant-name comparison and canonical
// name resolution.
//
// Names are normalized (lowercased, punctuation stripped, whitespace
// collapsed) before comparison. When a canonical mapping is known for either
// raw name within the organization, similarity is computed against the
// canonical form and the canonical name is returned with the result.
package merchant

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"github.com/g-caf/expense-match-backend/internal/domain/expense"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9 ]+`)

// Comparison is the result of comparing two merchant names.
type Comparison struct {
	Similarity    float64
	CanonicalName string // set when a mapping resolved either side
}

// Matcher compares merchant names for one organization using an in-memory
// snapshot of its canonical mappings. Mappings touched by successful
// comparisons are collected for the caller to persist afterwards. Safe for
// concurrent use: one matcher is shared by every worker scoring the same
// organization.
type Matcher struct {
	orgID     string
	threshold float64

	mu        sync.Mutex
	byVariant map[string]*expense.MerchantMapping
	touched   map[string]*expense.MerchantMapping
}

// NewMatcher creates a matcher with the given similarity threshold and
// mapping snapshot.
func NewMatcher(orgID string, threshold float64, mappings []*expense.MerchantMapping) *Matcher {
	m := &Matcher{
		orgID:     orgID,
		threshold: threshold,
		byVariant: make(map[string]*expense.MerchantMapping),
		touched:   make(map[string]*expense.MerchantMapping),
	}
	for _, mapping := range mappings {
		m.byVariant[Normalize(mapping.CanonicalName)] = mapping
		for _, v := range mapping.Variants {
			m.byVariant[Normalize(v)] = mapping
		}
	}
	return m
}

// Compare computes the similarity of two raw merchant names, resolving
// either side through the organization's canonical mappings when available.
func (m *Matcher) Compare(nameA, nameB string) Comparison {
	normA := Normalize(nameA)
	normB := Normalize(nameB)
	if normA == "" || normB == "" {
		return Comparison{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	result := Comparison{Similarity: Similarity(normA, normB)}

	// Resolve through canonical mappings: compare each side against the
	// canonical form the other side maps to, and keep the best evidence.
	for _, pair := range [][2]string{{normA, normB}, {normB, normA}} {
		mapping, ok := m.byVariant[pair[0]]
		if !ok {
			continue
		}
		sim := Similarity(pair[1], Normalize(mapping.CanonicalName))
		if sim > result.Similarity {
			result.Similarity = sim
		}
		result.CanonicalName = mapping.CanonicalName
	}

	if result.Similarity >= m.threshold {
		m.recordUsage(nameA, nameB, result)
	}

	return result
}

// recordUsage updates the mapping snapshot for a successful comparison:
// usage count and last-used timestamp on an existing mapping, or a new
// inferred (unverified) mapping when neither name was known. Caller holds
// m.mu.
func (m *Matcher) recordUsage(nameA, nameB string, c Comparison) {
	normA := Normalize(nameA)
	normB := Normalize(nameB)

	if mapping, ok := m.byVariant[normA]; ok {
		m.touch(mapping, nameB)
		return
	}
	if mapping, ok := m.byVariant[normB]; ok {
		m.touch(mapping, nameA)
		return
	}

	// Neither side known: infer a mapping with the longer name as canonical
	// (receipt merchants tend to be fuller than bank descriptors).
	canonical, variant := nameA, nameB
	if len(normB) > len(normA) {
		canonical, variant = nameB, nameA
	}
	mapping := &expense.MerchantMapping{
		ID:             uuid.NewString(),
		OrganizationID: m.orgID,
		CanonicalName:  canonical,
		Variants:       []string{variant},
		Confidence:     c.Similarity,
		UsageCount:     1,
		Verified:       false,
		LastUsedAt:     time.Now().UTC(),
		CreatedAt:      time.Now().UTC(),
	}
	m.byVariant[Normalize(canonical)] = mapping
	m.byVariant[Normalize(variant)] = mapping
	m.touched[mapping.ID] = mapping
}

// touch is called with m.mu held.
func (m *Matcher) touch(mapping *expense.MerchantMapping, rawName string) {
	mapping.UsageCount++
	mapping.LastUsedAt = time.Now().UTC()

	norm := Normalize(rawName)
	if _, known := m.byVariant[norm]; !known {
		mapping.Variants = append(mapping.Variants, rawName)
		m.byVariant[norm] = mapping
	}
	m.touched[mapping.ID] = mapping
}

// Touched returns copies of the mappings created or updated since the
// matcher was built, for persistence by the caller. Copies, because the
// matcher keeps mutating its own mappings while the caller writes.
func (m *Matcher) Touched() []*expense.MerchantMapping {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*expense.MerchantMapping, 0, len(m.touched))
	for _, mapping := range m.touched {
		snapshot := *mapping
		snapshot.Variants = append([]string(nil), mapping.Variants...)
		out = append(out, &snapshot)
	}
	return out
}

// Normalize lowercases a name, strips punctuation and collapses whitespace.
func Normalize(name string) string {
	n := strings.ToLower(name)
	n = nonAlnum.ReplaceAllString(n, " ")
	return strings.Join(strings.Fields(n), " ")
}

// Similarity scores two normalized names in [0, 1]. Containment (one name a
// prefix-style abbreviation of the other, as in bank descriptors vs full
// receipt merchants) scores higher than raw edit distance alone would.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0
	}

	score := editSimilarity(a, b)

	// "starbucks" vs "starbucks coffee 1234": edit distance punishes the
	// extra tokens, but the shorter name being contained in the longer is
	// strong evidence of identity.
	if strings.Contains(a, b) || strings.Contains(b, a) {
		if score < 0.85 {
			score = 0.85
		}
	} else if ts := tokenSimilarity(a, b); ts > score {
		score = ts
	}

	return score
}

func editSimilarity(a, b string) float64 {
	dist := levenshtein.ComputeDistance(a, b)
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	return 1.0 - float64(dist)/float64(longest)
}

// tokenSimilarity is the share of tokens of the shorter name also present
// in the longer one.
func tokenSimilarity(a, b string) float64 {
	tokensA := strings.Fields(a)
	tokensB := strings.Fields(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}
	if len(tokensA) > len(tokensB) {
		tokensA, tokensB = tokensB, tokensA
	}
	set := make(map[string]bool, len(tokensB))
	for _, t := range tokensB {
		set[t] = true
	}
	shared := 0
	for _, t := range tokensA {
		if set[t] {
			shared++
		}
	}
	return float64(shared) / float64(len(tokensB))
}
