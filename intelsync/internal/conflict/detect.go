// Package conflict classifies local reports against remote records and
// applies resolution strategies.
package conflict

import (
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/hazyhaar/intelsync/intelsync/internal/store"
)

// Default thresholds.
const (
	// DefaultDuplicateSimilarity is the content similarity (0..1) at or above
	// which a same-author, same-title remote counts as a duplicate, and below
	// which it counts as a content mismatch.
	DefaultDuplicateSimilarity = 0.90
	// DefaultCoordinateTolerance is the distance in metres beyond which a
	// same-title remote counts as a coordinate mismatch.
	DefaultCoordinateTolerance = 1000.0
)

const earthRadiusMeters = 6371008.8

// Thresholds tunes the classifier. Zero fields take the defaults.
type Thresholds struct {
	DuplicateSimilarity float64 `yaml:"duplicate_similarity"`
	CoordinateTolerance float64 `yaml:"coordinate_tolerance_meters"`
}

func (t *Thresholds) defaults() {
	if t.DuplicateSimilarity <= 0 {
		t.DuplicateSimilarity = DefaultDuplicateSimilarity
	}
	if t.CoordinateTolerance <= 0 {
		t.CoordinateTolerance = DefaultCoordinateTolerance
	}
}

// Detector compares a candidate with remote records. It is deterministic:
// remotes are visited in ID order and nothing depends on time.
type Detector struct {
	th   Thresholds
	conv *converter.Converter
}

// NewDetector returns a Detector using th.
func NewDetector(th Thresholds) *Detector {
	th.defaults()
	return &Detector{
		th: th,
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

// Thresholds returns the effective thresholds.
func (d *Detector) Thresholds() Thresholds { return d.th }

// severity ranks conflict types, higher wins.
var severity = map[store.ConflictType]int{
	store.ConflictContentMismatch:    1,
	store.ConflictCoordinateMismatch: 2,
	store.ConflictDuplicate:          3,
}

// Detect returns the most severe conflict between candidate and remotes, or
// nil when the candidate is clean. identity is the submitting key, used when
// the candidate has no author. Remotes the candidate already reconciled
// (IgnoredRemotes) and its own copy (same offline ID and author, or its
// confirmed RemoteID) are skipped.
func (d *Detector) Detect(candidate *store.Report, identity string, remotes []store.RemoteReport) *store.ConflictData {
	author := normalizeAuthor(candidate.Author)
	if author == "" {
		author = normalizeAuthor(identity)
	}
	title := NormalizeTitle(candidate.Title)
	var content string
	contentReady := false

	sorted := slices.Clone(remotes)
	slices.SortStableFunc(sorted, func(a, b store.RemoteReport) int { return strings.Compare(a.ID, b.ID) })

	var best *store.ConflictData
	for i := range sorted {
		rem := &sorted[i]
		if rem.ID == candidate.RemoteID || candidate.Ignores(rem.ID) {
			continue
		}
		if IsOwnCopy(candidate.OfflineID, author, rem) {
			continue
		}
		if NormalizeTitle(rem.Title) != title {
			continue
		}

		dist := Distance(candidate.Latitude, candidate.Longitude, rem.Latitude, rem.Longitude)
		sameAuthor := author != "" && normalizeAuthor(rem.Author) == author

		sim := -1.0
		if sameAuthor {
			if !contentReady {
				content = d.NormalizeContent(candidate.Content)
				contentReady = true
			}
			sim = Similarity(content, d.NormalizeContent(rem.Content))
		}

		var kind store.ConflictType
		switch {
		case sameAuthor && sim >= d.th.DuplicateSimilarity && dist <= d.th.CoordinateTolerance:
			kind = store.ConflictDuplicate
		case dist > d.th.CoordinateTolerance:
			kind = store.ConflictCoordinateMismatch
		case sameAuthor && sim < d.th.DuplicateSimilarity:
			kind = store.ConflictContentMismatch
		default:
			continue
		}

		if best == nil || severity[kind] > severity[best.Type] {
			remote := *rem
			remote.Tags = slices.Clone(rem.Tags)
			best = &store.ConflictData{
				Type:              kind,
				CandidateRemoteID: rem.ID,
				Remote:            &remote,
				Similarity:        max(sim, 0),
				DistanceMeters:    math.Round(dist*10) / 10,
			}
		}
	}
	return best
}

// NormalizeTitle lower-cases and collapses whitespace.
func NormalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeContent converts HTML to markdown, then lower-cases and collapses
// whitespace. Plain text skips the conversion.
func (d *Detector) NormalizeContent(s string) string {
	if strings.Contains(s, "<") {
		if md, err := d.conv.ConvertString(s); err == nil {
			s = md
		}
	}
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Similarity returns 1 - levenshtein(a, b) / max(len(a), len(b)) over runes.
// Two empty strings are identical.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	dmp := diffmatchpatch.New()
	// No deadline: the result must not depend on machine speed.
	dmp.DiffTimeout = 0
	diffs := dmp.DiffMain(a, b, false)
	lev := dmp.DiffLevenshtein(diffs)
	return 1 - float64(lev)/float64(longest)
}

// Distance is the haversine great-circle distance in metres.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// IsOwnCopy reports whether rem is the remote record of the local report
// offlineID submitted by author.
func IsOwnCopy(offlineID, author string, rem *store.RemoteReport) bool {
	return offlineID != "" && rem.OfflineID == offlineID &&
		author != "" && normalizeAuthor(rem.Author) == normalizeAuthor(author)
}

func normalizeAuthor(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
