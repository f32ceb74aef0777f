package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/jask/clinicbook/internal/database/repository"
)

var (
	ErrNoClinicMatch = errors.New("no clinic matches")
	ErrAmbiguous     = errors.New("clinic name is ambiguous")
)

// ClinicMatch is a clinic scored against a typed name.
type ClinicMatch struct {
	Clinic     repository.ClinicName
	Similarity float64
}

// ClinicDirectory resolves clinic names typed on the command line against the cached clinics,
// so expenses can be recorded offline without knowing numeric ids.
type ClinicDirectory struct {
	Store *repository.LocalStore
	// MinSimilarity is the score below which candidates are dropped. Defaults to 0.6.
	MinSimilarity float64
}

// Match returns candidates ordered best first. Exact and prefix matches score 1.
func (d *ClinicDirectory) Match(ctx context.Context, query string) ([]ClinicMatch, error) {
	names, err := d.Store.LoadClinicNames(ctx)
	if err != nil {
		return nil, err
	}
	threshold := d.MinSimilarity
	if threshold == 0 {
		threshold = 0.6
	}
	q := strings.ToUpper(strings.TrimSpace(query))
	var out []ClinicMatch
	for id, name := range names {
		score := similarity(q, strings.ToUpper(name))
		if score >= threshold {
			out = append(out, ClinicMatch{Clinic: repository.ClinicName{ID: id, Name: name}, Similarity: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Clinic.ID < out[j].Clinic.ID
	})
	return out, nil
}

// Resolve accepts a numeric id or a name. A name must have a single best match.
func (d *ClinicDirectory) Resolve(ctx context.Context, query string) (repository.ClinicName, error) {
	if id, err := repository.ParseID(query); err == nil && id != 0 {
		return repository.ClinicName{ID: id}, nil
	}
	matches, err := d.Match(ctx, query)
	if err != nil {
		return repository.ClinicName{}, err
	}
	switch {
	case len(matches) == 0:
		return repository.ClinicName{}, fmt.Errorf("%w %q", ErrNoClinicMatch, query)
	case len(matches) > 1 && matches[0].Similarity == matches[1].Similarity:
		return repository.ClinicName{}, fmt.Errorf("%w: %q and %q", ErrAmbiguous, matches[0].Clinic.Name, matches[1].Clinic.Name)
	}
	return matches[0].Clinic, nil
}

func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b || strings.HasPrefix(b, a) {
		return 1
	}
	longest := max(len(a), len(b))
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
