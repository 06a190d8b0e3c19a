// Package fixtures generates and loads marketplace data for local runs and load tests.
package fixtures

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"tradechat/internal/directory"
	"tradechat/internal/models"

	"gopkg.in/yaml.v3"
)

// Set is a complete marketplace snapshot: users, their jobs and tradesperson interests.
type Set struct {
	Users     []directory.User        `yaml:"users"`
	Jobs      []directory.Job         `yaml:"jobs"`
	Interests []models.InterestRecord `yaml:"interests"`
}

// GenerateOptions sizes a generated Set. Ratios are fractions of all interests.
type GenerateOptions struct {
	Homeowners        int
	Tradespeople      int
	JobsPerHomeowner  int
	InterestsPerTrade int
	PaidRatio         float64
	CorruptedRatio    float64
	MalformedRatio    float64
}

// Status values that look like paid access but are not. The gate must deny all of them.
var corruptedPaidStatuses = []string{
	" paid_access",
	"paid_access ",
	"Paid_Access",
	"PAID_ACCESS",
	"paid-access",
	"paid_access\n",
}

var unpaidStatuses = []models.InterestStatus{
	models.InterestInterested,
	models.InterestPending,
	models.InterestContactShared,
	models.InterestCancelled,
}

var (
	firstNames = []string{"Alex", "Sam", "Jordan", "Priya", "Chen", "Maria", "Tom", "Aisha", "Noah", "Eve"}
	trades     = []string{"roofing", "plumbing", "electrics", "tiling", "plastering", "joinery", "landscaping"}
)

// Generate builds a random Set using rng.
func Generate(opts GenerateOptions, rng *rand.Rand) *Set {
	set := &Set{}

	for i := 0; i < opts.Homeowners; i++ {
		set.Users = append(set.Users, directory.User{
			ID:   fmt.Sprintf("home-%d", i),
			Name: fmt.Sprintf("%s H%d", firstNames[rng.Intn(len(firstNames))], i),
			Role: models.RoleHomeowner,
		})
		for j := 0; j < opts.JobsPerHomeowner; j++ {
			set.Jobs = append(set.Jobs, directory.Job{
				ID:          fmt.Sprintf("job-%d-%d", i, j),
				Title:       fmt.Sprintf("%s job %d", trades[rng.Intn(len(trades))], j),
				HomeownerID: fmt.Sprintf("home-%d", i),
			})
		}
	}

	for i := 0; i < opts.Tradespeople; i++ {
		tradeID := fmt.Sprintf("trade-%d", i)
		set.Users = append(set.Users, directory.User{
			ID:   tradeID,
			Name: fmt.Sprintf("%s T%d", firstNames[rng.Intn(len(firstNames))], i),
			Role: models.RoleTradesperson,
		})
		if len(set.Jobs) == 0 {
			continue
		}

		n := opts.InterestsPerTrade
		if n > len(set.Jobs) {
			n = len(set.Jobs)
		}
		for _, idx := range rng.Perm(len(set.Jobs))[:n] {
			set.Interests = append(set.Interests, interestFor(set.Jobs[idx].ID, tradeID, opts, rng))
		}
	}
	return set
}

func interestFor(jobID, tradeID string, opts GenerateOptions, rng *rand.Rand) models.InterestRecord {
	rec := models.InterestRecord{JobID: jobID, TradespersonID: tradeID}

	roll := rng.Float64()
	switch {
	case roll < opts.PaidRatio:
		rec.Status = models.InterestPaidAccess
	case roll < opts.PaidRatio+opts.CorruptedRatio:
		rec.Status = models.InterestStatus(corruptedPaidStatuses[rng.Intn(len(corruptedPaidStatuses))])
	case roll < opts.PaidRatio+opts.CorruptedRatio+opts.MalformedRatio:
		rec.Malformed = true
	default:
		rec.Status = unpaidStatuses[rng.Intn(len(unpaidStatuses))]
	}
	return rec
}

// Paid reports whether the record grants messaging access.
func Paid(rec models.InterestRecord) bool {
	return !rec.Malformed && models.IsPaidAccess(rec.Status)
}

// HomeownerOf returns the owner of jobID, or "" when the job is not in the set.
func (s *Set) HomeownerOf(jobID string) string {
	for _, job := range s.Jobs {
		if job.ID == jobID {
			return job.HomeownerID
		}
	}
	return ""
}

// Apply writes every record through seeder. Users go first so jobs can reference them.
func (s *Set) Apply(ctx context.Context, seeder directory.Seeder) error {
	for _, user := range s.Users {
		if err := seeder.SeedUser(ctx, user); err != nil {
			return fmt.Errorf("seed user %s: %w", user.ID, err)
		}
	}
	for _, job := range s.Jobs {
		if err := seeder.SeedJob(ctx, job); err != nil {
			return fmt.Errorf("seed job %s: %w", job.ID, err)
		}
	}
	for _, interest := range s.Interests {
		if err := seeder.SeedInterest(ctx, interest); err != nil {
			return fmt.Errorf("seed interest %s/%s: %w", interest.JobID, interest.TradespersonID, err)
		}
	}
	return nil
}

// Load reads a Set from a YAML file.
func Load(path string) (*Set, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read fixtures %s: %w", path, err)
	}
	var set Set
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	return &set, nil
}

// Save writes the Set as YAML.
func (s *Set) Save(path string) error {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode fixtures: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}
