// Package directory declares the marketplace lookups the chat core depends on.
// All of them are pure reads owned by other subsystems.
package directory

import (
	"context"

	"tradechat/internal/models"
)

// InterestStore returns a tradesperson's interest in a job. Implementations return a
// NOT_FOUND AppError when no record exists.
type InterestStore interface {
	GetInterest(ctx context.Context, jobID, tradespersonID string) (*models.InterestRecord, error)
}

// JobDirectory resolves job metadata. Unknown jobs yield a JOB_NOT_FOUND AppError.
type JobDirectory interface {
	GetJobTitle(ctx context.Context, jobID string) (string, error)
	GetHomeownerOf(ctx context.Context, jobID string) (string, error)
}

// IdentityDirectory resolves user display names. Unknown users yield NOT_FOUND.
type IdentityDirectory interface {
	GetDisplayName(ctx context.Context, userID string) (string, error)
}

// Directories bundles the three lookups.
type Directories interface {
	InterestStore
	JobDirectory
	IdentityDirectory
}

// Job is a marketplace job as far as seeding is concerned.
type Job struct {
	ID          string `json:"id" db:"id" bson:"_id" yaml:"id"`
	Title       string `json:"title" db:"title" bson:"title" yaml:"title"`
	HomeownerID string `json:"homeownerId" db:"homeowner_id" bson:"homeownerId" yaml:"homeowner_id"`
}

// User is a marketplace user as far as seeding is concerned.
type User struct {
	ID   string      `json:"id" db:"id" bson:"_id" yaml:"id"`
	Name string      `json:"name" db:"name" bson:"name" yaml:"name"`
	Role models.Role `json:"role" db:"role" bson:"role" yaml:"role"`
}

// Seeder writes marketplace fixtures. Only development tooling and tests use it.
type Seeder interface {
	SeedUser(ctx context.Context, user User) error
	SeedJob(ctx context.Context, job Job) error
	SeedInterest(ctx context.Context, interest models.InterestRecord) error
}
